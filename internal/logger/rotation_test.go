package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ranyad.log")

	w, err := NewRotatingWriter(path, Rotation{MaxSizeMB: 10})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("task accepted\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "task accepted\n", string(content))
}

func TestRotatingWriter_RollsOverAtLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranyad.log")

	w, err := NewRotatingWriter(path, Rotation{MaxSizeMB: 1})
	require.NoError(t, err)

	record := []byte(strings.Repeat("a", 700<<10) + "\n")
	for range 2 {
		_, err = w.Write(record)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(record)), info.Size())
}

func TestRotatingWriter_CompressesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranyad.log")

	w, err := NewRotatingWriter(path, Rotation{MaxSizeMB: 1, Compress: true})
	require.NoError(t, err)

	first := []byte(strings.Repeat("x", 900<<10))
	_, err = w.Write(first)
	require.NoError(t, err)
	_, err = w.Write(first)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	gz, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	require.Len(t, gz, 1)

	f, err := os.Open(gz[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, first, data)

	plain, err := os.Stat(strings.TrimSuffix(gz[0], ".gz"))
	assert.True(t, os.IsNotExist(err), "uncompressed copy left behind: %v", plain)
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranyad.log")

	w, err := NewRotatingWriter(path, Rotation{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _ = w.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 800, strings.Count(string(content), "line\n"))
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "ranyad.log"), Rotation{})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriter_Prune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranyad.log")

	stale := path + ".20200101-120000.000.gz"
	fresh := path + "." + time.Now().Format(rotatedSuffixLayout)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))
	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, old, old))

	w, err := NewRotatingWriter(path, Rotation{MaxAgeDays: 7})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	assert.Equal(t, 0, w.prune(time.Now()))
}
