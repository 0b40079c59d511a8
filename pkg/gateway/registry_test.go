package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	r := NewClientRegistry()
	base := time.Now()

	older := &Client{ID: "a", ConnectedAt: base}
	newer := &Client{ID: "b", ConnectedAt: base.Add(time.Second)}
	newer.markAuthenticated()
	r.Add(newer)
	r.Add(older)

	assert.Equal(t, 2, r.Count())
	assert.Len(t, r.Snapshot(false), 2)

	authed := r.Snapshot(true)
	require.Len(t, authed, 1)
	assert.Equal(t, "b", authed[0].ID)

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.True(t, infos[1].Authenticated)
}

func TestClientRegistry_RemoveIgnoresReplacedConnection(t *testing.T) {
	r := NewClientRegistry()

	first := &Client{ID: "dup"}
	second := &Client{ID: "dup"}
	r.Add(first)
	r.Add(second)

	r.Remove(first)
	got, ok := r.Get("dup")
	require.True(t, ok)
	assert.Same(t, second, got)

	r.Remove(second)
	_, ok = r.Get("dup")
	assert.False(t, ok)
}
