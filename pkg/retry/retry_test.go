package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return nil
}

func testPolicy(rec *sleepRecorder, attempts int) Policy {
	nop := zerolog.Nop()
	return Policy{
		MaxAttempts: attempts,
		Base:        100 * time.Millisecond,
		Sleep:       rec.sleep,
		Name:        "test",
		Logger:      &nop,
	}
}

func TestDo_FailsThenSucceeds(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0

	got, err := Do(context.Background(), testPolicy(rec, 3), func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt < 2 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.sleeps)
}

func TestDo_ExhaustedSurfacesLastError(t *testing.T) {
	rec := &sleepRecorder{}
	errFirst := errors.New("first")
	errLast := errors.New("last")

	_, err := Do(context.Background(), testPolicy(rec, 3), func(ctx context.Context, attempt int) (int, error) {
		if attempt == 2 {
			return 0, errLast
		}
		return 0, errFirst
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errLast)
	assert.NotErrorIs(t, err, errFirst)
	assert.Contains(t, err.Error(), "max attempts (3) exceeded")
	// no sleep after the final attempt
	assert.Len(t, rec.sleeps, 2)
}

func TestDo_SuccessFirstTryNeverSleeps(t *testing.T) {
	rec := &sleepRecorder{}

	got, err := Do(context.Background(), testPolicy(rec, 5), func(ctx context.Context, attempt int) (int, error) {
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Empty(t, rec.sleeps)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	rec := &sleepRecorder{}
	errAuth := errors.New("401 unauthorized")
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec, 5), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, Permanent(errAuth)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, errAuth, err)
	assert.Empty(t, rec.sleeps)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	nop := zerolog.Nop()
	errTransport := errors.New("transport")

	p := Policy{
		MaxAttempts: 4,
		Base:        time.Hour,
		Logger:      &nop,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return sleepContext(ctx, d)
		},
	}

	_, err := Do(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		return 0, errTransport
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransport)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(3))

	p.MaxDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Second, p.Delay(200))
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBase, p.Base)
	assert.NotNil(t, p.Sleep)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad request")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
