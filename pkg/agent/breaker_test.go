package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-runtime/pkg/retry"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	args := m.Called(ctx, req)
	body, _ := args.Get(0).(io.ReadCloser)
	return body, args.Error(1)
}

func TestBreakerProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &mockProvider{}
	inner.On("OpenStream", mock.Anything, mock.Anything).Return(nil, &StatusError{StatusCode: 503})

	p := NewBreakerProvider(inner, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := p.OpenStream(context.Background(), Request{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	_, err := p.OpenStream(context.Background(), Request{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, retry.IsPermanent(err))
	inner.AssertNumberOfCalls(t, "OpenStream", 2)
}

func TestBreakerProvider_PermanentErrorsDoNotTrip(t *testing.T) {
	inner := &mockProvider{}
	inner.On("OpenStream", mock.Anything, mock.Anything).Return(nil, retry.Permanent(&StatusError{StatusCode: 400}))

	p := NewBreakerProvider(inner, BreakerConfig{ConsecutiveFailures: 1})
	for i := 0; i < 3; i++ {
		_, err := p.OpenStream(context.Background(), Request{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, p.State())

	canceled := &mockProvider{}
	canceled.On("OpenStream", mock.Anything, mock.Anything).Return(nil, context.Canceled)
	p = NewBreakerProvider(canceled, BreakerConfig{ConsecutiveFailures: 1})
	_, err := p.OpenStream(context.Background(), Request{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestBreakerProvider_PassesBodyThrough(t *testing.T) {
	inner := &mockProvider{}
	inner.On("OpenStream", mock.Anything, mock.Anything).Return(io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil)

	p := NewBreakerProvider(inner, BreakerConfig{})
	assert.Equal(t, "mock", p.Name())

	body, err := p.OpenStream(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "data: [DONE]\n\n", string(data))
	inner.AssertExpectations(t)
}
