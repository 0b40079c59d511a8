package channels

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamClient struct {
	mu       sync.Mutex
	groupErr error
	pending  []redis.XMessage
	acked    []string
	added    []*redis.XAddArgs
}

func (f *fakeStreamClient) XGroupCreateMkStream(_ context.Context, _, _, _ string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (f *fakeStreamClient) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStreamClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStreamClient) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func TestRedisChannel_ConsumesAndAcks(t *testing.T) {
	client := &fakeStreamClient{
		groupErr: errors.New("BUSYGROUP Consumer Group name already exists"),
		pending: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"data": `{"prompt":"hello","session":"s1"}`}},
			{ID: "2-0", Values: map[string]interface{}{"data": `not json`}},
			{ID: "3-0", Values: map[string]interface{}{"other": "x"}},
		},
	}

	ch, err := NewRedisChannel(RedisConfig{Client: client, Block: 10 * time.Millisecond})
	require.NoError(t, err)

	rec := &dispatchRecorder{}
	require.NoError(t, ch.Start(context.Background(), rec.dispatch))

	assert.Eventually(t, func() bool {
		return len(client.ackedIDs()) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Stop(context.Background()))

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "redis", msgs[0].Channel)
	assert.Equal(t, "s1", msgs[0].SessionKey)
	assert.Equal(t, "1-0", msgs[0].TaskID)
	assert.ElementsMatch(t, []string{"1-0", "2-0", "3-0"}, client.ackedIDs())
}

func TestRedisChannel_DispatchFailureLeavesPending(t *testing.T) {
	client := &fakeStreamClient{}
	ch, err := NewRedisChannel(RedisConfig{Client: client})
	require.NoError(t, err)

	failing := func(context.Context, InboundMessage) (Receipt, error) {
		return Receipt{}, assert.AnError
	}
	ch.handle(context.Background(), failing, redis.XMessage{
		ID:     "9-0",
		Values: map[string]interface{}{"data": `{"prompt":"retry me"}`},
	})
	assert.Empty(t, client.ackedIDs())
}

func TestRedisChannel_GroupError(t *testing.T) {
	client := &fakeStreamClient{groupErr: assert.AnError}
	ch, err := NewRedisChannel(RedisConfig{Client: client})
	require.NoError(t, err)

	err = ch.Start(context.Background(), (&dispatchRecorder{}).dispatch)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRedisChannel_Deliver(t *testing.T) {
	client := &fakeStreamClient{}
	ch, err := NewRedisChannel(RedisConfig{Client: client, ReplyStream: "ranya:replies"})
	require.NoError(t, err)

	require.NoError(t, ch.Deliver(context.Background(), Reply{Channel: "redis", TaskID: "t1", Content: "ok"}))
	require.Len(t, client.added, 1)
	assert.Equal(t, "ranya:replies", client.added[0].Stream)

	values := client.added[0].Values.(map[string]interface{})
	var reply Reply
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &reply))
	assert.Equal(t, "ok", reply.Content)
}
