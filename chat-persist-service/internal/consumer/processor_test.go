package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/cache"
	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/database"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

// recorder logs the order in which collaborators are called.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeStore struct {
	rec    *recorder
	err    error
	stored []chat.ChatMessage
}

func (s *fakeStore) Append(ctx context.Context, msg *chat.ChatMessage) error {
	s.rec.add("append:" + msg.RoomID)
	if s.err != nil {
		return s.err
	}
	s.stored = append(s.stored, *msg)
	return nil
}

type fakeCache struct {
	rec *recorder
	err error
}

func (c *fakeCache) Invalidate(ctx context.Context, roomID string) error {
	c.rec.add("invalidate:" + roomID)
	return c.err
}

func delivery(body string) bus.Delivery {
	return bus.Delivery{RoutingKey: "messages.general", Body: []byte(body)}
}

const validBody = `{"roomId":"general","userId":"u1","username":"alice","text":"hi","timestamp":"2024-05-01T12:00:00Z"}`

func newTestProcessor(s Appender, c Invalidator) (*Processor, *metrics.Persist) {
	m := metrics.NewPersist(prometheus.NewRegistry())
	return NewProcessor(s, c, m, time.Second), m
}

func TestHandleStoresThenInvalidates(t *testing.T) {
	rec := &recorder{}
	s := &fakeStore{rec: rec}
	p, m := newTestProcessor(s, &fakeCache{rec: rec})

	err := p.Handle(context.Background(), delivery(validBody))
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeAck, bus.Classify(err))

	assert.Equal(t, []string{"append:general", "invalidate:general"}, rec.list())
	require.Len(t, s.stored, 1)
	assert.Equal(t, "hi", s.stored[0].Text)
	assert.True(t, s.stored[0].Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues(metrics.ResultStored)))
}

func TestHandleMalformed(t *testing.T) {
	cases := map[string]string{
		"NotJSON":     `hello`,
		"MissingRoom": `{"userId":"u1","text":"hi"}`,
		"BlankRoom":   `{"roomId":"  ","text":"hi"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			p, m := newTestProcessor(&fakeStore{rec: rec}, &fakeCache{rec: rec})

			err := p.Handle(context.Background(), delivery(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, bus.ErrMalformed)
			assert.Equal(t, bus.OutcomeReject, bus.Classify(err))
			assert.Empty(t, rec.list())
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues(metrics.ResultMalformed)))
		})
	}
}

func TestHandleStoreFailureRequeuesWithoutInvalidating(t *testing.T) {
	rec := &recorder{}
	p, m := newTestProcessor(&fakeStore{rec: rec, err: store.ErrUnavailable}, &fakeCache{rec: rec})

	err := p.Handle(context.Background(), delivery(validBody))
	require.Error(t, err)
	assert.Equal(t, bus.OutcomeRequeue, bus.Classify(err))
	assert.Equal(t, []string{"append:general"}, rec.list())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues(metrics.ResultStoreError)))
}

func TestHandleInvalidationFailureStillAcks(t *testing.T) {
	rec := &recorder{}
	p, m := newTestProcessor(&fakeStore{rec: rec}, &fakeCache{rec: rec, err: errors.New("redis down")})

	err := p.Handle(context.Background(), delivery(validBody))
	require.NoError(t, err)
	assert.Equal(t, []string{"append:general", "invalidate:general"}, rec.list())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheInvalidationFailures))
}

type blockingStore struct{}

func (blockingStore) Append(ctx context.Context, msg *chat.ChatMessage) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHandleStoreTimeout(t *testing.T) {
	p := NewProcessor(blockingStore{}, nil, nil, 20*time.Millisecond)

	start := time.Now()
	err := p.Handle(context.Background(), delivery(validBody))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, bus.OutcomeRequeue, bus.Classify(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandleRedeliveryAppendsDuplicate(t *testing.T) {
	rec := &recorder{}
	s := &fakeStore{rec: rec}
	p, _ := newTestProcessor(s, &fakeCache{rec: rec})

	d := delivery(validBody)
	require.NoError(t, p.Handle(context.Background(), d))
	d.Redelivered = true
	require.NoError(t, p.Handle(context.Background(), d))
	assert.Len(t, s.stored, 2)
}

func TestHandleAgainstSQLiteAndRedis(t *testing.T) {
	ctx := context.Background()

	sqlStore, err := store.NewSQL(&database.Config{Driver: "sqlite", FilePath: ":memory:", LogLevel: "silent", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	require.NoError(t, sqlStore.Migrate(ctx))

	mr := miniredis.RunT(t)
	historyCache := cache.NewRedisHistoryCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { historyCache.Close() })

	// A stale page cached before the message arrives.
	require.NoError(t, historyCache.Set(ctx, "general", []chat.ChatMessage{}, time.Hour))
	require.True(t, mr.Exists("chat:history:general"))

	p, _ := newTestProcessor(sqlStore, historyCache)
	require.NoError(t, p.Handle(ctx, delivery(validBody)))

	assert.False(t, mr.Exists("chat:history:general"))
	msgs, err := sqlStore.Recent(ctx, "general", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "alice", msgs[0].Username)
}
