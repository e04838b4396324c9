package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

func newTestCache(t *testing.T) (*RedisHistoryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisHistoryCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestBuildKey(t *testing.T) {
	c, _ := newTestCache(t)
	assert.Equal(t, "chat:history:general", c.BuildKey("general"))
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Get(context.Background(), "general")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSetGetInvalidate(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []chat.ChatMessage{
		{RoomID: "general", UserID: "u1", Username: "alice", Text: "hi", Timestamp: ts},
		{RoomID: "general", UserID: "u2", Username: "bob", Text: "yo", Timestamp: ts.Add(time.Second)},
	}

	require.NoError(t, c.Set(ctx, "general", msgs, 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL("chat:history:general"))

	got, err := c.Get(ctx, "general")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Text)
	assert.True(t, ts.Equal(got[0].Timestamp))

	require.NoError(t, c.Invalidate(ctx, "general"))
	_, err = c.Get(ctx, "general")
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.NoError(t, c.Invalidate(ctx, "general"))
}

func TestSetEmptyIsHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "quiet", nil, time.Minute))
	got, err := c.Get(ctx, "quiet")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEntryExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "general", []chat.ChatMessage{{RoomID: "general", Text: "hi"}}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "general")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestFlushOnlyHistoryKeys(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for _, room := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, room, []chat.ChatMessage{{RoomID: room}}, time.Hour))
	}
	require.NoError(t, mr.Set("session:123", "keep"))

	n, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, mr.Exists("session:123"))
	assert.False(t, mr.Exists("chat:history:a"))
}

func TestCorruptEntry(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("chat:history:general", "{not json"))

	_, err := c.Get(context.Background(), "general")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestRedisDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "general")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
	assert.Error(t, c.Ping(context.Background()))
}
