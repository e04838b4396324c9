package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-chat/pkg/cache"
	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
)

var ErrInvalidRoom = errors.New("roomId is required")

type ChatHistoryService interface {
	// GetHistory returns the most recent messages of a room, oldest first.
	GetHistory(ctx context.Context, roomID string) ([]chat.ChatMessage, error)
}

// MessageReader is the read half of the history store.
type MessageReader interface {
	Recent(ctx context.Context, roomID string, limit int) ([]chat.ChatMessage, error)
}

// PageCache holds one history page per room.
type PageCache interface {
	Get(ctx context.Context, roomID string) ([]chat.ChatMessage, error)
	Set(ctx context.Context, roomID string, messages []chat.ChatMessage, ttl time.Duration) error
}

type Options struct {
	Limit        int
	TTL          time.Duration
	Singleflight bool
	StoreTimeout time.Duration
	CacheTimeout time.Duration
}

type chatHistoryServiceImpl struct {
	store   MessageReader
	cache   PageCache
	metrics *metrics.History
	opts    Options
	sf      singleflight.Group
}

func NewChatHistoryService(
	reader MessageReader,
	pageCache PageCache,
	m *metrics.History,
	opts Options,
) ChatHistoryService {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 2 * time.Second
	}
	return &chatHistoryServiceImpl{
		store:   reader,
		cache:   pageCache,
		metrics: m,
		opts:    opts,
	}
}

func (s *chatHistoryServiceImpl) GetHistory(ctx context.Context, roomID string) ([]chat.ChatMessage, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrInvalidRoom
	}

	if cached, ok := s.fromCache(ctx, roomID); ok {
		return cached, nil
	}

	if !s.opts.Singleflight {
		return s.load(ctx, roomID)
	}

	result, err, _ := s.sf.Do(roomID, func() (interface{}, error) {
		return s.load(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	messages, ok := result.([]chat.ChatMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return messages, nil
}

// fromCache reports a hit only for a usable entry. Cache errors fall
// through to the store.
func (s *chatHistoryServiceImpl) fromCache(ctx context.Context, roomID string) ([]chat.ChatMessage, bool) {
	if s.cache == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, s.opts.CacheTimeout)
	defer cancel()

	cached, err := s.cache.Get(cacheCtx, roomID)
	switch {
	case err == nil:
		s.count(metrics.ResultHit)
		if cached == nil {
			cached = []chat.ChatMessage{}
		}
		return cached, true
	case errors.Is(err, cache.ErrCacheMiss):
		s.count(metrics.ResultMiss)
	default:
		s.count(metrics.ResultError)
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache get error")
	}
	return nil, false
}

func (s *chatHistoryServiceImpl) load(ctx context.Context, roomID string) ([]chat.ChatMessage, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	messages, err := s.store.Recent(storeCtx, roomID, s.opts.Limit)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages from store: %w", err)
	}
	if messages == nil {
		messages = []chat.ChatMessage{}
	}

	if s.cache != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, s.opts.CacheTimeout)
		err := s.cache.Set(cacheCtx, roomID, messages, s.opts.TTL)
		cancel()
		if err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache set error")
		}
	}

	return messages, nil
}

func (s *chatHistoryServiceImpl) count(result string) {
	if s.metrics != nil {
		s.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}
