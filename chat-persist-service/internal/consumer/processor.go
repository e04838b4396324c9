// Package consumer turns bus deliveries into durable history records.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/cache"
	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

// Appender is the write half of the history store.
type Appender interface {
	Append(ctx context.Context, msg *chat.ChatMessage) error
}

// Invalidator drops a room's cached history.
type Invalidator interface {
	Invalidate(ctx context.Context, roomID string) error
}

var (
	_ Appender    = (store.Store)(nil)
	_ Invalidator = (cache.HistoryCache)(nil)
)

// Processor persists one delivery at a time. It is safe for concurrent use
// when its collaborators are.
type Processor struct {
	store        Appender
	cache        Invalidator
	metrics      *metrics.Persist
	storeTimeout time.Duration
	cacheTimeout time.Duration
}

func NewProcessor(s Appender, c Invalidator, m *metrics.Persist, storeTimeout time.Duration) *Processor {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Processor{
		store:        s,
		cache:        c,
		metrics:      m,
		storeTimeout: storeTimeout,
		cacheTimeout: 2 * time.Second,
	}
}

// Handle is a bus.Handler. The cache entry of the room is invalidated only
// after the append succeeded; an invalidation failure still acknowledges.
func (p *Processor) Handle(ctx context.Context, d bus.Delivery) error {
	l := log.Ctx(ctx)

	var msg chat.ChatMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		p.count(metrics.ResultMalformed)
		l.Warn().Err(err).Str(log.FieldRoutingKey, d.RoutingKey).Msg("dropping undecodable message")
		return fmt.Errorf("decode message: %w: %v", bus.ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		p.count(metrics.ResultMalformed)
		l.Warn().Str(log.FieldRoutingKey, d.RoutingKey).Msg("dropping message without roomId")
		return fmt.Errorf("validate message: %w: %v", bus.ErrMalformed, err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	err := p.store.Append(storeCtx, &msg)
	cancel()
	if err != nil {
		p.count(metrics.ResultStoreError)
		l.Error().Err(err).
			Str(log.FieldRoomID, msg.RoomID).
			Bool("redelivered", d.Redelivered).
			Msg("failed to persist message, leaving it for redelivery")
		return fmt.Errorf("append message: %w", err)
	}
	p.count(metrics.ResultStored)

	if p.cache != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, p.cacheTimeout)
		err := p.cache.Invalidate(cacheCtx, msg.RoomID)
		cancel()
		if err != nil {
			if p.metrics != nil {
				p.metrics.CacheInvalidationFailures.Inc()
			}
			l.Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("cache invalidation failed, history stale until TTL")
		}
	}

	l.Debug().
		Str(log.FieldRoomID, msg.RoomID).
		Str(log.FieldUserID, msg.UserID).
		Msg("message persisted")
	return nil
}

func (p *Processor) count(result string) {
	if p.metrics != nil {
		p.metrics.Messages.WithLabelValues(result).Inc()
	}
}
