package pubsub

import (
	"context"
	"errors"
	"regexp"
	"sync"
)

var errMemoryClosed = errors.New("memory pubsub closed")

type memorySubscription struct {
	key     string
	pattern *regexp.Regexp
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) matches(channel string) bool {
	if s.pattern == nil {
		return s.key == channel
	}
	return s.pattern.MatchString(channel)
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryPubSub is an in-process PubSub. Every MemoryPubSub value is its own
// backplane; gateways that share one value see each other's events, each
// through its own subscription.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryPubSub creates an empty in-process backplane.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[*memorySubscription]struct{})}
}

// Publish delivers the event to every matching subscription. Subscribers
// whose buffer is full miss the event.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryClosed
	}
	for s := range m.subs {
		if !s.matches(channel) {
			continue
		}
		select {
		case <-s.done:
		case s.ch <- event:
		default:
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, nil)
}

func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, re)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern *regexp.Regexp) (<-chan *Event, error) {
	s := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, 100),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errMemoryClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	out := make(chan *Event, 100)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				m.remove(s)
				return
			case <-s.done:
				return
			case e := <-s.ch:
				select {
				case out <- e:
				case <-ctx.Done():
					m.remove(s)
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MemoryPubSub) remove(s *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, s)
	s.stop()
}

// Unsubscribe removes every subscription made with this channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		if s.key == channel {
			s.stop()
			delete(m.subs, s)
		}
	}
	return nil
}

// dropAll ends every subscription, closing the subscribers' channels, but
// keeps the backplane usable for new subscriptions.
func (m *MemoryPubSub) dropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		s.stop()
		delete(m.subs, s)
	}
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		s.stop()
		delete(m.subs, s)
	}
	m.closed = true
	return nil
}
