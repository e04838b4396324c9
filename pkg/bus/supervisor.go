package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// amqpConn is the part of *amqp.Connection the supervisor depends on.
type amqpConn interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialFunc func(url string) (amqpConn, error)

// setupFunc runs on every fresh connection before it is handed out.
type setupFunc func(conn amqpConn) error

func dialAMQP(url string) (amqpConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Supervisor owns one broker connection and drives it through
// Disconnected -> Connecting -> Connected, reconnecting with capped
// exponential backoff whenever the connection drops.
type Supervisor struct {
	url       string
	name      string
	dial      dialFunc
	setup     setupFunc
	reconnect ReconnectConfig

	mu    sync.RWMutex
	state State
	conn  amqpConn
	ready chan struct{}
}

func newSupervisor(name, url string, rc ReconnectConfig, dial dialFunc, setup setupFunc) *Supervisor {
	if dial == nil {
		dial = dialAMQP
	}
	return &Supervisor{
		url:       url,
		name:      name,
		dial:      dial,
		setup:     setup,
		reconnect: rc,
		state:     StateDisconnected,
		ready:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connection returns the live connection or ErrNotConnected.
func (s *Supervisor) Connection() (amqpConn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Ready returns a channel that is closed once the supervisor is connected.
// After a disconnect a new channel is handed out, so callers must call
// Ready again after each wait.
func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Run connects and keeps reconnecting until ctx is done or the attempt
// budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	l := log.L()
	defer s.markDisconnected()

	for {
		s.setState(StateConnecting)

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Error().Err(err).Str("bus", s.name).Msg("bus connection abandoned")
			return err
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		s.markConnected(conn)
		l.Info().Str("bus", s.name).Str(log.FieldBusState, StateConnected.String()).Msg("bus connected")

		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		case amqpErr := <-closeCh:
			s.markDisconnected()
			evt := l.Warn().Str("bus", s.name).Str(log.FieldBusState, StateDisconnected.String())
			if amqpErr != nil {
				evt = evt.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason)
			}
			evt.Msg("bus connection lost, degraded until reconnect")
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (amqpConn, error) {
	l := log.L()
	attempt := 0

	op := func() (amqpConn, error) {
		attempt++
		conn, err := s.dial(s.url)
		if err != nil {
			return nil, err
		}
		if s.setup != nil {
			if err := s.setup(conn); err != nil {
				conn.Close()
				return nil, fmt.Errorf("topology setup: %w", err)
			}
		}
		return conn, nil
	}

	notify := func(err error, delay time.Duration) {
		l.Warn().Err(err).Str("bus", s.name).Int(log.FieldAttempt, attempt).Dur(log.FieldDelay, delay).Msg("bus connect failed, retrying")
	}

	conn, err := backoff.RetryNotifyWithData(op, s.newBackOff(ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
	}
	return conn, nil
}

func (s *Supervisor) newBackOff(ctx context.Context) backoff.BackOff {
	return newBackOff(ctx, s.reconnect)
}

// newBackOff is the reconnect policy shared by the drivers: exponential,
// capped at MaxDelay, unbounded unless MaxAttempts is set.
func newBackOff(ctx context.Context, rc ReconnectConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if rc.InitialDelay > 0 {
		eb.InitialInterval = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		eb.MaxInterval = rc.MaxDelay
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if rc.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(rc.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) markConnected(conn amqpConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.state = StateConnected
	close(s.ready)
}

func (s *Supervisor) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		s.ready = make(chan struct{})
	}
	s.conn = nil
	s.state = StateDisconnected
}

// Close closes the current connection, if any. Run notices and returns or
// reconnects depending on its context.
func (s *Supervisor) Close() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
