package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	closeChs []chan *amqp.Error
	closed   bool
}

func (c *fakeConn) Channel() (*amqp.Channel, error) {
	return nil, errors.New("fake connection has no channels")
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChs = append(c.closeChs, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.closeChs {
		close(ch)
	}
	return nil
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.closeChs {
		ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	}
}

type fakeDialer struct {
	failures atomic.Int32
	dials    atomic.Int32

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(string) (amqpConn, error) {
	d.dials.Add(1)
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func fastReconnect(maxAttempts int) ReconnectConfig {
	return ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: maxAttempts}
}

func TestSupervisorConnectsAfterFailures(t *testing.T) {
	d := &fakeDialer{}
	d.failures.Store(2)
	s := newSupervisor("test", "amqp://fake", fastReconnect(0), d.dial, nil)

	_, err := s.Connection()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never connected")
	}
	assert.Equal(t, StateConnected, s.State())
	assert.EqualValues(t, 3, d.dials.Load())

	conn, err := s.Connection()
	require.NoError(t, err)
	assert.NotNil(t, conn)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSupervisorReconnectsAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	s := newSupervisor("test", "amqp://fake", fastReconnect(0), d.dial, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	<-s.Ready()
	first := d.last()

	d.failures.Store(1)
	first.drop()

	require.Eventually(t, func() bool {
		return d.dials.Load() >= 3 && s.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn, err := s.Connection()
	require.NoError(t, err)
	assert.NotSame(t, first, conn)
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	d.failures.Store(100)
	s := newSupervisor("test", "amqp://fake", fastReconnect(3), d.dial, nil)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.EqualValues(t, 3, d.dials.Load())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSupervisorSetupFailureRetries(t *testing.T) {
	d := &fakeDialer{}
	var setups atomic.Int32
	setup := func(amqpConn) error {
		if setups.Add(1) == 1 {
			return errors.New("exchange declare failed")
		}
		return nil
	}
	s := newSupervisor("test", "amqp://fake", fastReconnect(0), d.dial, setup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never connected")
	}
	assert.EqualValues(t, 2, setups.Load())
	d.mu.Lock()
	first := d.conns[0]
	d.mu.Unlock()
	first.mu.Lock()
	defer first.mu.Unlock()
	assert.True(t, first.closed)
}

func TestRabbitMQPublishWhileDisconnected(t *testing.T) {
	d := &fakeDialer{}
	r := newRabbitMQ(DefaultConfig(), RolePublisher, d.dial)

	err := r.Publish(context.Background(), "messages.room-1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, r.State())
}
