package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConsumer hands out queued events, one per Poll.
type scriptedConsumer struct {
	events chan kafka.Event
	closed atomic.Bool
}

func (c *scriptedConsumer) Poll(timeoutMs int) kafka.Event {
	select {
	case e := <-c.events:
		return e
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil
	}
}

func (c *scriptedConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

// newLocalKafka builds a KafkaPubSub without a producer whose consumers
// come from connect.
func newLocalKafka(connect func() (poller, error)) *KafkaPubSub {
	return &KafkaPubSub{
		cfg:     DefaultConfig().Kafka,
		local:   NewMemoryPubSub(),
		connect: connect,
	}
}

func record(t *testing.T, e *Event) *kafka.Message {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return &kafka.Message{Key: []byte(BroadcastChannel(e.RoomID)), Value: data}
}

func closedWithin(t *testing.T, ch <-chan *Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestKafkaPubSubFansOutRecords(t *testing.T) {
	c := &scriptedConsumer{events: make(chan kafka.Event, 4)}
	k := newLocalKafka(func() (poller, error) { return c, nil })
	defer k.Close()

	all, err := k.SubscribePattern(context.Background(), PatternRoomBroadcast)
	require.NoError(t, err)
	one, err := k.Subscribe(context.Background(), BroadcastChannel("team/dev"))
	require.NoError(t, err)

	c.events <- &kafka.Message{Key: []byte(BroadcastChannel("general")), Value: []byte("not json")}
	c.events <- record(t, chatEvent(t, "team/dev", "gw-2", "hi"))

	assert.Equal(t, "team/dev", receive(t, all).RoomID)
	assert.Equal(t, "team/dev", receive(t, one).RoomID)
}

func TestKafkaPubSubRetriesFailedStart(t *testing.T) {
	var attempts atomic.Int32
	c := &scriptedConsumer{events: make(chan kafka.Event, 1)}
	k := newLocalKafka(func() (poller, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("metadata timeout")
		}
		return c, nil
	})
	defer k.Close()

	_, err := k.SubscribePattern(context.Background(), PatternRoomBroadcast)
	require.Error(t, err)

	ch, err := k.SubscribePattern(context.Background(), PatternRoomBroadcast)
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempts.Load())

	c.events <- record(t, chatEvent(t, "general", "gw-2", "hi"))
	assert.Equal(t, "general", receive(t, ch).RoomID)
}

func TestKafkaPubSubFatalErrorEndsSubscriptions(t *testing.T) {
	var consumers []*scriptedConsumer
	k := newLocalKafka(func() (poller, error) {
		c := &scriptedConsumer{events: make(chan kafka.Event, 1)}
		consumers = append(consumers, c)
		return c, nil
	})
	defer k.Close()

	first, err := k.SubscribePattern(context.Background(), PatternRoomBroadcast)
	require.NoError(t, err)

	consumers[0].events <- kafka.NewError(kafka.ErrFatal, "fenced", true)
	closedWithin(t, first)
	assert.True(t, consumers[0].closed.Load())

	second, err := k.SubscribePattern(context.Background(), PatternRoomBroadcast)
	require.NoError(t, err)
	require.Len(t, consumers, 2)

	consumers[1].events <- record(t, chatEvent(t, "general", "gw-2", "back"))
	assert.Equal(t, "general", receive(t, second).RoomID)
}

func TestKafkaPubSubClose(t *testing.T) {
	c := &scriptedConsumer{events: make(chan kafka.Event)}
	k := newLocalKafka(func() (poller, error) { return c, nil })

	ch, err := k.SubscribePattern(context.Background(), PatternRoomBroadcast)
	require.NoError(t, err)

	require.NoError(t, k.Close())
	closedWithin(t, ch)
	assert.True(t, c.closed.Load())

	_, err = k.Subscribe(context.Background(), BroadcastChannel("general"))
	assert.ErrorIs(t, err, errKafkaClosed)
}
