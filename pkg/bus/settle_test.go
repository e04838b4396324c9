package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records handler calls and settlements in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
	at      map[string]time.Time
}

func (j *journal) add(entry string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	if j.at == nil {
		j.at = make(map[string]time.Time)
	}
	j.at[entry] = time.Now()
	return nil
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type journalAcker struct{ j *journal }

func (a journalAcker) Ack(tag uint64, multiple bool) error {
	return a.j.add(fmt.Sprintf("ack %d", tag))
}

func (a journalAcker) Nack(tag uint64, multiple, requeue bool) error {
	return a.j.add(fmt.Sprintf("nack %d requeue=%t", tag, requeue))
}

func (a journalAcker) Reject(tag uint64, requeue bool) error {
	return a.j.add(fmt.Sprintf("reject %d requeue=%t", tag, requeue))
}

func settleConfig() Config {
	cfg := DefaultConfig()
	cfg.OperationTimeout = time.Second
	cfg.RequeueDelay = 30 * time.Millisecond
	return cfg
}

func TestRabbitMQSettlesAfterHandler(t *testing.T) {
	tests := []struct {
		name   string
		result error
		want   string
	}{
		{name: "success acks", result: nil, want: "ack 7"},
		{name: "malformed is dropped", result: fmt.Errorf("decode: %w", ErrMalformed), want: "nack 7 requeue=false"},
		{name: "store failure requeues", result: errors.New("store down"), want: "nack 7 requeue=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &journal{}
			r := &RabbitMQ{cfg: settleConfig()}

			var got Delivery
			h := func(ctx context.Context, d Delivery) error {
				got = d
				_, hasDeadline := ctx.Deadline()
				assert.True(t, hasDeadline)
				j.add("handled")
				return tt.result
			}

			r.handle(context.Background(), h, amqp.Delivery{
				Acknowledger: journalAcker{j},
				DeliveryTag:  7,
				RoutingKey:   "messages.general",
				Body:         []byte(`{"roomId":"general"}`),
				Redelivered:  true,
			})

			assert.Equal(t, []string{"handled", tt.want}, j.list())
			assert.Equal(t, "messages.general", got.RoutingKey)
			assert.True(t, got.Redelivered)
		})
	}
}

func TestRabbitMQRequeueWaitsForDelay(t *testing.T) {
	j := &journal{}
	cfg := settleConfig()
	cfg.RequeueDelay = 80 * time.Millisecond
	r := &RabbitMQ{cfg: cfg}

	r.handle(context.Background(), func(context.Context, Delivery) error {
		j.add("handled")
		return errors.New("store down")
	}, amqp.Delivery{Acknowledger: journalAcker{j}, DeliveryTag: 1})

	require.Equal(t, []string{"handled", "nack 1 requeue=true"}, j.list())
	assert.GreaterOrEqual(t, j.at["nack 1 requeue=true"].Sub(j.at["handled"]), cfg.RequeueDelay)
}

type journalCommitter struct{ j *journal }

func (c journalCommitter) Seek(tp kafka.TopicPartition, _ int) error {
	return c.j.add(fmt.Sprintf("seek %d@%d", tp.Partition, tp.Offset))
}

func (c journalCommitter) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.j.add(fmt.Sprintf("commit %d@%d", m.TopicPartition.Partition, m.TopicPartition.Offset))
	return nil, nil
}

func TestKafkaSettlesAfterHandler(t *testing.T) {
	topic := "chat-messages"
	record := func() *kafka.Message {
		return &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 41},
			Key:            []byte("messages.general"),
			Value:          []byte(`{"roomId":"general"}`),
		}
	}

	t.Run("success commits", func(t *testing.T) {
		j := &journal{}
		k := &Kafka{cfg: settleConfig()}
		k.handle(context.Background(), journalCommitter{j}, func(context.Context, Delivery) error {
			return j.add("handled")
		}, record(), map[string]bool{})
		assert.Equal(t, []string{"handled", "commit 2@41"}, j.list())
	})

	t.Run("malformed commits past the record", func(t *testing.T) {
		j := &journal{}
		k := &Kafka{cfg: settleConfig()}
		k.handle(context.Background(), journalCommitter{j}, func(context.Context, Delivery) error {
			j.add("handled")
			return ErrMalformed
		}, record(), map[string]bool{})
		assert.Equal(t, []string{"handled", "commit 2@41"}, j.list())
	})

	t.Run("failure seeks back and marks redelivery", func(t *testing.T) {
		j := &journal{}
		k := &Kafka{cfg: settleConfig()}
		seen := map[string]bool{}
		var redelivered []bool
		h := func(_ context.Context, d Delivery) error {
			redelivered = append(redelivered, d.Redelivered)
			j.add("handled")
			if len(redelivered) == 1 {
				return errors.New("store down")
			}
			return nil
		}

		k.handle(context.Background(), journalCommitter{j}, h, record(), seen)
		k.handle(context.Background(), journalCommitter{j}, h, record(), seen)

		assert.Equal(t, []string{"handled", "seek 2@41", "handled", "commit 2@41"}, j.list())
		assert.Equal(t, []bool{false, true}, redelivered)
		assert.Empty(t, seen)
	})
}
