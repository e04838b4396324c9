package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// offsetCommitter is the part of *kafka.Consumer that settles records.
type offsetCommitter interface {
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
}

// Kafka is the alternative driver. The routing key becomes the record key,
// so every room stays on one partition and keeps its order. Offsets are
// committed only after the handler settles a record; a requeue seeks the
// partition back to the record so it is fetched again.
type Kafka struct {
	cfg   Config
	role  Role
	state atomic.Int32

	// probe answers whether the cluster is reachable. It also makes sure
	// the topic exists.
	probe func(ctx context.Context) error
	// lost is signalled when the client reports every broker down.
	lost chan struct{}

	mu       sync.Mutex
	producer *kafka.Producer
	consumer *kafka.Consumer
}

// NewKafka creates a Kafka driver. The producer is created eagerly because
// librdkafka connects and reconnects on its own.
func NewKafka(cfg Config, role Role) (*Kafka, error) {
	k := &Kafka{cfg: cfg, role: role, lost: make(chan struct{}, 1)}
	k.probe = func(ctx context.Context) error {
		return EnsureTopic(ctx, k.cfg.Kafka)
	}
	if role == RolePublisher {
		p, err := kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.Kafka.Brokers,
			"acks":               "all",
			"linger.ms":          5,
			"compression.type":   "snappy",
			"message.timeout.ms": int(cfg.OperationTimeout.Milliseconds()) * 6,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		k.producer = p
	}
	return k, nil
}

// EnsureTopic creates the topic with the configured partition count if it
// does not exist yet.
func EnsureTopic(ctx context.Context, cfg KafkaConfig) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 8
	}

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             cfg.Topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}
	return nil
}

// Run probes the cluster until it answers, then watches client events.
// Whenever every broker is reported down the driver degrades and probes
// again until the cluster is back.
func (k *Kafka) Run(ctx context.Context) error {
	k.state.Store(int32(StateConnecting))
	defer k.state.Store(int32(StateDisconnected))

	if err := k.await(ctx, "kafka not ready, retrying"); err != nil || ctx.Err() != nil {
		return err
	}

	var events chan kafka.Event
	if k.producer != nil {
		events = k.producer.Events()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.lost:
			if err := k.await(ctx, "kafka brokers unreachable, retrying"); err != nil || ctx.Err() != nil {
				return err
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if kerr, isErr := e.(kafka.Error); isErr {
				k.observeError(kerr)
			}
		}
	}
}

// await retries the probe under the reconnect policy and marks the driver
// connected once it succeeds. A cancelled ctx returns nil.
func (k *Kafka) await(ctx context.Context, retryMsg string) error {
	l := log.L()
	attempt := 0
	op := func() error {
		attempt++
		tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return k.probe(tctx)
	}
	notify := func(err error, delay time.Duration) {
		l.Warn().Err(err).Str(log.FieldDriver, "kafka").Int(log.FieldAttempt, attempt).Dur(log.FieldDelay, delay).Msg(retryMsg)
	}

	if err := backoff.RetryNotify(op, newBackOff(ctx, k.cfg.Reconnect), notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
	}

	// A report of brokers down that raced the successful probe is stale.
	select {
	case <-k.lost:
	default:
	}
	k.state.Store(int32(StateConnected))
	l.Info().Str(log.FieldDriver, "kafka").Str(log.FieldBusState, StateConnected.String()).Str("topic", k.cfg.Kafka.Topic).Msg("bus connected")
	return nil
}

func (k *Kafka) observeError(e kafka.Error) {
	l := log.L()
	if e.Code() == kafka.ErrAllBrokersDown {
		k.state.Store(int32(StateDisconnected))
		l.Warn().Err(e).Str(log.FieldBusState, StateDisconnected.String()).Msg("all kafka brokers down, degraded until reconnect")
		select {
		case k.lost <- struct{}{}:
		default:
		}
		return
	}
	l.Warn().Err(e).Bool("fatal", e.IsFatal()).Msg("kafka error")
}

func (k *Kafka) State() State {
	return State(k.state.Load())
}

// Publish produces one record and waits for its delivery report.
func (k *Kafka) Publish(ctx context.Context, routingKey string, body []byte) error {
	if k.producer == nil {
		return fmt.Errorf("kafka driver was created without a producer")
	}
	if k.State() != StateConnected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, k.cfg.OperationTimeout)
	defer cancel()

	report := make(chan kafka.Event, 1)
	err := k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.cfg.Kafka.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(routingKey),
		Value: body,
	}, report)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("delivery report for %s: %w", routingKey, ctx.Err())
	case e := <-report:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed for %s: %w", routingKey, m.TopicPartition.Error)
		}
		return nil
	}
}

// Consume polls the topic under the configured group. It returns on ctx
// cancellation or a fatal client error.
func (k *Kafka) Consume(ctx context.Context, h Handler) error {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.cfg.Kafka.Brokers,
		"group.id":           k.cfg.Kafka.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	k.mu.Lock()
	k.consumer = c
	k.mu.Unlock()

	if err := c.Subscribe(k.cfg.Kafka.Topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", k.cfg.Kafka.Topic, err)
	}

	l := log.L()
	l.Info().Str("topic", k.cfg.Kafka.Topic).Str("group", k.cfg.Kafka.GroupID).Msg("consuming")

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev := c.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			k.handle(ctx, c, h, e, seen)
		case kafka.Error:
			k.observeError(e)
			if e.IsFatal() {
				return fmt.Errorf("fatal kafka error: %w", e)
			}
		default:
		}
	}
}

// handle runs h on one record and settles it: commit on success or reject,
// seek back for redelivery on requeue. The offset never moves before h
// returned.
func (k *Kafka) handle(ctx context.Context, c offsetCommitter, h Handler, m *kafka.Message, seen map[string]bool) {
	l := log.L()
	key := string(m.Key)
	tp := kafka.TopicPartition{Topic: m.TopicPartition.Topic, Partition: m.TopicPartition.Partition, Offset: m.TopicPartition.Offset}
	pos := fmt.Sprintf("%d@%d", tp.Partition, tp.Offset)

	hctx, cancel := context.WithTimeout(ctx, k.cfg.OperationTimeout)
	err := h(hctx, Delivery{RoutingKey: key, Body: m.Value, Redelivered: seen[pos]})
	cancel()

	switch Classify(err) {
	case OutcomeRequeue:
		seen[pos] = true
		l.Warn().Err(err).Str(log.FieldRoutingKey, key).Dur(log.FieldDelay, k.cfg.RequeueDelay).Msg("requeueing delivery")
		select {
		case <-ctx.Done():
			return
		case <-time.After(k.cfg.RequeueDelay):
		}
		if serr := c.Seek(tp, 0); serr != nil {
			l.Error().Err(serr).Str(log.FieldRoutingKey, key).Msg("failed to seek back for redelivery")
		}
		return
	case OutcomeReject:
		l.Warn().Err(err).Str(log.FieldRoutingKey, key).Msg("rejecting delivery without requeue")
	}

	delete(seen, pos)
	if _, cerr := c.CommitMessage(m); cerr != nil {
		l.Error().Err(cerr).Str(log.FieldRoutingKey, key).Msg("failed to commit offset")
	}
}

// Close flushes the producer and closes the consumer.
func (k *Kafka) Close() error {
	if k.producer != nil {
		k.producer.Flush(5000)
		k.producer.Close()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.consumer != nil {
		return k.consumer.Close()
	}
	return nil
}
