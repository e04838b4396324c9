package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-chat/pkg/log"
)

var errKafkaClosed = errors.New("kafka pubsub closed")

// poller is the part of *kafka.Consumer the read loop uses.
type poller interface {
	Poll(timeoutMs int) kafka.Event
	Close() error
}

// KafkaPubSub carries every backplane channel on one topic, keyed by the
// channel name, and fans events out locally, so subscriptions never touch
// the broker. Each instance assigns itself every partition at the log end
// and never commits, so no consumer group state is left on the brokers.
type KafkaPubSub struct {
	cfg      KafkaConfig
	producer *kafka.Producer
	local    *MemoryPubSub
	connect  func() (poller, error)

	mu      sync.Mutex
	running bool
	closed  bool
	stop    context.CancelFunc
	done    chan struct{}

	reports chan struct{}
}

// NewKafkaPubSub creates the producer and makes sure the topic exists.
// The read loop starts with the first subscription.
func NewKafkaPubSub(cfg KafkaConfig, instanceID string) (*KafkaPubSub, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Kafka.Topic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultConfig().Kafka.GroupID
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"client.id":         instanceID,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		cfg:      cfg,
		producer: p,
		local:    NewMemoryPubSub(),
		reports:  make(chan struct{}),
	}
	k.connect = k.assignAll
	go k.watchReports()

	if err := k.ensureTopic(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("could not create backplane topic, assuming it exists")
	}
	return k, nil
}

func (k *KafkaPubSub) ensureTopic() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return err
	}
	defer admin.Close()

	partitions := k.cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             k.cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		if c := r.Error.Code(); c != kafka.ErrNoError && c != kafka.ErrTopicAlreadyExists {
			return r.Error
		}
	}
	return nil
}

// assignAll creates a consumer positioned at the end of every partition of
// the topic. The group id is only required by the client; it never joins.
func (k *KafkaPubSub) assignAll() (poller, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.cfg.Brokers,
		"group.id":           k.cfg.GroupID,
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	md, err := c.GetMetadata(&k.cfg.Topic, false, 5000)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to read metadata of %s: %w", k.cfg.Topic, err)
	}
	topic, ok := md.Topics[k.cfg.Topic]
	if !ok || topic.Error.Code() != kafka.ErrNoError || len(topic.Partitions) == 0 {
		c.Close()
		return nil, fmt.Errorf("topic %s has no partitions", k.cfg.Topic)
	}

	assignment := make([]kafka.TopicPartition, 0, len(topic.Partitions))
	for _, p := range topic.Partitions {
		assignment = append(assignment, kafka.TopicPartition{
			Topic:     &k.cfg.Topic,
			Partition: p.ID,
			Offset:    kafka.OffsetEnd,
		})
	}
	if err := c.Assign(assignment); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to assign partitions of %s: %w", k.cfg.Topic, err)
	}
	return c, nil
}

func (k *KafkaPubSub) watchReports() {
	defer close(k.reports)
	l := log.L()
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Warn().Err(m.TopicPartition.Error).Str("channel", string(m.Key)).Msg("backplane delivery failed")
		}
	}
}

// Publish enqueues the event without waiting for the broker.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.cfg.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(channel),
		Value:          data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", channel, err)
	}
	return nil
}

func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return k.subscribe(func() (<-chan *Event, error) {
		return k.local.Subscribe(ctx, channel)
	})
}

func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return k.subscribe(func() (<-chan *Event, error) {
		return k.local.SubscribePattern(ctx, pattern)
	})
}

// subscribe makes sure the read loop runs and registers the local
// subscription under the same lock, so a loop that dies later always ends
// it.
func (k *KafkaPubSub) subscribe(register func() (<-chan *Event, error)) (<-chan *Event, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, errKafkaClosed
	}
	if !k.running {
		c, err := k.connect()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		k.running = true
		k.stop = cancel
		k.done = make(chan struct{})
		go k.poll(ctx, c, k.done)
	}
	return register()
}

func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	return k.local.Unsubscribe(ctx, channel)
}

// poll owns the consumer. When it stops, every local subscription ends so
// subscribers notice and subscribe again, which starts a fresh loop.
func (k *KafkaPubSub) poll(ctx context.Context, c poller, done chan struct{}) {
	l := log.L()
	defer func() {
		c.Close()
		k.mu.Lock()
		k.running = false
		k.local.dropAll()
		k.mu.Unlock()
		close(done)
	}()

	for ctx.Err() == nil {
		switch e := c.Poll(500).(type) {
		case *kafka.Message:
			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l.Warn().Err(err).Msg("dropping undecodable backplane event")
				continue
			}
			_ = k.local.Publish(ctx, string(e.Key), &event)
		case kafka.Error:
			l.Warn().Err(e).Bool("fatal", e.IsFatal()).Msg("kafka backplane error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Close stops the read loop, ends local subscriptions and flushes the
// producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	k.closed = true
	running, stop, done := k.running, k.stop, k.done
	k.mu.Unlock()

	if running {
		stop()
		<-done
	}
	_ = k.local.Close()

	if k.producer != nil {
		k.producer.Flush(5000)
		k.producer.Close()
		<-k.reports
	}
	return nil
}
