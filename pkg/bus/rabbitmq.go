package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/weiawesome/wes-io-chat/pkg/log"
)

var errChannelClosed = errors.New("delivery channel closed")

// RabbitMQ is the topic-exchange driver. Publishes go to the exchange with
// persistent delivery mode and publisher confirms; consumption is from a
// durable queue bound with a wildcard pattern, in manual-ack mode.
type RabbitMQ struct {
	cfg Config
	sup *Supervisor

	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	pubConn amqpConn
}

// NewRabbitMQ creates a RabbitMQ driver. Nothing is dialled until Run.
func NewRabbitMQ(cfg Config, role Role) *RabbitMQ {
	return newRabbitMQ(cfg, role, nil)
}

func newRabbitMQ(cfg Config, role Role, dial dialFunc) *RabbitMQ {
	topo := cfg.Topology
	declareQueue := role == RoleConsumer

	setup := func(conn amqpConn) error {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel: %w", err)
		}
		defer ch.Close()
		return DeclareTopology(ch, topo, declareQueue)
	}

	name := "rabbitmq-publisher"
	if role == RoleConsumer {
		name = "rabbitmq-consumer"
	}

	return &RabbitMQ{
		cfg: cfg,
		sup: newSupervisor(name, cfg.URL, cfg.Reconnect, dial, setup),
	}
}

// DeclareTopology idempotently declares the durable topic exchange and,
// when withQueue is set, the durable queue and its binding.
func DeclareTopology(ch *amqp.Channel, topo Topology, withQueue bool) error {
	if err := ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topo.Exchange, err)
	}
	if !withQueue {
		return nil
	}
	q, err := ch.QueueDeclare(topo.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topo.Queue, err)
	}
	if err := ch.QueueBind(q.Name, topo.Binding, topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, topo.Binding, err)
	}
	return nil
}

func (r *RabbitMQ) Run(ctx context.Context) error {
	return r.sup.Run(ctx)
}

func (r *RabbitMQ) State() State {
	return r.sup.State()
}

// Publish sends body to the exchange and waits, up to the operation
// timeout, for the broker confirm. Calls are serialized on one channel.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	conn, err := r.sup.Connection()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	confirm, err := r.publish(ctx, conn, routingKey, body)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirm for %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s nacked by broker", routingKey)
	}
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, conn amqpConn, routingKey string, body []byte) (*amqp.DeferredConfirmation, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	ch, err := r.publishChannel(conn)
	if err != nil {
		return nil, err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, r.cfg.Topology.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		ch.Close()
		r.pubCh = nil
		return nil, fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return confirm, nil
}

// publishChannel returns the cached channel, reopening it after a failure or
// a reconnect. Callers hold pubMu.
func (r *RabbitMQ) publishChannel(conn amqpConn) (*amqp.Channel, error) {
	if r.pubCh != nil && r.pubConn == conn && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}

	r.pubCh = ch
	r.pubConn = conn
	return ch, nil
}

// Consume delivers messages from the durable queue to h until ctx is done.
// Each delivery is acked, rejected or requeued after h returns; it is never
// acked before. Lost channels are resubscribed once the supervisor
// reconnects.
func (r *RabbitMQ) Consume(ctx context.Context, h Handler) error {
	l := log.L()
	tag := "chat-persist-" + uuid.NewString()[:8]

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.sup.Ready():
		}

		err := r.consumeOnce(ctx, tag, h)
		if ctx.Err() != nil {
			return nil
		}
		l.Warn().Err(err).Str("queue", r.cfg.Topology.Queue).Msg("consumer interrupted, waiting to resubscribe")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.Reconnect.InitialDelay):
		}
	}
}

func (r *RabbitMQ) consumeOnce(ctx context.Context, tag string, h Handler) error {
	conn, err := r.sup.Connection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(r.cfg.Topology.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", r.cfg.Topology.Queue, err)
	}

	l := log.L()
	l.Info().Str("queue", r.cfg.Topology.Queue).Str("consumer_tag", tag).Int("prefetch", r.cfg.Prefetch).Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errChannelClosed
			}
			r.handle(ctx, h, d)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	l := log.L()

	hctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	err := h(hctx, Delivery{
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	})
	cancel()

	var ackErr error
	switch outcome := Classify(err); outcome {
	case OutcomeAck:
		ackErr = d.Ack(false)
	case OutcomeReject:
		l.Warn().Err(err).Str(log.FieldRoutingKey, d.RoutingKey).Msg("rejecting delivery without requeue")
		ackErr = d.Nack(false, false)
	default:
		l.Warn().Err(err).Str(log.FieldRoutingKey, d.RoutingKey).Dur(log.FieldDelay, r.cfg.RequeueDelay).Msg("requeueing delivery")
		// Requeued deliveries come straight back; pause so a failing store
		// is not hammered.
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.RequeueDelay):
		}
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		l.Error().Err(ackErr).Str(log.FieldRoutingKey, d.RoutingKey).Msg("failed to settle delivery")
	}
}

// Close closes the publish channel and the connection.
func (r *RabbitMQ) Close() error {
	r.pubMu.Lock()
	if r.pubCh != nil {
		r.pubCh.Close()
		r.pubCh = nil
	}
	r.pubMu.Unlock()
	return r.sup.Close()
}
