// Package bus is the durable message path between the realtime gateway and
// the persist consumer. Drivers publish under a routing key and consume with
// acknowledgment deferred until the handler returns.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Publish while the driver has no live
	// connection. Callers treat it as a dropped publish.
	ErrNotConnected = errors.New("bus not connected")

	// ErrMalformed marks a delivery that can never be processed. Handlers wrap
	// it to have the delivery rejected without requeue.
	ErrMalformed = errors.New("malformed delivery")

	// ErrReconnectExhausted is returned by Run when a bounded attempt budget
	// has been used up.
	ErrReconnectExhausted = errors.New("bus reconnect attempts exhausted")
)

// Delivery is one message handed to a Handler.
type Delivery struct {
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// Handler processes a delivery. A nil error acknowledges it, an error
// wrapping ErrMalformed rejects it, any other error requeues it.
type Handler func(ctx context.Context, d Delivery) error

// Outcome is what a driver does with a delivery after the handler ran.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeReject
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeReject:
		return "reject"
	default:
		return "requeue"
	}
}

// Classify maps a handler result to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, ErrMalformed):
		return OutcomeReject
	default:
		return OutcomeRequeue
	}
}

// Publisher publishes message bodies under a routing key. Implementations
// are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Consumer pulls deliveries from the durable queue until ctx is done,
// resubscribing after connection loss.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Driver bundles a publisher and consumer with the background task that
// keeps the broker connection alive.
type Driver interface {
	Publisher
	Consumer

	// Run supervises the connection and blocks until ctx is done.
	Run(ctx context.Context) error
	State() State
	Close() error
}
