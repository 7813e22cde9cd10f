// Package broker consumes change messages from a message broker and settles
// them according to the outcome reported by a Handler.
//
// Transports implement Source; Consumer owns the connect, consume and
// reconnect loop on top of any Source.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrRetriesExhausted is returned by Consumer.Run when the broker stays
	// unreachable for the whole retry budget.
	ErrRetriesExhausted = errors.New("broker: connection retries exhausted")
	// ErrSessionClosed reports a session that ended without a transport error.
	ErrSessionClosed = errors.New("broker: session closed")
)

// Disposition is how a consumed message is settled.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Reject dead-letters the message without redelivery.
	Reject
	// Requeue asks for redelivery, bounded by the broker's retry budget.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

// Message is a transport-neutral view of one delivery.
type Message struct {
	// ID is a transport-assigned identifier that is stable across
	// redeliveries, or empty when the transport has none.
	ID         string
	RoutingKey string
	Body       []byte
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt int
}

// Delivery is a message awaiting settlement.
type Delivery interface {
	Message() Message
	Settle(Disposition) error
}

// Session is one live broker connection.
type Session interface {
	// Deliveries is closed when the session stops delivering.
	Deliveries() <-chan Delivery
	// Done yields the transport error that ended the session, if any.
	Done() <-chan error
	Close() error
}

// Source opens sessions against a broker.
type Source interface {
	Connect(ctx context.Context) (Session, error)
}

// Publisher emits change messages. Used by operator tooling and tests.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// Handler processes one message and decides how it is settled.
type Handler func(ctx context.Context, msg Message) Disposition
