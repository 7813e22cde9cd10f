package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process queue implementing Source and Publisher with
// the same settle semantics as the network brokers: one consumer session at
// a time, prefetch of one, bounded redelivery and a dead-letter list. Unacked
// messages of a lost session go back to the head of the queue.
type MemoryBroker struct {
	mu              sync.Mutex
	queue           []*memMessage
	deadLetters     []Message
	acked           []Message
	maxRedeliveries int
	failConnects    int
	session         *memSession
	closed          bool
	seq             int
	ready           chan struct{}
}

type memMessage struct {
	msg Message
}

var (
	_ Source    = (*MemoryBroker)(nil)
	_ Publisher = (*MemoryBroker)(nil)
)

// NewMemoryBroker creates a MemoryBroker. A message requeued more than
// maxRedeliveries times is dead-lettered.
func NewMemoryBroker(maxRedeliveries int) *MemoryBroker {
	return &MemoryBroker{
		maxRedeliveries: maxRedeliveries,
		ready:           make(chan struct{}, 1),
	}
}

// Publish enqueues body at the tail of the queue.
func (b *MemoryBroker) Publish(_ context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	b.seq++
	b.queue = append(b.queue, &memMessage{msg: Message{
		ID:         fmt.Sprintf("mem-%d", b.seq),
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Attempt:    1,
	}})
	b.signal()
	return nil
}

// Connect opens a session, replacing any previous one.
func (b *MemoryBroker) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	if b.failConnects > 0 {
		b.failConnects--
		b.mu.Unlock()
		return nil, errors.New("memory broker: connection refused")
	}
	prev := b.session
	s := &memSession{
		b:          b,
		deliveries: make(chan Delivery),
		done:       make(chan error, 1),
		closed:     make(chan struct{}),
	}
	b.session = s
	b.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	go s.run()
	return s, nil
}

// Close rejects further publishes and connects and ends the live session.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	s := b.session
	b.mu.Unlock()

	if s != nil {
		s.Close()
	}
	return nil
}

// FailNextConnects makes the next n Connect calls fail.
func (b *MemoryBroker) FailNextConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnects = n
}

// Disconnect drops the live session as if the connection was lost.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()

	if s != nil {
		s.fail(errors.New("memory broker: connection lost"))
	}
}

// Pending returns the number of queued messages, excluding one in flight.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DeadLetters returns the dead-lettered messages in order.
func (b *MemoryBroker) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.deadLetters...)
}

// Acked returns the acknowledged messages in order.
func (b *MemoryBroker) Acked() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.acked...)
}

func (b *MemoryBroker) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// requeueHead puts m back at the head of the queue, or dead-letters it when
// the redelivery budget is spent. Callers hold b.mu.
func (b *MemoryBroker) requeueHead(m *memMessage) {
	m.msg.Attempt++
	if m.msg.Attempt > b.maxRedeliveries+1 {
		b.deadLetters = append(b.deadLetters, m.msg)
		return
	}
	b.queue = append([]*memMessage{m}, b.queue...)
	b.signal()
}

type memSession struct {
	b          *MemoryBroker
	deliveries chan Delivery
	done       chan error
	closed     chan struct{}
	closeOnce  sync.Once
	inflight   *memMessage // guarded by b.mu
}

func (s *memSession) Deliveries() <-chan Delivery { return s.deliveries }
func (s *memSession) Done() <-chan error          { return s.done }

func (s *memSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.b.mu.Lock()
		if s.inflight != nil {
			s.b.requeueHead(s.inflight)
			s.inflight = nil
		}
		if s.b.session == s {
			s.b.session = nil
		}
		s.b.mu.Unlock()
	})
	return nil
}

func (s *memSession) fail(err error) {
	select {
	case s.done <- err:
	default:
	}
	s.Close()
}

func (s *memSession) run() {
	for {
		m, ok := s.next()
		if !ok {
			return
		}
		s.b.mu.Lock()
		d := &memDelivery{s: s, m: m, msg: m.msg, settled: make(chan struct{})}
		s.b.mu.Unlock()
		select {
		case s.deliveries <- d:
		case <-s.closed:
			return
		}
		select {
		case <-d.settled:
		case <-s.closed:
			return
		}
	}
}

// next blocks until a message is available or the session closes.
func (s *memSession) next() (*memMessage, bool) {
	for {
		s.b.mu.Lock()
		select {
		case <-s.closed:
			s.b.mu.Unlock()
			return nil, false
		default:
		}
		if len(s.b.queue) > 0 {
			m := s.b.queue[0]
			s.b.queue = s.b.queue[1:]
			s.inflight = m
			s.b.mu.Unlock()
			return m, true
		}
		s.b.mu.Unlock()

		select {
		case <-s.b.ready:
		case <-s.closed:
			return nil, false
		}
	}
}

type memDelivery struct {
	s       *memSession
	m       *memMessage
	msg     Message
	settled chan struct{}
}

func (d *memDelivery) Message() Message { return d.msg }

func (d *memDelivery) Settle(disp Disposition) error {
	b := d.s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.s.inflight != d.m {
		return ErrSessionClosed
	}
	if disp != Ack && disp != Reject && disp != Requeue {
		return fmt.Errorf("unknown disposition %d", disp)
	}
	d.s.inflight = nil

	switch disp {
	case Ack:
		b.acked = append(b.acked, d.m.msg)
	case Reject:
		b.deadLetters = append(b.deadLetters, d.m.msg)
	case Requeue:
		b.requeueHead(d.m)
	}
	close(d.settled)
	return nil
}
