package server

import (
	"context"
	"errors"
	"sync"

	"github.com/mbocsi/devicelink/proto"
)

// DefaultQueueSize is the outbound queue capacity used when none is configured.
const DefaultQueueSize = 200

var ErrOutboxClosed = errors.New("outbox closed")

// Outbox is a bounded FIFO of outbound messages for one device. Any number of
// goroutines may Push; exactly one goroutine (the session sender) may Pop.
//
// When full, Push evicts the oldest queued message to make room.
type Outbox struct {
	mu       sync.Mutex
	buf      []proto.Message
	head     int
	size     int
	dropped  uint64
	closed   bool
	notify   chan struct{}
	closedCh chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Outbox{
		buf:      make([]proto.Message, capacity),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push enqueues msg. If the queue was full the evicted message is returned.
// Pushing to a closed outbox returns ErrOutboxClosed.
func (o *Outbox) Push(msg proto.Message) (evicted proto.Message, err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOutboxClosed
	}
	if o.size == len(o.buf) {
		evicted = o.buf[o.head]
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
		o.size--
		o.dropped++
	}
	o.buf[(o.head+o.size)%len(o.buf)] = msg
	o.size++
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Pop blocks until a message is available, the context is done or the outbox
// is closed.
func (o *Outbox) Pop(ctx context.Context) (proto.Message, error) {
	for {
		o.mu.Lock()
		if o.size > 0 {
			msg := o.buf[o.head]
			o.buf[o.head] = nil
			o.head = (o.head + 1) % len(o.buf)
			o.size--
			o.mu.Unlock()
			return msg, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, ErrOutboxClosed
		}

		select {
		case <-o.notify:
		case <-o.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects further pushes and wakes the consumer. Messages still queued
// can be drained with Pop.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.closedCh)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

func (o *Outbox) Cap() int { return len(o.buf) }

// Dropped is the number of messages evicted by backpressure so far.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Snapshot returns the queued messages in delivery order without removing them.
func (o *Outbox) Snapshot() []proto.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]proto.Message, 0, o.size)
	for i := 0; i < o.size; i++ {
		out = append(out, o.buf[(o.head+i)%len(o.buf)])
	}
	return out
}
