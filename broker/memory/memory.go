// Package memory is an in-process broker.Broker. History is kept per topic up
// to a fixed length so subscribers can resume with a last event id.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/devicelink/broker"
)

// DefaultHistory is the number of events retained per topic.
const DefaultHistory = 256

const subscriberBuffer = 64

type Broker struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	counter atomic.Int64
	history int
}

type topic struct {
	mu          sync.Mutex
	events      []broker.Event
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	topic  *topic
	ch     chan broker.Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
}

// New creates a broker keeping up to history events per topic. history <= 0
// uses DefaultHistory.
func New(history int) *Broker {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Broker{topics: make(map[string]*topic), history: history}
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ev := broker.Event{
		ID:   strconv.FormatInt(b.counter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("topic %q has been cleaned up", name)
	}

	t.events = append(t.events, ev)
	if over := len(t.events) - b.history; over > 0 {
		t.events = append(t.events[:0:0], t.events[over:]...)
	}

	for sub := range t.subscribers {
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
			delete(t.subscribers, sub)
		default:
			// Slow subscriber; it can resume from its last id.
		}
	}
	return ev.ID, nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("topic %q has been cleaned up", name)
	}

	var backlog []broker.Event
	if lastEventID != "" {
		for i, ev := range t.events {
			if ev.ID == lastEventID {
				backlog = t.events[i+1:]
				break
			}
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic:  t,
		ch:     make(chan broker.Event, subscriberBuffer+len(backlog)),
		ctx:    subCtx,
		cancel: cancel,
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	t.subscribers[sub] = struct{}{}
	return sub, nil
}

func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	t.closed = true
	subs := t.subscribers
	t.subscribers = make(map[*subscription]struct{})
	t.events = nil
	t.mu.Unlock()

	for sub := range subs {
		sub.shutdown()
	}
	return nil
}

func (s *subscription) Next(ctx context.Context) (broker.Event, error) {
	if s.closed.Load() {
		return broker.Event{}, io.EOF
	}
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return broker.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return broker.Event{}, ctx.Err()
	case <-s.ctx.Done():
		// Drain anything delivered before cancellation.
		select {
		case ev, ok := <-s.ch:
			if ok {
				return ev, nil
			}
		default:
		}
		return broker.Event{}, io.EOF
	}
}

func (s *subscription) Close() error {
	s.topic.mu.Lock()
	delete(s.topic.subscribers, s)
	s.topic.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.topic.mu.Lock()
		close(s.ch)
		s.topic.mu.Unlock()
	})
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*subscription)(nil)
)
