// Package brokertest is a behavioural suite shared by every broker.Broker
// implementation.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/mbocsi/devicelink/broker"
)

// Factory returns a fresh broker for one subtest.
type Factory func(t *testing.T) broker.Broker

func Run(t *testing.T, factory Factory) {
	t.Run("SubscribeFromNext", func(t *testing.T) { testSubscribeFromNext(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResume(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testCancellation(t, factory) })
	t.Run("CloseEndsStream", func(t *testing.T) { testClose(t, factory) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, factory) })
}

func topicName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func next(t *testing.T, s broker.Stream) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return ev
}

func publish(t *testing.T, b broker.Broker, topic, data string) string {
	t.Helper()
	id, err := b.Publish(context.Background(), topic, []byte(data))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a non-empty event id")
	}
	return id
}

func testSubscribeFromNext(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)

	publish(t, b, topic, "before")
	s, err := b.Subscribe(context.Background(), topic, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	publish(t, b, topic, "one")
	publish(t, b, topic, "two")

	for _, want := range []string{"one", "two"} {
		if got := string(next(t, s).Data); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func testResume(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)

	first := publish(t, b, topic, "a")
	publish(t, b, topic, "b")
	publish(t, b, topic, "c")

	s, err := b.Subscribe(context.Background(), topic, first)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, want := range []string{"b", "c"} {
		if got := string(next(t, s).Data); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func testIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	topicA, topicB := topicName(t)+"-a", topicName(t)+"-b"

	s, err := b.Subscribe(context.Background(), topicA, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	publish(t, b, topicB, "other")
	publish(t, b, topicA, "mine")

	if got := string(next(t, s).Data); got != "mine" {
		t.Errorf("Expected only events from own topic, got %q", got)
	}
}

func testCancellation(t *testing.T, factory Factory) {
	b := factory(t)
	s, err := b.Subscribe(context.Background(), topicName(t), "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func testClose(t *testing.T, factory Factory) {
	b := factory(t)
	s, err := b.Subscribe(context.Background(), topicName(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after Close, got %v", err)
	}
}

func testCleanup(t *testing.T, factory Factory) {
	b := factory(t)
	topic := topicName(t)

	old := publish(t, b, topic, "stale")
	if err := b.Cleanup(context.Background(), topic); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	s, err := b.Subscribe(context.Background(), topic, "")
	if err != nil {
		t.Fatalf("Expected topic to be usable after cleanup, got %v", err)
	}
	defer s.Close()

	publish(t, b, topic, "fresh")
	ev := next(t, s)
	if ev.ID == old || string(ev.Data) != "fresh" {
		t.Errorf("Expected only the fresh event, got %s %q", ev.ID, ev.Data)
	}
}
