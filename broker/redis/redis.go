// Package redis implements broker.Broker on Redis Streams so several server
// processes can share device event history.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/mbocsi/devicelink/broker"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// Client to use. If nil a client for localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every key. Defaults to "devicelink:events:".
	KeyPrefix string
	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64
}

type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "devicelink:events:"
	}
	return &Broker{client: client, keyPrefix: prefix, maxLen: cfg.MaxLen}
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	key := b.streamKey(topic)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := lastEventID
	if start == "" {
		// Pin the position now so events published between Subscribe and the
		// first Next are not missed.
		msgs, err := b.client.XRevRangeN(ctx, b.streamKey(topic), "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read stream tail: %w", err)
		}
		start = "0-0"
		if len(msgs) > 0 {
			start = msgs[0].ID
		}
	}
	return &stream{broker: b, key: b.streamKey(topic), lastID: start}, nil
}

func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	key := b.streamKey(topic)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

type stream struct {
	broker  *Broker
	key     string
	lastID  string
	pending []redis.XMessage
	closed  atomic.Bool
}

// Next reads with a short block so cancellation of ctx or Close is noticed
// within a second.
func (s *stream) Next(ctx context.Context) (broker.Event, error) {
	for {
		if s.closed.Load() {
			return broker.Event{}, io.EOF
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.lastID = msg.ID
			data, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			return broker.Event{ID: msg.ID, Data: []byte(data)}, nil
		}
		if err := ctx.Err(); err != nil {
			return broker.Event{}, err
		}

		streams, err := s.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return broker.Event{}, ctx.Err()
			}
			return broker.Event{}, fmt.Errorf("read stream %s: %w", s.key, err)
		}
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
		}
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*stream)(nil)
)
