package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	consumerGroup = "sitechat"
	readBlock     = 5 * time.Second
	envelopeField = "envelope"
)

// RedisTransport implements Transport over Redis streams. Destinations
// map to stream keys; consumption uses a consumer group so delivery is
// at-least-once with explicit acks.
type RedisTransport struct {
	opts     *redis.Options
	consumer string
	logger   *slog.Logger

	// mu synchronizes handle swaps during Reconnect against in-flight
	// Publish calls.
	mu  sync.RWMutex
	rdb *redis.Client
}

// NewRedisTransport parses the URL and prepares a transport. The
// connection is established by Connect.
func NewRedisTransport(url, consumer string, logger *slog.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return &RedisTransport{opts: opts, consumer: consumer, logger: logger}, nil
}

func (t *RedisTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rdb != nil {
		return nil
	}
	rdb := redis.NewClient(t.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("ping broker: %w", err)
	}
	t.rdb = rdb
	return nil
}

// Reconnect tears down the current handle and dials a fresh one. Publish
// calls in flight on the old handle finish first.
func (t *RedisTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rdb != nil {
		t.rdb.Close()
		t.rdb = nil
	}
	rdb := redis.NewClient(t.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("ping broker: %w", err)
	}
	t.rdb = rdb
	return nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rdb == nil {
		return nil
	}
	err := t.rdb.Close()
	t.rdb = nil
	return err
}

func (t *RedisTransport) Publish(ctx context.Context, destination string, body []byte) error {
	t.mu.RLock()
	rdb := t.rdb
	t.mu.RUnlock()

	if rdb == nil {
		return fmt.Errorf("broker transport not connected")
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: destination,
		Values: map[string]any{envelopeField: string(body)},
	}).Err()
}

// Consume reads the destination stream through a consumer group and
// feeds deliveries to the returned channel until ctx is cancelled.
func (t *RedisTransport) Consume(ctx context.Context, destination string) (<-chan Delivery, error) {
	t.mu.RLock()
	rdb := t.rdb
	t.mu.RUnlock()

	if rdb == nil {
		return nil, fmt.Errorf("broker transport not connected")
	}

	err := rdb.XGroupCreateMkStream(ctx, destination, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	out := make(chan Delivery)
	go t.consumeLoop(ctx, destination, out)
	return out, nil
}

func (t *RedisTransport) consumeLoop(ctx context.Context, destination string, out chan<- Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.RLock()
		rdb := t.rdb
		t.mu.RUnlock()
		if rdb == nil {
			return
		}

		streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: t.consumer,
			Streams:  []string{destination, ">"},
			Count:    8,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("broker read failed",
				slog.String("destination", destination),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				body, _ := msg.Values[envelopeField].(string)
				id := msg.ID
				select {
				case out <- Delivery{
					Body: []byte(body),
					Ack: func() {
						rdb.XAck(ctx, destination, consumerGroup, id)
					},
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
