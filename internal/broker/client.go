// Package broker provides a resilient message-queue client used for
// operational event publication and operator command intake.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mpetrov/sitechat/internal/domain"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
)

// Envelope is the wire unit exchanged over the broker: a discriminated
// type tag plus an opaque payload. Producers and consumers agree on the
// tag vocabulary out of band.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals v into an envelope with the given tag.
func NewEnvelope(tag string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope data: %w", err)
	}
	return Envelope{Type: tag, Data: data}, nil
}

// Delivery is one inbound message handed to a subscriber. Ack must be
// called after handling; the transport guarantees at-least-once, so
// handlers must be idempotent.
type Delivery struct {
	Body []byte
	Ack  func()
}

// Handler is invoked once per inbound envelope on a destination.
type Handler func(ctx context.Context, env Envelope)

// Transport is the underlying connection to the message queue.
// Implementations must be safe for concurrent Publish calls and must
// synchronize Reconnect against them.
type Transport interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, destination string, body []byte) error
	Consume(ctx context.Context, destination string) (<-chan Delivery, error)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithMaxRetries overrides the publish retry budget.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay overrides the backoff unit. The delay before attempt n
// is n times this value.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.baseDelay = d }
}

type subscription struct {
	destination string
	handler     Handler
}

// Client wraps a broker transport with bounded retry, reconnect-on-error
// and a no-op mode when no transport is configured. The disabled mode
// lets the rest of the system run without a broker present, without
// conditional branching at call sites.
type Client struct {
	transport  Transport
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subs    []subscription
	wg      sync.WaitGroup
}

// New creates a client over the given transport. A nil transport yields
// a disabled client: every publish succeeds as a no-op and subscriptions
// are never invoked.
func New(transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		transport:  transport,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Disabled reports whether the client runs without a transport.
func (c *Client) Disabled() bool {
	return c.transport == nil
}

// Start connects the transport and begins dispatching registered
// subscriptions. Calling Start more than once is a no-op.
func (c *Client) Start(ctx context.Context) error {
	if c.Disabled() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker transport: %w", err)
	}

	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.started = true

	for _, sub := range c.subs {
		c.startConsumer(c.runCtx, sub)
	}
	return nil
}

// Close stops consumers and closes the transport. It is idempotent and
// safe to call even if Start was never called or failed.
func (c *Client) Close() error {
	if c.Disabled() {
		return nil
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	return c.transport.Close()
}

// Publish delivers an envelope to the destination. Transient transport
// errors are retried up to the retry budget with linearly increasing
// backoff, forcing a transport reconnect before each retry. Exhaustion
// raises a delivery-failure error the caller must treat as fatal for
// that message. Serialization errors are programming errors and are
// never retried.
func (c *Client) Publish(ctx context.Context, destination string, env Envelope) error {
	if c.Disabled() {
		return nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = c.transport.Publish(ctx, destination, body)
		if lastErr == nil {
			return nil
		}

		c.logger.Warn("broker publish failed",
			slog.String("destination", destination),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.maxRetries),
			slog.String("error", lastErr.Error()))

		if attempt == c.maxRetries {
			break
		}

		if err := c.transport.Reconnect(ctx); err != nil {
			c.logger.Warn("broker reconnect failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.baseDelay):
		}
	}

	return domain.ErrDelivery(
		fmt.Sprintf("publish to %q failed after %d attempts", destination, c.maxRetries),
		lastErr)
}

// Subscribe registers a handler for inbound envelopes on a destination.
// On a disabled client the registration is a no-op and the handler is
// never invoked. Subscriptions registered after Start begin consuming
// immediately.
func (c *Client) Subscribe(destination string, handler Handler) {
	if c.Disabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sub := subscription{destination: destination, handler: handler}
	c.subs = append(c.subs, sub)
	if c.started {
		c.startConsumer(c.runCtx, sub)
	}
}

// startConsumer is called with c.mu held.
func (c *Client) startConsumer(ctx context.Context, sub subscription) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		deliveries, err := c.transport.Consume(ctx, sub.destination)
		if err != nil {
			c.logger.Error("broker consume failed",
				slog.String("destination", sub.destination),
				slog.String("error", err.Error()))
			return
		}

		for d := range deliveries {
			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				c.logger.Warn("discarding malformed envelope",
					slog.String("destination", sub.destination),
					slog.String("error", err.Error()))
				d.Ack()
				continue
			}
			sub.handler(ctx, env)
			d.Ack()
		}
	}()
}
