package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mpetrov/sitechat/internal/domain"
)

const (
	// completionAttempts bounds the completion retry budget per message.
	completionAttempts = 2

	defaultTimeout = 60 * time.Second
)

// Config holds the provider settings. Empty Credentials disables the
// gateway: every operation becomes a silent no-op returning no answer.
type Config struct {
	AuthURL      string
	APIURL       string
	Credentials  string
	Scope        string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// session is the gateway's internal provider-session state. It is owned
// exclusively by the gateway and never shared.
type session struct {
	bearer          string
	expiresAt       time.Time
	paymentRequired bool
}

// Gateway manages one shared provider session across all conversations.
type Gateway struct {
	client *Client
	logger *slog.Logger

	mu  sync.Mutex
	cfg Config
	s   session
}

// NewGateway creates a gateway for the given configuration. The session
// is created lazily on first use.
func NewGateway(cfg Config, logger *slog.Logger, opts ...ClientOption) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Gateway{
		client: NewClient(cfg.AuthURL, cfg.APIURL, opts...),
		logger: logger,
		cfg:    cfg,
	}
}

// Configure replaces the configuration and the session wholesale,
// clearing the payment-required latch. Called on config reload.
func (g *Gateway) Configure(cfg Config, opts ...ClientOption) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.client = NewClient(cfg.AuthURL, cfg.APIURL, opts...)
	g.s = session{}
	g.logger.Info("provider gateway reconfigured", slog.String("model", cfg.Model))
}

// Disabled reports whether no credentials are configured.
func (g *Gateway) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Credentials == ""
}

// isExpired reports whether the bearer is missing or at/after its
// expiry. Callers hold g.mu.
func (g *Gateway) isExpired(now time.Time) bool {
	return g.s.bearer == "" || !now.Before(g.s.expiresAt)
}

// authenticate refreshes the bearer credential. Concurrent callers
// discovering an expired credential serialize here; the expiry is
// re-checked under the lock so only one refresh runs.
func (g *Gateway) authenticate(ctx context.Context, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.s.paymentRequired {
		return domain.ErrPaymentRequired("provider account requires payment")
	}
	if !force && !g.isExpired(time.Now()) {
		return nil
	}

	token, err := g.client.Authenticate(ctx, g.cfg.Credentials, g.cfg.Scope)
	if err != nil {
		if domain.IsType(err, domain.ErrorTypePaymentRequired) {
			// Sticky: no further authentication attempts against a
			// provider that is out of funds.
			g.s.paymentRequired = true
		}
		return err
	}

	g.s.bearer = token.AccessToken
	g.s.expiresAt = time.UnixMilli(token.ExpiresAt)
	g.logger.Info("provider session refreshed",
		slog.Time("expires_at", g.s.expiresAt))
	return nil
}

// SendMessage sends the sanitized text with prior-turn history to the
// provider and returns its answer with token counters verbatim. A nil
// answer with nil error means the gateway is disabled and no answer is
// available; callers must not treat that as an error.
func (g *Gateway) SendMessage(ctx context.Context, text string, history []domain.HistoryEntry) (*Answer, error) {
	if g.Disabled() {
		return nil, nil
	}

	// Snapshot the config and client handle under the lock; Configure
	// may swap both mid-call and the message then completes against the
	// snapshot it started with.
	g.mu.Lock()
	cfg := g.cfg
	client := g.client
	latched := g.s.paymentRequired
	expired := g.isExpired(time.Now())
	g.mu.Unlock()

	if latched {
		return nil, domain.ErrPaymentRequired("provider account requires payment")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if expired {
		if err := g.authenticate(ctx, false); err != nil {
			return nil, err
		}
	}

	req := g.buildRequest(cfg, text, history)

	var lastErr error
	reauthed := false
	for attempt := 1; attempt <= completionAttempts; attempt++ {
		g.mu.Lock()
		bearer := g.s.bearer
		g.mu.Unlock()

		resp, err := client.CreateCompletion(ctx, bearer, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, domain.ErrRequest(0, "provider returned no choices")
			}
			return &Answer{
				Text:  resp.Choices[0].Message.Content,
				Usage: resp.Usage,
			}, nil
		}

		if domain.IsType(err, domain.ErrorTypePaymentRequired) {
			g.mu.Lock()
			g.s.paymentRequired = true
			g.mu.Unlock()
			return nil, err
		}

		// One re-authentication-and-retry cycle on a mid-flight 401.
		if domain.IsType(err, domain.ErrorTypeAuthentication) && !reauthed {
			reauthed = true
			g.logger.Warn("provider rejected bearer, re-authenticating")
			if aerr := g.authenticate(ctx, true); aerr != nil {
				return nil, aerr
			}
			continue
		}

		lastErr = err
		g.logger.Warn("provider completion failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, domain.ErrRequest(0,
		fmt.Sprintf("completion failed after %d attempts: %v", completionAttempts, lastErr))
}

// buildRequest assembles the optional system prompt, the prior-turn
// history and the current message.
func (g *Gateway) buildRequest(cfg Config, text string, history []domain.HistoryEntry) *ChatRequest {
	messages := make([]ChatMessage, 0, 2*len(history)+2)
	if cfg.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: cfg.SystemPrompt})
	}
	for _, h := range history {
		messages = append(messages,
			ChatMessage{Role: RoleUser, Content: h.Message},
			ChatMessage{Role: RoleAssistant, Content: h.Answer})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: text})

	return &ChatRequest{Model: cfg.Model, Messages: messages}
}
