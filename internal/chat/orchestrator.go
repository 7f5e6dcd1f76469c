// Package chat runs the per-message pipeline: admission control,
// background dispatch, sanitization, intent resolution, persistence and
// answer push.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mpetrov/sitechat/internal/domain"
	"github.com/mpetrov/sitechat/internal/provider"
	"github.com/mpetrov/sitechat/internal/storage"
)

// User-facing texts pushed over the live connection. Internal failures
// never leak beyond the generic service-error text.
const (
	msgTooLongFmt     = "Your message is too long: the limit is %d characters."
	msgBudgetExceeded = "The daily usage limit has been reached. Please come back tomorrow."
	msgServiceError   = "Something went wrong while answering. Please try again."
	msgUnavailable    = "Answers are temporarily unavailable."
)

const (
	defaultMaxMessageLen = 1000
	defaultHistoryLimit  = 5
)

// AnswerGateway is the external answer provider consumed by the
// pipeline.
type AnswerGateway interface {
	// SendMessage returns the provider's answer, or (nil, nil) when the
	// provider is disabled and no answer is available.
	SendMessage(ctx context.Context, text string, history []domain.HistoryEntry) (*provider.Answer, error)
}

// Pusher delivers text to every live connection of a conversation.
type Pusher interface {
	SendToConversation(id domain.ConversationID, text string)
}

// Reporter forwards internal failures and content escalations to the
// operational channel. May be nil.
type Reporter interface {
	ReportError(ctx context.Context, text string)
	ModerationRequest(ctx context.Context, subject, content string)
}

// Config tunes admission control and prompt assembly.
type Config struct {
	// MaxMessageLen is the admission limit in runes.
	MaxMessageLen int
	// HistoryLimit is the number of prior turns loaded as context.
	HistoryLimit int
	// HistoryTokenBudget trims loaded history to a token budget;
	// zero disables trimming.
	HistoryTokenBudget int
	// DailyTokenLimit caps billable tokens per conversation per day;
	// zero disables the gate.
	DailyTokenLimit int
	// GlobalDailyTokenLimit caps billable tokens across all
	// conversations per day; zero disables the gate.
	GlobalDailyTokenLimit int
}

// Orchestrator runs one supervised background unit of work per accepted
// message. Messages on the same conversation are intentionally not
// serialized: rapid double-sends may complete out of submission order.
type Orchestrator struct {
	cfg     Config
	store   storage.TurnStore
	gateway AnswerGateway
	pusher  Pusher
	report  Reporter
	logger  *slog.Logger

	counter historyCounter

	// mu orders Submit's dispatch against Close: no new unit of work
	// may start once the drain has begun.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator. reporter may be nil.
func New(cfg Config, store storage.TurnStore, gateway AnswerGateway, pusher Pusher, reporter Reporter, logger *slog.Logger) *Orchestrator {
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		pusher:  pusher,
		report:  reporter,
		logger:  logger,
	}
}

// Submit runs the synchronous admission checks and, if they pass,
// dispatches the provider round-trip to a background task. It returns
// false when the message was rejected and no background work started.
func (o *Orchestrator) Submit(ctx context.Context, id domain.ConversationID, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if utf8.RuneCountInString(text) > o.cfg.MaxMessageLen {
		o.reject(ctx, id, text, domain.IntentTooLong, fmt.Sprintf(msgTooLongFmt, o.cfg.MaxMessageLen))
		return false
	}
	if !o.admitBudget(ctx, id) {
		o.reject(ctx, id, text, domain.IntentBudgetExceeded, msgBudgetExceeded)
		return false
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("chat pipeline panic",
					slog.String("conversation", string(id)),
					slog.Any("panic", r))
				o.pusher.SendToConversation(id, msgServiceError)
			}
		}()
		o.process(id, text)
	}()
	return true
}

// Close stops accepting new messages and waits for outstanding
// background work to drain, bounded by ctx. Submissions arriving after
// Close are rejected silently.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain chat pipelines: %w", ctx.Err())
	}
}

// reject records an admission rejection as a turn with no provider
// round-trip and pushes the warning. A persistence error does not
// suppress the warning.
func (o *Orchestrator) reject(ctx context.Context, id domain.ConversationID, text string, intent domain.Intent, warning string) {
	turn := &domain.Turn{
		ConversationID: id,
		Message:        text,
		Answer:         warning,
		Intent:         intent,
		Active:         true,
	}
	if _, err := o.store.InsertTurn(ctx, turn); err != nil {
		o.logger.Error("persist rejected message",
			slog.String("conversation", string(id)),
			slog.String("error", err.Error()))
	}
	o.pusher.SendToConversation(id, warning)
}

// admitBudget enforces the configured daily token ceilings. The
// aggregates are computed from persisted turns at request time. A
// failing budget query admits the message and logs; budget gating must
// not take the chat down with it.
func (o *Orchestrator) admitBudget(ctx context.Context, id domain.ConversationID) bool {
	if o.cfg.DailyTokenLimit <= 0 && o.cfg.GlobalDailyTokenLimit <= 0 {
		return true
	}

	tokens, err := o.store.SumDailyTokens(ctx, id, time.Now().UTC())
	if err != nil {
		o.logger.Error("daily budget query failed",
			slog.String("conversation", string(id)),
			slog.String("error", err.Error()))
		return true
	}
	if o.cfg.DailyTokenLimit > 0 && tokens.Conversation >= o.cfg.DailyTokenLimit {
		return false
	}
	if o.cfg.GlobalDailyTokenLimit > 0 && tokens.Global >= o.cfg.GlobalDailyTokenLimit {
		return false
	}
	return true
}

// process is the background unit of work for one accepted message. It
// runs detached from the submitting connection: a disconnect does not
// abort an in-flight provider call.
func (o *Orchestrator) process(id domain.ConversationID, text string) {
	ctx := context.Background()

	history, err := o.store.History(ctx, id, o.cfg.HistoryLimit)
	if err != nil {
		o.fail(ctx, id, fmt.Errorf("load history: %w", err))
		return
	}
	history = o.counter.TrimHistory(history, o.cfg.HistoryTokenBudget)

	clean := Sanitize(text)

	answer, err := o.gateway.SendMessage(ctx, clean, history)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Provider-side slowness gets the timeout canned answer and
			// is persisted like any other classified turn.
			o.finish(ctx, id, text, Resolution{
				Intent: domain.IntentTimeout,
				Answer: CannedAnswer(domain.IntentTimeout),
			}, domain.TokenUsage{})
			return
		}
		o.fail(ctx, id, fmt.Errorf("provider call: %w", err))
		return
	}
	if answer == nil {
		// Gateway disabled: no answer available, nothing to persist.
		o.pusher.SendToConversation(id, msgUnavailable)
		return
	}

	res := ResolveIntent(answer.Text)
	if o.report != nil && (res.Intent == domain.IntentBlacklist || res.Intent == domain.IntentSpam) {
		// Provider flagged the content; hand the original text to the
		// operator channel for review.
		o.report.ModerationRequest(ctx, string(id), text)
	}
	o.finish(ctx, id, text, res, answer.Usage)
}

// finish persists the turn and pushes the final answer.
func (o *Orchestrator) finish(ctx context.Context, id domain.ConversationID, text string, res Resolution, usage domain.TokenUsage) {
	turn := &domain.Turn{
		ConversationID: id,
		Message:        text,
		Answer:         res.Answer,
		Intent:         res.Intent,
		Usage:          usage,
		Active:         true,
	}
	if _, err := o.store.InsertTurn(ctx, turn); err != nil {
		o.fail(ctx, id, fmt.Errorf("persist turn: %w", err))
		return
	}
	o.pusher.SendToConversation(id, res.Answer)
}

// fail logs the full error internally, forwards it to the operational
// channel and degrades to the generic service-error text for the user.
func (o *Orchestrator) fail(ctx context.Context, id domain.ConversationID, err error) {
	o.logger.Error("chat pipeline failed",
		slog.String("conversation", string(id)),
		slog.String("error", err.Error()))
	if o.report != nil {
		o.report.ReportError(ctx, err.Error())
	}
	o.pusher.SendToConversation(id, msgServiceError)
}
