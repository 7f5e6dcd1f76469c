// Package ops fans system events out to the operator notification
// channel and dispatches inbound operator decisions to domain actions.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mpetrov/sitechat/internal/broker"
	"github.com/mpetrov/sitechat/internal/domain"
)

// Envelope tags agreed with the operator channel.
const (
	TagLog        = "log"
	TagInfo       = "info"
	TagAuth       = "auth_notification"
	TagModeration = "moderation"
	TagAdminAuth  = "admin_auth_response"
)

// Destinations are the logical broker destinations used by the router.
type Destinations struct {
	Notifications string
	Auth          string
	Moderation    string
	Commands      string
}

// Publisher is the broker surface the router depends on.
type Publisher interface {
	Publish(ctx context.Context, destination string, env broker.Envelope) error
	Subscribe(destination string, handler broker.Handler)
}

// AdminStore executes operator decisions against the persistence layer.
type AdminStore interface {
	RevokeSessions(ctx context.Context, user string) error
	BlockUser(ctx context.Context, user string) error
	DeactivateTurn(ctx context.Context, id string) error
}

// TextEvent is the payload for log and info envelopes.
type TextEvent struct {
	Text string `json:"text"`
}

// AuthChallengeEvent notifies operators of a pending authentication
// challenge for a subject.
type AuthChallengeEvent struct {
	Subject string            `json:"subject"`
	Client  map[string]string `json:"client,omitempty"`
}

// ModerationEvent asks operators to review content from a subject.
type ModerationEvent struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// Router publishes operational events best-effort and consumes the
// operator command destination. Publication failures are logged and
// swallowed; operational notification must never fail primary request
// handling.
type Router struct {
	pub    Publisher
	store  AdminStore
	dests  Destinations
	logger *slog.Logger
}

// New creates a router over the given broker client and admin store.
func New(pub Publisher, store AdminStore, dests Destinations, logger *slog.Logger) *Router {
	return &Router{pub: pub, store: store, dests: dests, logger: logger}
}

// Start registers the command-destination subscription. On a disabled
// broker this is a no-op.
func (r *Router) Start() {
	r.pub.Subscribe(r.dests.Commands, r.handleCommand)
}

// ReportError forwards an internal error to the notification channel.
func (r *Router) ReportError(ctx context.Context, text string) {
	r.publish(ctx, r.dests.Notifications, TagLog, TextEvent{Text: text})
}

// Notify sends a free-text operational message.
func (r *Router) Notify(ctx context.Context, text string) {
	r.publish(ctx, r.dests.Notifications, TagInfo, TextEvent{Text: text})
}

// AuthChallenge notifies operators of an authentication challenge.
func (r *Router) AuthChallenge(ctx context.Context, subject string, client map[string]string) {
	r.publish(ctx, r.dests.Auth, TagAuth, AuthChallengeEvent{Subject: subject, Client: client})
}

// ModerationRequest asks operators to review content.
func (r *Router) ModerationRequest(ctx context.Context, subject, content string) {
	r.publish(ctx, r.dests.Moderation, TagModeration, ModerationEvent{Subject: subject, Content: content})
}

func (r *Router) publish(ctx context.Context, destination, tag string, payload any) {
	env, err := broker.NewEnvelope(tag, payload)
	if err != nil {
		r.logger.Error("build operational envelope",
			slog.String("tag", tag), slog.String("error", err.Error()))
		return
	}
	if err := r.pub.Publish(ctx, destination, env); err != nil {
		r.logger.Error("operational publish failed",
			slog.String("destination", destination),
			slog.String("tag", tag),
			slog.String("error", err.Error()))
	}
}

// handleCommand dispatches one inbound operator envelope. Unknown tags
// are logged and dropped, never raised. Delivery is at-least-once, so
// every action here is idempotent.
func (r *Router) handleCommand(ctx context.Context, env broker.Envelope) {
	if env.Type != TagAdminAuth {
		r.logger.Warn("dropping unknown command envelope", slog.String("tag", env.Type))
		return
	}

	var decision domain.AdminDecision
	if err := json.Unmarshal(env.Data, &decision); err != nil {
		r.logger.Warn("dropping malformed admin decision", slog.String("error", err.Error()))
		return
	}

	switch decision.Result {
	case domain.DecisionOK:
		r.logger.Info("operator approved",
			slog.String("id", decision.ID), slog.String("user", decision.User))

	case domain.DecisionLogout:
		if err := r.store.RevokeSessions(ctx, decision.User); err != nil {
			r.logger.Error("revoke sessions failed",
				slog.String("user", decision.User), slog.String("error", err.Error()))
			return
		}
		r.logger.Info("sessions revoked", slog.String("user", decision.User))

	case domain.DecisionBlock:
		if err := r.store.BlockUser(ctx, decision.User); err != nil {
			r.logger.Error("block user failed",
				slog.String("user", decision.User), slog.String("error", err.Error()))
			return
		}
		// Retire the flagged turn so it no longer feeds history context.
		if decision.ID != "" {
			if err := r.store.DeactivateTurn(ctx, decision.ID); err != nil {
				r.logger.Error("deactivate turn failed",
					slog.String("id", decision.ID), slog.String("error", err.Error()))
			}
		}
		r.logger.Info("user blocked", slog.String("user", decision.User))

	default:
		r.logger.Warn("dropping admin decision with unknown result",
			slog.String("result", decision.Result))
	}
}
