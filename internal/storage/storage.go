// Package storage defines the persistence collaborator interfaces
// consumed by the chat backbone.
package storage

import (
	"context"
	"time"

	"github.com/mpetrov/sitechat/internal/domain"
)

// TurnStore persists conversation turns and answers history/budget
// queries from them.
type TurnStore interface {
	// History returns up to limit prior turns for the conversation,
	// oldest first. Only turns with a non-empty answer and the active
	// flag set qualify as prompt context.
	History(ctx context.Context, id domain.ConversationID, limit int) ([]domain.HistoryEntry, error)

	// InsertTurn stores one turn and returns its generated id.
	InsertTurn(ctx context.Context, turn *domain.Turn) (string, error)

	// DeactivateTurn clears the turn's active flag (soft delete).
	DeactivateTurn(ctx context.Context, id string) error

	// SumDailyTokens computes the billable token sums (total + cached)
	// for the conversation and across all conversations on the given
	// calendar day. The aggregate is derived from turn rows at request
	// time; no counter table is kept.
	SumDailyTokens(ctx context.Context, id domain.ConversationID, day time.Time) (domain.DailyTokens, error)
}

// Session is an issued opaque session reference bound to a user and a
// conversation.
type Session struct {
	Token          string
	User           string
	ConversationID domain.ConversationID
}

// SessionStore authorizes live connections and supports the admin
// actions dispatched from the operator channel.
type SessionStore interface {
	// AuthorizeSession resolves an opaque session reference. It returns
	// (nil, nil) when the reference is unknown or the user is blocked.
	AuthorizeSession(ctx context.Context, token string) (*Session, error)

	// RevokeSessions invalidates all standing session references for
	// the user.
	RevokeSessions(ctx context.Context, user string) error

	// BlockUser revokes the user's sessions and marks the account
	// inactive.
	BlockUser(ctx context.Context, user string) error
}

// Store is the full persistence collaborator surface.
type Store interface {
	TurnStore
	SessionStore
}
