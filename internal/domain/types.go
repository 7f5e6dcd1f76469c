// Package domain provides the core types shared across the chat backbone.
package domain

import "time"

// ConversationID identifies one ongoing exchange between a user and the
// answering pipeline. It is issued at connection-authorization time and
// never changes for the conversation's lifetime.
type ConversationID string

// Intent classifies a conversation turn. A turn is either on-topic (the
// provider's answer is used verbatim) or one of a fixed set of canned
// categories resolved from the provider's output.
type Intent string

const (
	IntentOnTopic   Intent = "on_topic"
	IntentGreeting  Intent = "greeting"
	IntentOffTopic  Intent = "offtopic"
	IntentFeedback  Intent = "feedback"
	IntentProject   Intent = "project"
	IntentTimeout   Intent = "timeout"
	IntentBlacklist Intent = "blacklist"
	IntentSpam      Intent = "spam"

	// Admission rejections are recorded without a provider round-trip.
	IntentTooLong        Intent = "too_long"
	IntentBudgetExceeded Intent = "budget_exceeded"
)

// TokenUsage carries the provider-reported token counters for one turn.
// Counters are stored verbatim for downstream budget accounting.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Cached     int `json:"precached_prompt_tokens"`
	Total      int `json:"total_tokens"`
}

// Billable returns the portion of the usage that counts against the
// daily budget: total plus cached tokens.
func (u TokenUsage) Billable() int {
	return u.Total + u.Cached
}

// Turn is one persisted user utterance and its answer. Immutable after
// creation except for the Active soft-delete flag.
type Turn struct {
	ID             string
	ConversationID ConversationID
	Message        string
	Answer         string
	Intent         Intent
	Usage          TokenUsage
	Active         bool
	CreatedAt      time.Time
}

// HistoryEntry is one prior turn supplied to the provider as prompt
// context. Only answered, active turns qualify.
type HistoryEntry struct {
	Message   string    `db:"message"`
	Answer    string    `db:"answer"`
	CreatedAt time.Time `db:"created_at"`
}

// DailyTokens is the derived daily budget aggregate, computed at request
// time from persisted turns. No separate counter table is authoritative.
type DailyTokens struct {
	Conversation int
	Global       int
}

// AdminDecision is a parsed operator reply from the command channel.
// It is acted on once and discarded.
type AdminDecision struct {
	ID     string `json:"id"`
	User   string `json:"user"`
	Result string `json:"result"`
}

// Decision results understood by the operational event router.
const (
	DecisionOK     = "ok"
	DecisionLogout = "logout"
	DecisionBlock  = "block"
)
