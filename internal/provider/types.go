// Package provider manages the session with the external answer service:
// credential exchange, expiry tracking, retry on authorization failure
// and the hard stop on billing failure.
package provider

import (
	"encoding/json"

	"github.com/mpetrov/sitechat/internal/domain"
)

// TokenResponse is the auth endpoint's reply: a short-lived bearer
// credential and its expiry as a unix timestamp in milliseconds.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// ChatMessage is one turn in the completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the completion endpoint's request body.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse is the completion endpoint's reply.
type ChatResponse struct {
	Choices []Choice          `json:"choices"`
	Usage   domain.TokenUsage `json:"usage"`
}

// Choice is one completion alternative; only the first is used.
type Choice struct {
	Message ChatMessage `json:"message"`
}

// Answer is the gateway's result: the answer text plus the provider's
// token counters verbatim.
type Answer struct {
	Text  string
	Usage domain.TokenUsage
}

// ErrorResponse is the provider's error body.
type ErrorResponse struct {
	Message string `json:"message"`
}

// parseErrorMessage extracts the provider's error message, falling back
// to the raw body when it is not the documented JSON shape.
func parseErrorMessage(body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return er.Message
	}
	return string(body)
}
