package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mpetrov/sitechat/internal/domain"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is the HTTP client for the answer provider's auth and
// completion endpoints.
type Client struct {
	authURL    string
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a provider API client.
func NewClient(authURL, apiURL string, opts ...ClientOption) *Client {
	c := &Client{
		authURL:    strings.TrimSuffix(authURL, "/"),
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate exchanges the static long-lived credentials for a bearer
// token and its expiry instant.
func (c *Client) Authenticate(ctx context.Context, credentials, scope string) (*TokenResponse, error) {
	form := url.Values{"scope": {scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("RqUID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}
	return &token, nil
}

// CreateCompletion sends a completion request with the given bearer.
func (c *Client) CreateCompletion(ctx context.Context, bearer string, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}

	var result ChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal completion response: %w", err)
	}
	return &result, nil
}

// statusError maps a non-200 provider response to a typed domain error:
// 402 latches the gateway, 401/403 are authentication errors, anything
// else is a request error.
func statusError(status int, body []byte) error {
	msg := parseErrorMessage(body)
	switch status {
	case http.StatusPaymentRequired:
		return domain.ErrPaymentRequired(msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuthentication(status, msg)
	default:
		return domain.ErrRequest(status, msg)
	}
}
