package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpetrov/sitechat/internal/domain"
)

// fakeProvider simulates the auth and completion endpoints.
type fakeProvider struct {
	mu sync.Mutex

	authCalls       atomic.Int64
	completionCalls atomic.Int64

	authStatus        int
	completionStatus  func(call int64) int
	answer            string
	usage             domain.TokenUsage
	lastBearer        string
	lastRequestBodies []ChatRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		authStatus:       http.StatusOK,
		completionStatus: func(int64) int { return http.StatusOK },
		answer:           "Hi there",
		usage:            domain.TokenUsage{Prompt: 5, Completion: 3, Total: 8},
	}
}

func (f *fakeProvider) serve(t *testing.T) (*httptest.Server, *Gateway) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		if r.Header.Get("Authorization") == "" {
			t.Error("auth request missing Authorization header")
		}
		if f.authStatus != http.StatusOK {
			w.WriteHeader(f.authStatus)
			json.NewEncoder(w).Encode(ErrorResponse{Message: "no funds"})
			return
		}
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: fmt.Sprintf("bearer-%d", f.authCalls.Load()),
			ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		call := f.completionCalls.Add(1)
		f.mu.Lock()
		f.lastBearer = r.Header.Get("Authorization")
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.lastRequestBodies = append(f.lastRequestBodies, req)
		f.mu.Unlock()

		status := f.completionStatus(call)
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(ErrorResponse{Message: "upstream says no"})
			return
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: ChatMessage{Role: RoleAssistant, Content: f.answer}}},
			Usage:   f.usage,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gw := NewGateway(Config{
		AuthURL:     srv.URL + "/oauth",
		APIURL:      srv.URL + "/api",
		Credentials: "c2VjcmV0",
		Scope:       "CHAT_API",
		Model:       "answers-lite",
		Timeout:     5 * time.Second,
	}, slog.Default())
	return srv, gw
}

func TestSendMessageAuthenticatesOnceWhenExpired(t *testing.T) {
	f := newFakeProvider()
	_, gw := f.serve(t)

	ans, err := gw.SendMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ans == nil || ans.Text != "Hi there" {
		t.Fatalf("answer = %+v, want Hi there", ans)
	}
	if got := f.authCalls.Load(); got != 1 {
		t.Errorf("auth calls = %d, want 1", got)
	}
	if got := f.completionCalls.Load(); got != 1 {
		t.Errorf("completion calls = %d, want 1", got)
	}
	if ans.Usage != (domain.TokenUsage{Prompt: 5, Completion: 3, Total: 8}) {
		t.Errorf("usage = %+v not carried verbatim", ans.Usage)
	}

	// Second message within the expiry window must not re-authenticate.
	if _, err := gw.SendMessage(context.Background(), "Again", nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := f.authCalls.Load(); got != 1 {
		t.Errorf("auth calls after second message = %d, want 1", got)
	}
}

func TestSendMessageReauthenticatesOnMidflight401(t *testing.T) {
	f := newFakeProvider()
	f.completionStatus = func(call int64) int {
		if call == 1 {
			return http.StatusUnauthorized
		}
		return http.StatusOK
	}
	_, gw := f.serve(t)

	ans, err := gw.SendMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ans.Text != "Hi there" {
		t.Errorf("answer = %q, want Hi there", ans.Text)
	}
	// Initial auth plus exactly one re-auth cycle.
	if got := f.authCalls.Load(); got != 2 {
		t.Errorf("auth calls = %d, want 2", got)
	}
	f.mu.Lock()
	bearer := f.lastBearer
	f.mu.Unlock()
	if bearer != "Bearer bearer-2" {
		t.Errorf("retry used bearer %q, want refreshed bearer-2", bearer)
	}
}

func TestPaymentRequiredLatches(t *testing.T) {
	f := newFakeProvider()
	f.completionStatus = func(int64) int { return http.StatusPaymentRequired }
	_, gw := f.serve(t)

	_, err := gw.SendMessage(context.Background(), "Hello", nil)
	if !domain.IsType(err, domain.ErrorTypePaymentRequired) {
		t.Fatalf("error = %v, want payment_required", err)
	}

	// Latched: no further provider traffic without reconfiguration.
	before := f.completionCalls.Load()
	_, err = gw.SendMessage(context.Background(), "Hello again", nil)
	if !domain.IsType(err, domain.ErrorTypePaymentRequired) {
		t.Fatalf("error after latch = %v, want payment_required", err)
	}
	if got := f.completionCalls.Load(); got != before {
		t.Errorf("completion calls after latch = %d, want %d", got, before)
	}

	// Reconfiguration clears the latch.
	f.completionStatus = func(int64) int { return http.StatusOK }
	gw.Configure(Config{
		AuthURL:     gw.client.authURL,
		APIURL:      gw.client.apiURL,
		Credentials: "c2VjcmV0",
		Scope:       "CHAT_API",
		Model:       "answers-lite",
	})
	if _, err := gw.SendMessage(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("SendMessage() after reconfigure error = %v", err)
	}
}

func TestPaymentRequiredDuringAuthLatches(t *testing.T) {
	f := newFakeProvider()
	f.authStatus = http.StatusPaymentRequired
	_, gw := f.serve(t)

	_, err := gw.SendMessage(context.Background(), "Hello", nil)
	if !domain.IsType(err, domain.ErrorTypePaymentRequired) {
		t.Fatalf("error = %v, want payment_required", err)
	}

	before := f.authCalls.Load()
	gw.SendMessage(context.Background(), "Hello", nil)
	if got := f.authCalls.Load(); got != before {
		t.Errorf("auth calls after latch = %d, want %d (sticky, no hammering)", got, before)
	}
}

func TestSendMessageExhaustsAttempts(t *testing.T) {
	f := newFakeProvider()
	f.completionStatus = func(int64) int { return http.StatusInternalServerError }
	_, gw := f.serve(t)

	_, err := gw.SendMessage(context.Background(), "Hello", nil)
	if !domain.IsType(err, domain.ErrorTypeRequest) {
		t.Fatalf("error = %v, want request error", err)
	}
	if got := f.completionCalls.Load(); got != completionAttempts {
		t.Errorf("completion calls = %d, want %d", got, completionAttempts)
	}
	if want := fmt.Sprintf("after %d attempts", completionAttempts); !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not name the attempt count", err)
	}
}

func TestSendMessageConcurrentWithReconfigure(t *testing.T) {
	f := newFakeProvider()
	srv, gw := f.serve(t)

	cfg := Config{
		AuthURL:     srv.URL + "/oauth",
		APIURL:      srv.URL + "/api",
		Credentials: "c2VjcmV0",
		Scope:       "CHAT_API",
		Model:       "answers-lite",
		Timeout:     5 * time.Second,
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				gw.SendMessage(context.Background(), "Hello", nil)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 25; j++ {
			gw.Configure(cfg)
		}
	}()
	wg.Wait()

	// The gateway must still answer normally after the churn.
	ans, err := gw.SendMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() after concurrent reconfigure error = %v", err)
	}
	if ans == nil || ans.Text != "Hi there" {
		t.Fatalf("answer = %+v, want Hi there", ans)
	}
}

func TestDisabledGatewayReturnsNoAnswer(t *testing.T) {
	gw := NewGateway(Config{}, slog.Default())

	ans, err := gw.SendMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v, want nil", err)
	}
	if ans != nil {
		t.Errorf("answer = %+v, want nil (no answer available)", ans)
	}
}

func TestBuildRequestIncludesSystemPromptAndHistory(t *testing.T) {
	f := newFakeProvider()
	_, gw := f.serve(t)
	gw.mu.Lock()
	gw.cfg.SystemPrompt = "You answer questions about the site."
	gw.mu.Unlock()

	history := []domain.HistoryEntry{
		{Message: "first question", Answer: "first answer"},
	}
	if _, err := gw.SendMessage(context.Background(), "second question", history); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lastRequestBodies) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(f.lastRequestBodies))
	}
	got := f.lastRequestBodies[0].Messages
	want := []ChatMessage{
		{Role: RoleSystem, Content: "You answer questions about the site."},
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "first answer"},
		{Role: RoleUser, Content: "second question"},
	}
	if len(got) != len(want) {
		t.Fatalf("messages = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
