package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpetrov/sitechat/internal/domain"
	"github.com/mpetrov/sitechat/internal/hub"
	"github.com/mpetrov/sitechat/internal/storage"
	"github.com/mpetrov/sitechat/internal/wire"
)

type fakeSessions struct {
	sessions map[string]*storage.Session
}

func (f *fakeSessions) AuthorizeSession(ctx context.Context, token string) (*storage.Session, error) {
	return f.sessions[token], nil
}

func (f *fakeSessions) RevokeSessions(ctx context.Context, user string) error { return nil }
func (f *fakeSessions) BlockUser(ctx context.Context, user string) error      { return nil }

type fakeSubmitter struct {
	mu       sync.Mutex
	received []string
	hub      *hub.Hub
	answer   string
}

func (f *fakeSubmitter) Submit(ctx context.Context, id domain.ConversationID, text string) bool {
	f.mu.Lock()
	f.received = append(f.received, text)
	f.mu.Unlock()
	if f.answer != "" {
		f.hub.SendToConversation(id, f.answer)
	}
	return true
}

func (f *fakeSubmitter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func newWSTestServer(t *testing.T, answer string) (*httptest.Server, *fakeSubmitter) {
	t.Helper()

	h := hub.New(slog.Default())
	sessions := &fakeSessions{sessions: map[string]*storage.Session{
		"good-token": {Token: "good-token", User: "bob", ConversationID: "conv-1"},
	}}
	sub := &fakeSubmitter{hub: h, answer: answer}
	handler := NewWSHandler(h, sessions, sub, nil, slog.Default())

	srv := New(0, handler, slog.Default())
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts, sub
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSMessageRoundTrip(t *testing.T) {
	ts, sub := newWSTestServer(t, "Hi there")
	conn := dialWS(t, ts, "good-token")

	payload, _ := json.Marshal(wire.Inbound{Type: wire.TypeMessage, Message: "Hello"})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out wire.Outbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read answer: %v", err)
	}
	if out.Type != wire.TypeAnswer || out.Text != "Hi there" {
		t.Errorf("answer = %+v, want {answer Hi there}", out)
	}
	if got := sub.texts(); len(got) != 1 || got[0] != "Hello" {
		t.Errorf("submitted = %v, want [Hello]", got)
	}
}

func TestWSIgnoresOtherMessageTypes(t *testing.T) {
	ts, sub := newWSTestServer(t, "")
	conn := dialWS(t, ts, "good-token")

	for _, raw := range []string{
		`{"type":"ping"}`,
		`{"type":"typing","message":"x"}`,
		`not json at all`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// A real message afterwards proves the loop survived the noise.
	payload, _ := json.Marshal(wire.Inbound{Type: wire.TypeMessage, Message: "still alive"})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := sub.texts(); len(got) > 0 {
			if len(got) != 1 || got[0] != "still alive" {
				t.Errorf("submitted = %v, want [still alive]", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message was never submitted")
}

func TestWSRejectsInvalidToken(t *testing.T) {
	ts, _ := newWSTestServer(t, "")
	conn := dialWS(t, ts, "bad-token")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want policy violation close", err)
	}
}
