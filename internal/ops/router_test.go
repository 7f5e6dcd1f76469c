package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/mpetrov/sitechat/internal/broker"
)

type fakePublisher struct {
	published  map[string][]broker.Envelope
	publishErr error
	handlers   map[string]broker.Handler
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published: make(map[string][]broker.Envelope),
		handlers:  make(map[string]broker.Handler),
	}
}

func (p *fakePublisher) Publish(ctx context.Context, destination string, env broker.Envelope) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published[destination] = append(p.published[destination], env)
	return nil
}

func (p *fakePublisher) Subscribe(destination string, handler broker.Handler) {
	p.handlers[destination] = handler
}

func (p *fakePublisher) deliver(t *testing.T, destination, tag string, payload any) {
	t.Helper()
	h, ok := p.handlers[destination]
	if !ok {
		t.Fatalf("no handler registered for %q", destination)
	}
	env, err := broker.NewEnvelope(tag, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	h(context.Background(), env)
}

type fakeAdminStore struct {
	revoked     []string
	blocked     []string
	deactivated []string
	err         error
}

func (s *fakeAdminStore) RevokeSessions(ctx context.Context, user string) error {
	if s.err != nil {
		return s.err
	}
	s.revoked = append(s.revoked, user)
	return nil
}

func (s *fakeAdminStore) BlockUser(ctx context.Context, user string) error {
	if s.err != nil {
		return s.err
	}
	s.blocked = append(s.blocked, user)
	return nil
}

func (s *fakeAdminStore) DeactivateTurn(ctx context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.deactivated = append(s.deactivated, id)
	return nil
}

var testDests = Destinations{
	Notifications: "ops.notifications",
	Auth:          "ops.auth",
	Moderation:    "ops.moderation",
	Commands:      "ops.commands",
}

func newTestRouter(pub *fakePublisher, store *fakeAdminStore) *Router {
	r := New(pub, store, testDests, slog.Default())
	r.Start()
	return r
}

func TestOutboundEventsAreTagged(t *testing.T) {
	pub := newFakePublisher()
	r := newTestRouter(pub, &fakeAdminStore{})
	ctx := context.Background()

	r.ReportError(ctx, "db exploded")
	r.Notify(ctx, "deploy finished")
	r.AuthChallenge(ctx, "bob", map[string]string{"ip": "10.0.0.1"})
	r.ModerationRequest(ctx, "bob", "dubious message")

	checks := []struct {
		destination string
		tag         string
	}{
		{testDests.Notifications, TagLog},
		{testDests.Notifications, TagInfo},
		{testDests.Auth, TagAuth},
		{testDests.Moderation, TagModeration},
	}
	if got := len(pub.published[testDests.Notifications]); got != 2 {
		t.Fatalf("notifications destination got %d envelopes, want 2", got)
	}
	for _, c := range checks[2:] {
		envs := pub.published[c.destination]
		if len(envs) != 1 || envs[0].Type != c.tag {
			t.Errorf("destination %q = %+v, want one %q envelope", c.destination, envs, c.tag)
		}
	}
	if pub.published[testDests.Notifications][0].Type != TagLog {
		t.Errorf("first notification tag = %q, want %q", pub.published[testDests.Notifications][0].Type, TagLog)
	}

	var ev AuthChallengeEvent
	if err := json.Unmarshal(pub.published[testDests.Auth][0].Data, &ev); err != nil {
		t.Fatalf("unmarshal auth challenge: %v", err)
	}
	if ev.Subject != "bob" || ev.Client["ip"] != "10.0.0.1" {
		t.Errorf("auth challenge = %+v, want bob/10.0.0.1", ev)
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	pub := newFakePublisher()
	pub.publishErr = errors.New("broker down")
	r := newTestRouter(pub, &fakeAdminStore{})

	// Must not panic or propagate.
	r.ReportError(context.Background(), "something broke")
}

func TestAdminDecisionDispatch(t *testing.T) {
	tests := []struct {
		name            string
		result          string
		wantRevoked     int
		wantBlocked     int
		wantDeactivated int
	}{
		{"approve is ack only", "ok", 0, 0, 0},
		{"logout revokes sessions", "logout", 1, 0, 0},
		{"block blocks and retires the turn", "block", 0, 1, 1},
		{"unknown result dropped", "shrug", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newFakePublisher()
			store := &fakeAdminStore{}
			newTestRouter(pub, store)

			pub.deliver(t, testDests.Commands, TagAdminAuth, map[string]string{
				"id": "42", "user": "bob", "result": tt.result,
			})

			if len(store.revoked) != tt.wantRevoked {
				t.Errorf("revoked = %v, want %d entries", store.revoked, tt.wantRevoked)
			}
			if len(store.blocked) != tt.wantBlocked {
				t.Errorf("blocked = %v, want %d entries", store.blocked, tt.wantBlocked)
			}
			if len(store.deactivated) != tt.wantDeactivated {
				t.Errorf("deactivated = %v, want %d entries", store.deactivated, tt.wantDeactivated)
			}
		})
	}
}

func TestUnknownCommandTagDropped(t *testing.T) {
	pub := newFakePublisher()
	store := &fakeAdminStore{}
	newTestRouter(pub, store)

	pub.deliver(t, testDests.Commands, "mystery", map[string]string{"user": "bob"})

	if len(store.revoked) != 0 || len(store.blocked) != 0 {
		t.Error("unknown tag triggered a domain action")
	}
}

func TestStoreFailureDoesNotPanic(t *testing.T) {
	pub := newFakePublisher()
	store := &fakeAdminStore{err: errors.New("db gone")}
	newTestRouter(pub, store)

	pub.deliver(t, testDests.Commands, TagAdminAuth, map[string]string{
		"id": "42", "user": "bob", "result": "block",
	})
}
