// Package hub tracks live client connections keyed by conversation.
package hub

import (
	"log/slog"
	"sync"

	"github.com/mpetrov/sitechat/internal/domain"
)

// Conn is a single live duplex channel bound to one conversation. The
// hub owns registered connections for their lifetime.
type Conn interface {
	// SendText delivers one answer text to the client.
	SendText(text string) error
	// Close tears down the underlying transport.
	Close() error
}

// Hub maps conversations to their live connections. A conversation may
// be open in multiple tabs or devices at once; the entry is removed when
// its last connection goes away.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.ConversationID]map[Conn]struct{}

	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[domain.ConversationID]map[Conn]struct{}),
		logger: logger,
	}
}

// Register adds a connection under the conversation's set. The caller is
// responsible for the handshake before registration; Register itself
// never fails.
func (h *Hub) Register(id domain.ConversationID, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[id]
	if !ok {
		set = make(map[Conn]struct{})
		h.conns[id] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a connection from its set, dropping the
// conversation entry when the set becomes empty. Removing an absent
// connection is a no-op.
func (h *Hub) Unregister(id domain.ConversationID, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[id]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, id)
	}
}

// SendToConversation delivers text to every live connection of the
// conversation. A failed send means the remote end is gone: that
// connection is closed and unregistered, and delivery continues to the
// sibling connections. Sending to an unknown conversation is a no-op.
func (h *Hub) SendToConversation(id domain.ConversationID, text string) {
	for _, c := range h.snapshot(id) {
		if err := c.SendText(text); err != nil {
			h.logger.Debug("dropping dead connection",
				slog.String("conversation", string(id)),
				slog.String("error", err.Error()))
			c.Close()
			h.Unregister(id, c)
		}
	}
}

// Broadcast delivers text to every connection across all conversations.
// This path is diagnostic/administrative; delivery failures are
// swallowed.
func (h *Hub) Broadcast(text string) {
	h.mu.RLock()
	all := make([]Conn, 0, len(h.conns))
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		_ = c.SendText(text)
	}
}

// CloseAll closes every registered connection and empties the registry.
// Closing the transports ends their read loops, so no further messages
// arrive once CloseAll returns. Called during shutdown before the chat
// pipeline drains.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]Conn, 0, len(h.conns))
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conns = make(map[domain.ConversationID]map[Conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		if err := c.Close(); err != nil {
			h.logger.Debug("closing connection", slog.String("error", err.Error()))
		}
	}
}

// Conversations returns the number of conversations with at least one
// live connection.
func (h *Hub) Conversations() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections returns the number of live connections for a conversation.
func (h *Hub) Connections(id domain.ConversationID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[id])
}

// snapshot copies the conversation's connection set so a concurrent
// unregister never corrupts send iteration.
func (h *Hub) snapshot(id domain.ConversationID) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set, ok := h.conns[id]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
