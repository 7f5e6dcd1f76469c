package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpetrov/sitechat/internal/domain"
	"github.com/mpetrov/sitechat/internal/hub"
	"github.com/mpetrov/sitechat/internal/storage"
	"github.com/mpetrov/sitechat/internal/wire"
)

const writeTimeout = 10 * time.Second

// Submitter accepts one user message for background processing.
type Submitter interface {
	Submit(ctx context.Context, id domain.ConversationID, text string) bool
}

// AuthNotifier reports failed connection authorizations to the
// operator channel. May be nil.
type AuthNotifier interface {
	AuthChallenge(ctx context.Context, subject string, client map[string]string)
}

// WSHandler upgrades client connections, authorizes their session
// reference and bridges them into the connection registry.
type WSHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	sessions storage.SessionStore
	chat     Submitter
	notify   AuthNotifier
	logger   *slog.Logger
}

// NewWSHandler creates the live connection endpoint. notifier may be
// nil.
func NewWSHandler(h *hub.Hub, sessions storage.SessionStore, chat Submitter, notifier AuthNotifier, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hub:      h,
		sessions: sessions,
		chat:     chat,
		notify:   notifier,
		logger:   logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	token := r.URL.Query().Get("token")
	sess, err := h.sessions.AuthorizeSession(r.Context(), token)
	if err != nil {
		h.logger.Error("session authorization failed", slog.String("error", err.Error()))
		h.closePolicy(conn, "authorization unavailable")
		return
	}
	if sess == nil {
		if h.notify != nil {
			h.notify.AuthChallenge(r.Context(), token, map[string]string{
				"remote_addr": r.RemoteAddr,
				"user_agent":  r.UserAgent(),
			})
		}
		h.closePolicy(conn, "invalid session")
		return
	}

	AddLogField(r.Context(), "conversation", string(sess.ConversationID))

	wc := &wsConn{conn: conn}
	h.hub.Register(sess.ConversationID, wc)
	defer h.hub.Unregister(sess.ConversationID, wc)

	h.readLoop(r.Context(), conn, sess.ConversationID)
}

// readLoop consumes inbound wire messages until the client goes away.
// Disconnecting does not cancel pipelines already dispatched; a pending
// answer is still pushed if the conversation keeps another connection.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, id domain.ConversationID) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly",
					slog.String("conversation", string(id)),
					slog.String("error", err.Error()))
			}
			return
		}

		var in wire.Inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			continue
		}
		// Any type other than "message" is ignored without error.
		if in.Type != wire.TypeMessage {
			continue
		}
		h.chat.Submit(ctx, id, in.Message)
	}
}

func (h *WSHandler) closePolicy(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
}

// wsConn adapts a gorilla connection to hub.Conn. Writes are serialized;
// gorilla permits only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(wire.Answer(text))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
