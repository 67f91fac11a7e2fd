package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"peercall-platform/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SessionTracker signs a user in on their first connection and out after
// their last. *auth.Sessions implements it.
type SessionTracker interface {
	Open(ctx context.Context, id auth.Identity) error
	Close(ctx context.Context, userID string) error
}

type ReadyData struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

const signOutTimeout = 15 * time.Second

type Handler struct {
	hub      *Hub
	sessions SessionTracker
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler builds the socket endpoint. checkOrigin may be nil to accept
// any origin.
func NewHandler(hub *Hub, sessions SessionTracker, checkOrigin func(*http.Request) bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Serve must run behind auth.RequireAccessToken. It blocks until the
// connection closes.
func (h *Handler) Serve(c *gin.Context) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.sessions.Open(c.Request.Context(), id); err != nil {
		h.log.Error("realtime: sign in", "user_id", id.UserID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "could not go online"})
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), signOutTimeout)
		defer cancel()
		if err := h.sessions.Close(ctx, id.UserID); err != nil {
			h.log.Warn("realtime: sign out", "user_id", id.UserID, "err", err)
		}
	}()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Info("realtime: upgrade failed", "user_id", id.UserID, "err", err)
		return
	}

	cl := newClient(h.hub, conn, id.UserID, h.log)
	if !h.hub.add(cl) {
		_ = conn.Close()
		return
	}
	defer h.hub.remove(cl)

	go cl.writePump()
	h.hub.sendTo(cl, Event{Op: OpReady, Data: ReadyData{UserID: id.UserID, DisplayName: id.DisplayName, Role: id.Role}})
	cl.readPump()
}
