package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peercall-platform/internal/auth"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/lifecycle"
	"peercall-platform/internal/media"
	"peercall-platform/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type tracker struct {
	mu     sync.Mutex
	opened []string
	closed []string
	fail   error
}

func (t *tracker) Open(_ context.Context, id auth.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.opened = append(t.opened, id.UserID)
	return nil
}

func (t *tracker) Close(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, userID)
	return nil
}

func (t *tracker) closedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.closed)
}

func newServer(t *testing.T, hub *Hub, tr SessionTracker) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHandler(hub, tr, nil, quiet)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		uid := c.Query("uid")
		if uid != "" {
			ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: uid, DisplayName: "Guest", Role: "user"})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, h.Serve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + uid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func waitOnline(t *testing.T, hub *Hub, uid string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !hub.Online(uid) {
		if time.Now().After(deadline) {
			t.Fatalf("user %s never came online", uid)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_ReadyThenStatus(t *testing.T) {
	hub := NewHub(quiet)
	tr := &tracker{}
	srv := newServer(t, hub, tr)

	conn := dial(t, srv, "u1")
	ev := readEvent(t, conn)
	if ev["op"] != OpReady {
		t.Fatalf("expected ready, got %v", ev)
	}
	waitOnline(t, hub, "u1")

	hub.Notify("u1", "Call connected!")
	hub.Notify("u2", "not for u1")
	ev = readEvent(t, conn)
	d, _ := ev["d"].(map[string]any)
	if ev["op"] != OpStatus || d["message"] != "Call connected!" {
		t.Fatalf("unexpected event %v", ev)
	}
}

func TestHandler_HeartbeatAck(t *testing.T) {
	hub := NewHub(quiet)
	srv := newServer(t, hub, &tracker{})
	conn := dial(t, srv, "u1")
	readEvent(t, conn)

	if err := conn.WriteJSON(Event{Op: OpHeartbeat}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev["op"] != OpHeartbeatAck {
		t.Fatalf("expected heartbeat_ack, got %v", ev)
	}
}

func TestHandler_CloseSignsOut(t *testing.T) {
	hub := NewHub(quiet)
	tr := &tracker{}
	srv := newServer(t, hub, tr)
	conn := dial(t, srv, "u1")
	readEvent(t, conn)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tr.closedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected sign out after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Online("u1") {
		t.Fatalf("expected u1 offline")
	}
}

func TestHandler_RefusesWithoutIdentityOrSignIn(t *testing.T) {
	hub := NewHub(quiet)
	srv := newServer(t, hub, &tracker{fail: errors.New("store down")})

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/ws?uid=u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHooksFor_MapsCallEvents(t *testing.T) {
	hub := NewHub(quiet)
	srv := newServer(t, hub, &tracker{})
	conn := dial(t, srv, "u1")
	readEvent(t, conn)
	waitOnline(t, hub, "u1")

	hooks := hub.HooksFor("u1")
	hooks.OnIncomingCall(lifecycle.IncomingCall{CallID: "c1", CallerID: "u2"})
	hooks.OnRemoteStream("c1", &media.RemoteTrack{ID: "t1", StreamID: "s1", Kind: media.KindVideo})
	hooks.OnConnected("c1")
	hooks.OnCallEnded(lifecycle.Summary{CallID: "c1", PeerID: "u2", Role: signaling.RoleResponder, Outcome: calls.OutcomeCompleted, Connected: true, Duration: 1500 * time.Millisecond})
	hooks.OnError("c1", errors.New("boom"))

	want := []string{OpIncomingCall, OpRemoteStream, OpConnected, OpCallEnded, OpCallError}
	var last float64
	for _, op := range want {
		ev := readEvent(t, conn)
		if ev["op"] != op {
			t.Fatalf("expected %s, got %v", op, ev)
		}
		seq, _ := ev["seq"].(float64)
		if seq <= last {
			t.Fatalf("expected increasing seq, got %v after %v", seq, last)
		}
		last = seq
		if op == OpCallEnded {
			d := ev["d"].(map[string]any)
			if d["duration_ms"] != float64(1500) || d["outcome"] != "completed" {
				t.Fatalf("unexpected call_ended payload %v", d)
			}
		}
	}
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	hub := NewHub(quiet)
	srv := newServer(t, hub, &tracker{})
	conn := dial(t, srv, "u1")
	readEvent(t, conn)
	waitOnline(t, hub, "u1")

	hub.Shutdown()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close")
	}
	if hub.Online("u1") {
		t.Fatalf("expected no clients after shutdown")
	}
}
