package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"peercall-platform/internal/lifecycle"
	"peercall-platform/internal/media"
)

// Hub fans events out to every live connection of a user. Sends never
// block: a client whose buffer is full is dropped.
type Hub struct {
	log *slog.Logger
	seq atomic.Int64

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: map[string]map[*client]struct{}{}}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = map[*client]struct{}{}
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	c.closeSend()
}

// SendToUser delivers ev to all of userID's connections.
func (h *Hub) SendToUser(userID string, ev Event) {
	ev.Seq = h.seq.Add(1)
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("realtime: marshal event", "op", ev.Op, "err", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients[userID] {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("realtime: dropping slow client", "user_id", userID)
		h.remove(c)
	}
}

func (h *Hub) sendTo(c *client, ev Event) {
	ev.Seq = h.seq.Add(1)
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("realtime: marshal event", "op", ev.Op, "err", err)
		return
	}
	if !c.enqueue(data) {
		h.remove(c)
	}
}

// Online reports whether userID has at least one live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Notify implements lifecycle.Notifier.
func (h *Hub) Notify(userID, message string) {
	h.SendToUser(userID, Event{Op: OpStatus, Data: StatusData{Message: message}})
}

// HooksFor routes a user's call events to their connections.
func (h *Hub) HooksFor(userID string) lifecycle.Hooks {
	return lifecycle.Hooks{
		OnIncomingCall: func(in lifecycle.IncomingCall) {
			h.SendToUser(userID, Event{Op: OpIncomingCall, Data: in})
		},
		OnRemoteStream: func(callID string, t *media.RemoteTrack) {
			h.SendToUser(userID, Event{Op: OpRemoteStream, Data: RemoteStreamData{
				CallID:   callID,
				TrackID:  t.ID,
				StreamID: t.StreamID,
				Kind:     string(t.Kind),
			}})
		},
		OnConnected: func(callID string) {
			h.SendToUser(userID, Event{Op: OpConnected, Data: CallData{CallID: callID}})
		},
		OnCallEnded: func(s lifecycle.Summary) {
			h.SendToUser(userID, Event{Op: OpCallEnded, Data: CallEndedData{
				CallID:     s.CallID,
				PeerID:     s.PeerID,
				Role:       string(s.Role),
				Outcome:    string(s.Outcome),
				Connected:  s.Connected,
				DurationMS: s.Duration.Milliseconds(),
			}})
		},
		OnError: func(callID string, err error) {
			h.SendToUser(userID, Event{Op: OpCallError, Data: CallErrorData{CallID: callID, Error: err.Error()}})
		},
	}
}

// Shutdown closes every connection. Later connections are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	all := h.clients
	h.clients = map[string]map[*client]struct{}{}
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.closeSend()
		}
	}
}
