package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/docstore"
	"peercall-platform/internal/matchmaking"
	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
	"peercall-platform/internal/signaling"

	"github.com/pion/webrtc/v4"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeNet plays the network for one user's peers. Applying the remote
// description "connects" the peer unless fail is set.
type fakeNet struct {
	mu    sync.Mutex
	fail  bool
	peers []*fakePeer
}

func (n *fakeNet) NewPeer(_ []*media.LocalTrack, h media.PeerHandlers) (media.Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := &fakePeer{h: h, fail: n.fail}
	n.peers = append(n.peers, p)
	return p, nil
}

func (n *fakeNet) peer(t *testing.T) *fakePeer {
	t.Helper()
	var p *fakePeer
	eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		if len(n.peers) == 0 {
			return false
		}
		p = n.peers[len(n.peers)-1]
		return true
	})
	return p
}

type fakePeer struct {
	h    media.PeerHandlers
	fail bool

	mu     sync.Mutex
	added  []string
	closed bool
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	go p.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:offerer"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) AcceptOffer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	go func() {
		p.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:answerer"})
		p.settle()
	}()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) AcceptAnswer(webrtc.SessionDescription) error {
	go p.settle()
	return nil
}

func (p *fakePeer) settle() {
	if p.fail {
		p.h.OnConnectionState(media.ConnFailed)
		return
	}
	p.h.OnTrack(&media.RemoteTrack{ID: "remote-video", Kind: media.KindVideo})
	p.h.OnConnectionState(media.ConnConnected)
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) addedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.added...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recorder captures hook calls and notifications for one user.
type recorder struct {
	incoming  chan IncomingCall
	ended     chan Summary
	connected chan string
	errs      chan error
	remote    chan *media.RemoteTrack

	mu    sync.Mutex
	notes []string
}

func newRecorder() *recorder {
	return &recorder{
		incoming:  make(chan IncomingCall, 8),
		ended:     make(chan Summary, 8),
		connected: make(chan string, 8),
		errs:      make(chan error, 8),
		remote:    make(chan *media.RemoteTrack, 8),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnIncomingCall: func(in IncomingCall) { offer(r.incoming, in) },
		OnRemoteStream: func(_ string, t *media.RemoteTrack) { offer(r.remote, t) },
		OnCallEnded:    func(s Summary) { offer(r.ended, s) },
		OnError:        func(_ string, err error) { offer(r.errs, err) },
		OnConnected:    func(id string) { offer(r.connected, id) },
	}
}

// offer never blocks the session goroutine.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (r *recorder) Notify(_ string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, msg)
}

func (r *recorder) notified(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n == msg {
			return true
		}
	}
	return false
}

type harness struct {
	store    *docstore.MemoryStore
	presence *presence.Registry
	requests *calls.Requests
	relay    *signaling.Relay
	mm       *matchmaking.Matchmaker
	events   *audit.MemoryRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := docstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	p := presence.NewRegistry(store, quiet)
	r := calls.NewRequests(store, quiet)
	return &harness{
		store:    store,
		presence: p,
		requests: r,
		relay:    signaling.NewRelay(store, quiet),
		mm:       matchmaking.NewMatchmaker(p, r, matchmaking.Options{}, rand.New(rand.NewSource(1)), quiet),
		events:   audit.NewMemoryRepo(),
	}
}

type user struct {
	agent *Agent
	rec   *recorder
	net   *fakeNet

	mu    sync.Mutex
	ctrls []*media.Controller
}

func (u *user) controller(t *testing.T) *media.Controller {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.ctrls) == 0 {
		t.Fatalf("no media controller created")
	}
	return u.ctrls[len(u.ctrls)-1]
}

var defaultTimeouts = Timeouts{Ring: 5 * time.Second, Answer: 5 * time.Second, Negotiate: 5 * time.Second}

func (h *harness) user(t *testing.T, id string, device media.Device, tm Timeouts) *user {
	t.Helper()
	u := &user{rec: newRecorder(), net: &fakeNet{}}
	deps := Deps{
		Presence:   h.presence,
		Requests:   h.requests,
		Relay:      h.relay,
		Matchmaker: h.mm,
		NewMedia: func() *media.Controller {
			c := media.NewController(device, u.net, quiet)
			u.mu.Lock()
			u.ctrls = append(u.ctrls, c)
			u.mu.Unlock()
			return c
		},
		Audit:    audit.NewService(h.events, quiet),
		Notifier: u.rec,
		Log:      quiet,
	}
	u.agent = NewAgent(id, "name-"+id, deps, tm, u.rec.hooks())
	if err := u.agent.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { _ = u.agent.Stop(context.Background()) })
	return u
}

func (h *harness) status(t *testing.T, id string) presence.Status {
	t.Helper()
	rec, err := h.presence.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("presence %s: %v", id, err)
	}
	return rec.Status
}

func (h *harness) requestGone(callID string) bool {
	_, err := h.store.Get(context.Background(), calls.RequestsCollection, callID)
	return err != nil
}

func (h *harness) sessionGone(callID string) bool {
	_, err := h.store.Get(context.Background(), signaling.SessionsCollection, callID)
	return err != nil
}

func (h *harness) hasEvent(callID string, typ audit.EventType) bool {
	for _, e := range h.events.Events() {
		if e.CallID == callID && e.Type == typ {
			return true
		}
	}
	return false
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	var zero T
	return zero
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
