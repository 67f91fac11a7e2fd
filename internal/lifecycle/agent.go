package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/docstore"
	"peercall-platform/internal/matchmaking"
	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
	"peercall-platform/internal/signaling"
)

// Deps are the collaborators an agent works through.
type Deps struct {
	Presence   *presence.Registry
	Requests   *calls.Requests
	Relay      *signaling.Relay
	Matchmaker *matchmaking.Matchmaker
	// NewMedia returns a fresh controller for every call attempt.
	NewMedia func() *media.Controller
	// Audit and Notifier are optional.
	Audit    *audit.Service
	Notifier Notifier
	Log      *slog.Logger
}

type Timeouts struct {
	// Ring bounds how long an initiator waits for an answer.
	Ring time.Duration
	// Answer bounds how long a call rings before it counts as missed.
	Answer time.Duration
	// Negotiate bounds the offer/answer exchange and connectivity checks.
	Negotiate time.Duration
	// Heartbeat is the presence refresh interval.
	Heartbeat time.Duration
}

// Agent acts for one signed-in user: it keeps their presence fresh,
// listens for calls addressed to them and owns at most one Session.
type Agent struct {
	userID      string
	displayName string
	d           Deps
	sd          *deps
	t           Timeouts
	hooks       Hooks
	log         *slog.Logger

	mu       sync.Mutex
	running  bool
	starting bool
	current  *Session
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewAgent(userID, displayName string, d Deps, t Timeouts, hooks Hooks) *Agent {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	return &Agent{
		userID:      userID,
		displayName: displayName,
		d:           d,
		sd: &deps{
			presence: d.Presence,
			requests: d.Requests,
			relay:    d.Relay,
			audit:    d.Audit,
			notify:   d.Notifier,
			clock:    time.Now,
		},
		t:     t,
		hooks: hooks,
		log:   d.Log.With("user_id", userID),
	}
}

func (a *Agent) UserID() string { return a.userID }

// Start registers the user as available and begins listening for calls.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if err := a.d.Presence.Register(ctx, a.userID, a.displayName); err != nil {
		return err
	}
	lctx, cancel := context.WithCancel(context.Background())
	incoming, err := a.d.Requests.WatchIncoming(lctx, a.userID)
	if err != nil {
		cancel()
		_ = a.d.Presence.Unregister(ctx, a.userID)
		return err
	}
	a.cancel = cancel
	a.running = true
	a.wg.Add(2)
	go a.listen(incoming)
	go a.heartbeat(lctx)
	a.log.Info("agent started")
	a.d.Notifier.Notify(a.userID, msgReady)
	return nil
}

// Stop ends any current call, stops listening and removes the presence
// record. Safe to call more than once.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, s := a.cancel, a.current
	a.mu.Unlock()

	if s != nil {
		if err := a.endSession(ctx, s); err != nil && !errors.Is(err, ErrNoSession) {
			a.log.Warn("end call on stop", "call_id", s.CallID(), "err", err)
		}
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
	}
	cancel()
	a.wg.Wait()
	a.log.Info("agent stopped")
	return a.d.Presence.Unregister(ctx, a.userID)
}

// FindRandomUser picks a random available partner without calling them.
func (a *Agent) FindRandomUser(ctx context.Context) (presence.Record, error) {
	return a.d.Matchmaker.FindPartner(ctx, a.userID)
}

// InitiateCall calls targetID and returns the new call id.
func (a *Agent) InitiateCall(ctx context.Context, targetID string) (string, error) {
	return a.call(ctx, func(ctx context.Context) (string, string, error) {
		callID, err := a.d.Matchmaker.InitiateCall(ctx, a.userID, targetID)
		return callID, targetID, err
	})
}

// FindAndCall calls a random available partner.
func (a *Agent) FindAndCall(ctx context.Context) (matchmaking.Match, error) {
	var m matchmaking.Match
	_, err := a.call(ctx, func(ctx context.Context) (string, string, error) {
		var err error
		m, err = a.d.Matchmaker.FindAndCall(ctx, a.userID)
		return m.CallID, m.Partner.UserID, err
	})
	return m, err
}

func (a *Agent) call(ctx context.Context, place func(context.Context) (string, string, error)) (string, error) {
	a.mu.Lock()
	switch {
	case !a.running:
		a.mu.Unlock()
		return "", ErrNoSession
	case a.current != nil || a.starting:
		a.mu.Unlock()
		return "", ErrBusy
	}
	a.starting = true
	a.mu.Unlock()

	a.d.Notifier.Notify(a.userID, msgSearching)
	ctrl := a.d.NewMedia()
	if _, err := ctrl.AcquireLocalMedia(ctx); err != nil {
		ctrl.Release()
		a.abortCall(err, msgMediaDenied)
		return "", err
	}
	if a.stoppedWhileStarting() {
		ctrl.Release()
		return "", ErrNoSession
	}
	callID, peerID, err := place(ctx)
	if err != nil {
		ctrl.Release()
		msg := msgSearchFailed
		if errors.Is(err, matchmaking.ErrNoPartnerAvailable) || errors.Is(err, matchmaking.ErrPartnerUnavailable) {
			msg = msgNoPartner
		}
		a.abortCall(err, msg)
		return "", err
	}

	a.mu.Lock()
	a.starting = false
	if !a.running {
		a.mu.Unlock()
		ctrl.Release()
		a.withdraw(callID, peerID)
		return "", ErrNoSession
	}
	s := a.newSession(callID, peerID, signaling.RoleInitiator, ctrl)
	a.current = s
	a.mu.Unlock()
	s.start()
	a.d.Notifier.Notify(a.userID, msgCalling)
	return callID, nil
}

// stoppedWhileStarting reports whether Stop ran since call began, clearing
// the starting flag if so.
func (a *Agent) stoppedWhileStarting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return false
	}
	a.starting = false
	return true
}

// withdraw undoes a call that was placed after Stop had already run, so
// neither the request nor the partner's reservation outlives the agent.
func (a *Agent) withdraw(callID, peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	a.log.Info("withdrawing call placed during stop", "call_id", callID, "peer_id", peerID)
	if err := a.d.Requests.Delete(ctx, callID); err != nil {
		a.log.Warn("withdraw request", "call_id", callID, "err", err)
	}
	if err := a.d.Presence.Release(ctx, peerID, callID); err != nil {
		a.log.Warn("withdraw reservation", "call_id", callID, "peer_id", peerID, "err", err)
	}
}

func (a *Agent) abortCall(err error, msg string) {
	a.mu.Lock()
	a.starting = false
	a.mu.Unlock()
	a.log.Info("call not placed", "err", err)
	a.d.Notifier.Notify(a.userID, msg)
	if a.hooks.OnError != nil {
		a.hooks.OnError("", err)
	}
}

func (a *Agent) AcceptCall(ctx context.Context, callID string) error {
	s, err := a.session(callID)
	if err != nil {
		return err
	}
	return s.do(ctx, func() error { return s.accept(ctx) })
}

func (a *Agent) RejectCall(ctx context.Context, callID string) error {
	s, err := a.session(callID)
	if err != nil {
		return err
	}
	return s.do(ctx, func() error { return s.reject(ctx) })
}

// EndCall hangs up the current call. A ringing call is rejected.
func (a *Agent) EndCall(ctx context.Context) error {
	s, err := a.session("")
	if err != nil {
		return err
	}
	return a.endSession(ctx, s)
}

// CancelSearch abandons an unanswered outgoing call through the same
// teardown as EndCall.
func (a *Agent) CancelSearch(ctx context.Context) error {
	s, err := a.session("")
	if err != nil {
		return err
	}
	if s.Role() != signaling.RoleInitiator {
		return ErrInvalidState
	}
	return s.do(ctx, s.hangUp)
}

func (a *Agent) endSession(ctx context.Context, s *Session) error {
	return s.do(ctx, func() error {
		if s.State() == StateRinging {
			return s.reject(ctx)
		}
		return s.hangUp()
	})
}

// ToggleAudio reports whether audio is now muted.
func (a *Agent) ToggleAudio() bool {
	s, err := a.session("")
	if err != nil {
		return false
	}
	return s.Media().ToggleAudio()
}

// ToggleVideo reports whether video is now disabled.
func (a *Agent) ToggleVideo() bool {
	s, err := a.session("")
	if err != nil {
		return false
	}
	return s.Media().ToggleVideo()
}

// AgentStatus is a point-in-time view for the UI.
type AgentStatus struct {
	UserID        string         `json:"user_id"`
	State         State          `json:"state"`
	CallID        string         `json:"call_id,omitempty"`
	PeerID        string         `json:"peer_id,omitempty"`
	Role          signaling.Role `json:"role,omitempty"`
	AudioMuted    bool           `json:"audio_muted"`
	VideoDisabled bool           `json:"video_disabled"`
}

func (a *Agent) Status() AgentStatus {
	st := AgentStatus{UserID: a.userID, State: StateIdle}
	s, err := a.session("")
	if err != nil {
		return st
	}
	st.State = s.State()
	st.CallID = s.CallID()
	st.PeerID = s.PeerID()
	st.Role = s.Role()
	st.AudioMuted = s.Media().AudioMuted()
	st.VideoDisabled = s.Media().VideoDisabled()
	return st
}

// session returns the current session, checking its call id when one is
// given.
func (a *Agent) session(callID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, ErrNoSession
	}
	if callID != "" && a.current.CallID() != callID {
		return nil, ErrNoSession
	}
	return a.current, nil
}

func (a *Agent) newSession(callID, peerID string, role signaling.Role, ctrl *media.Controller) *Session {
	wait := a.t.Ring
	if role == signaling.RoleResponder {
		wait = a.t.Answer
	}
	cfg := sessionConfig{
		callID:           callID,
		userID:           a.userID,
		peerID:           peerID,
		role:             role,
		waitTimeout:      wait,
		negotiateTimeout: a.t.Negotiate,
	}
	return newSession(cfg, a.sd, ctrl, a.hooks, a.log, a.sessionEnded)
}

func (a *Agent) sessionEnded(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == s {
		a.current = nil
	}
}

func (a *Agent) listen(incoming <-chan calls.IncomingRequest) {
	defer a.wg.Done()
	for in := range incoming {
		if in.Type != docstore.ChangeAdded || in.Request.Status != calls.RequestPending {
			continue
		}
		if a.t.Answer > 0 && !in.Request.CreatedAt.IsZero() && time.Since(in.Request.CreatedAt) > a.t.Answer {
			a.log.Debug("ignoring expired call request", "call_id", in.Request.CallID)
			continue
		}
		a.ring(in.Request)
	}
}

func (a *Agent) ring(req calls.Request) {
	a.mu.Lock()
	if !a.running || a.current != nil || a.starting {
		same := a.current != nil && a.current.CallID() == req.CallID
		a.mu.Unlock()
		if !same {
			a.declineBusy(req)
		}
		return
	}
	s := a.newSession(req.CallID, req.InitiatorID, signaling.RoleResponder, a.d.NewMedia())
	a.current = s
	a.mu.Unlock()
	s.start()

	in := IncomingCall{CallID: req.CallID, CallerID: req.InitiatorID, CreatedAt: req.CreatedAt}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if rec, err := a.d.Presence.Get(ctx, req.InitiatorID); err == nil {
		in.CallerName = rec.DisplayName
	}
	a.log.Info("incoming call", "call_id", req.CallID, "caller_id", req.InitiatorID)
	a.d.Notifier.Notify(a.userID, msgIncoming)
	if a.hooks.OnIncomingCall != nil {
		a.hooks.OnIncomingCall(in)
	}
}

func (a *Agent) declineBusy(req calls.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	a.log.Info("declining call while busy", "call_id", req.CallID, "caller_id", req.InitiatorID)
	if err := a.d.Requests.SetStatus(ctx, req.CallID, calls.RequestRejected); err != nil {
		a.log.Warn("decline busy call", "call_id", req.CallID, "err", err)
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	defer a.wg.Done()
	if a.t.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(a.t.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.touch(ctx)
		}
	}
}

// touch refreshes presence, registering again if the record was swept
// while the user was idle.
func (a *Agent) touch(ctx context.Context) {
	err := a.d.Presence.Touch(ctx, a.userID)
	if err == nil || ctx.Err() != nil {
		return
	}
	if !errors.Is(err, presence.ErrNotFound) {
		a.log.Warn("presence heartbeat", "err", err)
		return
	}
	a.mu.Lock()
	idle := a.current == nil && !a.starting
	a.mu.Unlock()
	if !idle {
		return
	}
	if err := a.d.Presence.Register(ctx, a.userID, a.displayName); err != nil {
		a.log.Warn("presence re-register", "err", err)
		return
	}
	a.log.Info("presence re-registered after sweep")
}
