package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
	"peercall-platform/internal/signaling"

	"github.com/pion/webrtc/v4"
)

const cleanupTimeout = 10 * time.Second

// deps are the collaborators every session of an agent shares.
type deps struct {
	presence *presence.Registry
	requests *calls.Requests
	relay    *signaling.Relay
	audit    *audit.Service
	notify   Notifier
	clock    func() time.Time
}

type sessionConfig struct {
	callID string
	userID string
	peerID string
	role   signaling.Role

	// waitTimeout bounds Requesting for the initiator and Ringing for the
	// responder. negotiateTimeout bounds Negotiating.
	waitTimeout      time.Duration
	negotiateTimeout time.Duration
}

// Session is one call attempt seen from one participant. All protocol work
// happens on a single goroutine; store listeners, peer callbacks, timers and
// user commands only post events to it.
type Session struct {
	cfg   sessionConfig
	d     *deps
	hooks Hooks
	media *media.Controller
	log   *slog.Logger
	onEnd func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	mu    sync.RWMutex
	state State

	// Owned by the loop goroutine.
	peer        media.Peer
	sub         *signaling.Subscription
	timer       *time.Timer
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	accepted    bool
	keepRequest bool
	connectedAt time.Time
	cleanupOnce sync.Once
}

func newSession(cfg sessionConfig, d *deps, ctrl *media.Controller, hooks Hooks, log *slog.Logger, onEnd func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		d:      d,
		hooks:  hooks,
		media:  ctrl,
		log:    log.With("call_id", cfg.callID, "role", string(cfg.role)),
		onEnd:  onEnd,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

func (s *Session) CallID() string { return s.cfg.callID }
func (s *Session) PeerID() string { return s.cfg.peerID }
func (s *Session) Role() signaling.Role { return s.cfg.role }
func (s *Session) Media() *media.Controller { return s.media }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// start launches the event loop and moves the session out of Idle.
func (s *Session) start() {
	go s.run()

	reqs, err := s.d.requests.Watch(s.ctx, s.cfg.callID)
	if err != nil {
		s.post(func() { s.finish(calls.OutcomeFailed, err, msgConnectionLost) })
		return
	}
	s.post(func() {
		next := StateRinging
		if s.cfg.role == signaling.RoleInitiator {
			next = StateRequesting
			s.record(audit.Event{Type: audit.EventInitiated})
		}
		if s.transition(next) {
			s.arm(s.cfg.waitTimeout)
		}
	})
	go func() {
		for rs := range reqs {
			rs := rs
			s.post(func() { s.onRequest(rs) })
		}
	}()
}

func (s *Session) run() {
	defer close(s.done)
	for {
		fn := <-s.events
		fn()
		if s.State() == StateEnded {
			return
		}
	}
}

// post queues fn for the loop. It is dropped once the session has ended.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.events <- func() { reply <- fn() }:
	case <-s.done:
		return ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrNoSession
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		s.log.Debug("call state change refused", "from", s.state.String(), "to", to.String())
		return false
	}
	s.log.Info("call state", "from", s.state.String(), "to", to.String())
	s.state = to
	return true
}

func (s *Session) arm(d time.Duration) {
	s.stopTimer()
	if d <= 0 {
		return
	}
	armed := s.State()
	s.timer = time.AfterFunc(d, func() {
		s.post(func() { s.onTimeout(armed) })
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onTimeout(armed State) {
	if s.State() != armed {
		return
	}
	switch armed {
	case StateRequesting:
		s.finish(calls.OutcomeNoAnswer, nil, msgNoAnswer)
	case StateRinging:
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.d.requests.SetStatus(ctx, s.cfg.callID, calls.RequestRejected); err != nil {
			s.log.Warn("reject unanswered call", "err", err)
		} else {
			s.keepRequest = true
		}
		s.finish(calls.OutcomeNoAnswer, nil, msgMissed)
	case StateNegotiating:
		s.fail(fmt.Errorf("%w: timed out", ErrNegotiationFailed))
	}
}

func (s *Session) onRequest(rs calls.RequestSnapshot) {
	state := s.State()
	if state == StateEnded {
		return
	}
	if !rs.Exists {
		switch state {
		case StateRequesting:
			s.finish(calls.OutcomeCanceled, nil, msgReady)
		case StateRinging:
			s.finish(calls.OutcomeCanceled, nil, msgMissed)
		default:
			// The other side hung up.
			s.finish(s.hangUpOutcome(), nil, msgEnded)
		}
		return
	}
	if s.cfg.role != signaling.RoleInitiator || state != StateRequesting {
		return
	}
	switch rs.Status {
	case calls.RequestAccepted:
		s.accepted = true
		s.negotiate()
	case calls.RequestRejected:
		s.finish(calls.OutcomeRejected, nil, msgDeclined)
	}
}

// accept is the responder's answer to a ringing call.
func (s *Session) accept(ctx context.Context) error {
	if s.cfg.role != signaling.RoleResponder || s.State() != StateRinging {
		return ErrInvalidState
	}
	if _, err := s.media.AcquireLocalMedia(ctx); err != nil {
		if serr := s.d.requests.SetStatus(ctx, s.cfg.callID, calls.RequestRejected); serr == nil {
			s.keepRequest = true
		}
		s.finish(calls.OutcomeFailed, err, msgMediaDenied)
		return err
	}
	if err := s.d.requests.SetStatus(ctx, s.cfg.callID, calls.RequestAccepted); err != nil {
		s.finish(calls.OutcomeFailed, err, msgConnectionLost)
		return err
	}
	s.accepted = true
	s.record(audit.Event{Type: audit.EventAccepted})
	s.negotiate()
	return nil
}

// reject declines a ringing call. The request is left in place, marked
// rejected, so the initiator learns the answer; the initiator deletes it.
func (s *Session) reject(ctx context.Context) error {
	if s.cfg.role != signaling.RoleResponder || s.State() != StateRinging {
		return ErrInvalidState
	}
	err := s.d.requests.SetStatus(ctx, s.cfg.callID, calls.RequestRejected)
	if err == nil {
		s.keepRequest = true
	}
	s.record(audit.Event{Type: audit.EventRejected})
	s.finish(calls.OutcomeRejected, nil, msgReady)
	return err
}

// hangUp ends the call from this side. In Requesting it cancels the search.
func (s *Session) hangUp() error {
	switch s.State() {
	case StateEnded:
		return ErrNoSession
	case StateRequesting:
		s.finish(calls.OutcomeCanceled, nil, msgReady)
	default:
		s.finish(s.hangUpOutcome(), nil, msgEnded)
	}
	return nil
}

func (s *Session) hangUpOutcome() calls.Outcome {
	if !s.connectedAt.IsZero() {
		return calls.OutcomeCompleted
	}
	return calls.OutcomeCanceled
}

func (s *Session) negotiate() {
	if !s.transition(StateNegotiating) {
		return
	}
	s.arm(s.cfg.negotiateTimeout)
	s.d.notify.Notify(s.cfg.userID, msgConnecting)

	peer, err := s.media.NewPeer(media.PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			s.post(func() { s.onLocalCandidate(c) })
		},
		OnConnectionState: func(st media.ConnState) {
			s.post(func() { s.onConnState(st) })
		},
		OnTrack: func(t *media.RemoteTrack) {
			s.post(func() { s.onTrack(t) })
		},
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
		return
	}
	s.peer = peer

	sub, err := s.d.relay.Observe(s.ctx, s.cfg.callID, s.cfg.role, signaling.Handlers{
		OnOffer: func(d webrtc.SessionDescription) {
			s.post(func() { s.onOffer(d) })
		},
		OnAnswer: func(d webrtc.SessionDescription) {
			s.post(func() { s.onAnswer(d) })
		},
		OnCandidate: func(c webrtc.ICECandidateInit) {
			s.post(func() { s.onRemoteCandidate(c) })
		},
	})
	if err != nil {
		s.fail(err)
		return
	}
	s.sub = sub

	if s.cfg.role != signaling.RoleInitiator {
		return
	}
	offer, err := peer.CreateOffer(s.ctx)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
		return
	}
	if err := s.d.relay.SendOffer(s.ctx, s.cfg.callID, offer); err != nil {
		s.fail(err)
	}
}

func (s *Session) onOffer(offer webrtc.SessionDescription) {
	if s.cfg.role != signaling.RoleResponder || s.State() != StateNegotiating || s.remoteSet {
		return
	}
	answer, err := s.peer.AcceptOffer(s.ctx, offer)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
		return
	}
	s.remoteSet = true
	s.flushCandidates()
	if err := s.d.relay.SendAnswer(s.ctx, s.cfg.callID, answer); err != nil {
		s.fail(err)
	}
}

func (s *Session) onAnswer(answer webrtc.SessionDescription) {
	if s.cfg.role != signaling.RoleInitiator || s.State() != StateNegotiating || s.remoteSet {
		return
	}
	if err := s.peer.AcceptAnswer(answer); err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
		return
	}
	s.remoteSet = true
	s.flushCandidates()
}

// onRemoteCandidate holds candidates until the remote description is set.
func (s *Session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if st := s.State(); st != StateNegotiating && st != StateActive {
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	s.addCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.peer.AddICECandidate(c); err != nil {
		s.log.Warn("add remote candidate", "err", err)
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	st := s.State()
	if st != StateNegotiating && st != StateActive {
		return
	}
	if err := s.d.relay.SendCandidate(s.ctx, s.cfg.callID, s.cfg.role, c); err != nil {
		if st == StateNegotiating {
			s.fail(err)
			return
		}
		s.log.Warn("send candidate", "err", err)
	}
}

func (s *Session) onConnState(cs media.ConnState) {
	st := s.State()
	switch cs {
	case media.ConnConnected:
		if st != StateNegotiating || !s.transition(StateActive) {
			return
		}
		s.stopTimer()
		s.connectedAt = s.d.clock()
		s.record(audit.Event{Type: audit.EventConnected})
		s.d.notify.Notify(s.cfg.userID, msgConnected)
		if s.hooks.OnConnected != nil {
			s.hooks.OnConnected(s.cfg.callID)
		}
	case media.ConnFailed:
		switch st {
		case StateNegotiating:
			s.fail(fmt.Errorf("%w: ice failed", ErrNegotiationFailed))
		case StateActive:
			s.finish(calls.OutcomeCompleted, ErrPeerDisconnected, msgConnectionLost)
		}
	case media.ConnDisconnected, media.ConnClosed:
		if st == StateActive {
			s.finish(calls.OutcomeCompleted, ErrPeerDisconnected, msgEnded)
		}
	}
}

func (s *Session) onTrack(t *media.RemoteTrack) {
	if st := s.State(); st != StateNegotiating && st != StateActive {
		return
	}
	if s.hooks.OnRemoteStream != nil {
		s.hooks.OnRemoteStream(s.cfg.callID, t)
	}
}

func (s *Session) fail(err error) {
	msg := msgConnectionLost
	if errors.Is(err, media.ErrMediaAccessDenied) {
		msg = msgMediaDenied
	}
	s.finish(calls.OutcomeFailed, err, msg)
}

// finish moves to Ended, tears everything down and reports the outcome.
func (s *Session) finish(outcome calls.Outcome, err error, msg string) {
	if !s.transition(StateEnded) {
		return
	}
	s.cleanup()

	var dur time.Duration
	if !s.connectedAt.IsZero() {
		dur = s.d.clock().Sub(s.connectedAt)
	}
	sum := Summary{
		CallID:    s.cfg.callID,
		PeerID:    s.cfg.peerID,
		Role:      s.cfg.role,
		Outcome:   outcome,
		Connected: !s.connectedAt.IsZero(),
		Duration:  dur,
		Err:       err,
	}
	ev := audit.Event{Type: audit.EventEnded, Outcome: string(outcome), DurationMS: dur.Milliseconds()}
	if err != nil {
		ev.Reason = err.Error()
		s.log.Warn("call ended with error", "outcome", outcome, "err", err)
		if s.hooks.OnError != nil {
			s.hooks.OnError(s.cfg.callID, err)
		}
	} else {
		s.log.Info("call ended", "outcome", outcome, "duration", dur)
	}
	s.record(ev)
	s.d.notify.Notify(s.cfg.userID, msg)
	if s.hooks.OnCallEnded != nil {
		s.hooks.OnCallEnded(sum)
	}
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// cleanup releases everything the attempt holds. Every step tolerates the
// other side, or an earlier partial cleanup, having done it already.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.stopTimer()
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		s.cancel()
		s.media.Release()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if s.cfg.role == signaling.RoleInitiator && !s.accepted {
			if err := s.d.presence.Release(ctx, s.cfg.peerID, s.cfg.callID); err != nil {
				s.log.Warn("release target reservation", "peer_id", s.cfg.peerID, "err", err)
			}
		}
		if !s.keepRequest {
			if err := s.d.requests.Delete(ctx, s.cfg.callID); err != nil {
				s.log.Warn("delete call request", "err", err)
			}
		}
		if err := s.d.relay.Delete(ctx, s.cfg.callID); err != nil {
			s.log.Warn("delete call session", "err", err)
		}
		if err := s.d.presence.SetStatus(ctx, s.cfg.userID, presence.StatusAvailable); err != nil {
			s.log.Warn("restore presence", "err", err)
		}
	})
}

func (s *Session) record(e audit.Event) {
	e.CallID = s.cfg.callID
	e.UserID = s.cfg.userID
	e.PeerID = s.cfg.peerID
	e.Role = string(s.cfg.role)
	s.d.audit.Record(context.Background(), e)
}
