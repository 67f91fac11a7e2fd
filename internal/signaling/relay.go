package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"peercall-platform/internal/docstore"

	"github.com/pion/webrtc/v4"
)

// SessionsCollection holds one session document per call id:
//
//	offer                  written once by the initiator
//	answer                 written once by the responder, after offer
//	candidates_initiator   append-only, initiator's ICE candidates
//	candidates_responder   append-only, responder's ICE candidates
const SessionsCollection = "callSessions"

var ErrSignalingWriteFailed = errors.New("signaling: write failed")

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

func (r Role) Valid() bool { return r == RoleInitiator || r == RoleResponder }

func candidatesField(r Role) string { return "candidates_" + string(r) }

// Candidate is one entry of a role's candidate list.
type Candidate struct {
	Role      Role                    `json:"role"`
	Seq       int                     `json:"seq"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	SentAt    time.Time               `json:"sent_at"`
}

// Handlers receive the other side's signaling. They run on the
// subscription's goroutine, one at a time.
type Handlers struct {
	OnOffer     func(webrtc.SessionDescription)
	OnAnswer    func(webrtc.SessionDescription)
	OnCandidate func(webrtc.ICECandidateInit)
}

// Relay exchanges offer, answer and candidates through session documents.
type Relay struct {
	store docstore.Store
	clock func() time.Time
	log   *slog.Logger

	mu  sync.Mutex
	seq map[string]int
}

func NewRelay(store docstore.Store, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{store: store, clock: time.Now, log: log, seq: map[string]int{}}
}

func (r *Relay) SendOffer(ctx context.Context, callID string, offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %s", ErrSignalingWriteFailed, offer.Type)
	}
	return r.writeDescription(ctx, callID, "offer", offer)
}

func (r *Relay) SendAnswer(ctx context.Context, callID string, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrSignalingWriteFailed, answer.Type)
	}
	return r.writeDescription(ctx, callID, "answer", answer)
}

// SendCandidate appends to the sender's own candidate list.
func (r *Relay) SendCandidate(ctx context.Context, callID string, from Role, c webrtc.ICECandidateInit) error {
	if callID == "" || !from.Valid() {
		return fmt.Errorf("%w: invalid candidate target", ErrSignalingWriteFailed)
	}
	entry := Candidate{Role: from, Seq: r.nextSeq(callID, from), Candidate: c, SentAt: r.clock().UTC()}
	if err := r.store.Append(ctx, SessionsCollection, callID, candidatesField(from), entry); err != nil {
		return fmt.Errorf("%w: candidate for %s: %w", ErrSignalingWriteFailed, callID, err)
	}
	return nil
}

// Delete removes the session document. Safe to call from both sides.
func (r *Relay) Delete(ctx context.Context, callID string) error {
	r.mu.Lock()
	delete(r.seq, callID+"/"+string(RoleInitiator))
	delete(r.seq, callID+"/"+string(RoleResponder))
	r.mu.Unlock()
	if err := r.store.Delete(ctx, SessionsCollection, callID); err != nil {
		return fmt.Errorf("signaling: delete session %s: %w", callID, err)
	}
	return nil
}

// Observe delivers the other side's offer or answer at most once and each
// of its candidates exactly once, in append order. Anything written by
// self is never delivered back.
func (r *Relay) Observe(ctx context.Context, callID string, self Role, h Handlers) (*Subscription, error) {
	if callID == "" || !self.Valid() {
		return nil, errors.New("signaling: invalid observe arguments")
	}
	wctx, cancel := context.WithCancel(ctx)
	snaps, err := r.store.Watch(wctx, SessionsCollection, callID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("signaling: observe %s: %w", callID, err)
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	obs := &observer{callID: callID, self: self, h: h, sub: sub, log: r.log}
	go func() {
		defer close(sub.done)
		for s := range snaps {
			if sub.closed.Load() {
				return
			}
			obs.apply(s)
		}
	}()
	return sub, nil
}

func (r *Relay) writeDescription(ctx context.Context, callID, field string, desc webrtc.SessionDescription) error {
	if callID == "" {
		return fmt.Errorf("%w: call id required", ErrSignalingWriteFailed)
	}
	err := r.store.Set(ctx, SessionsCollection, callID, docstore.Fields{
		"call_id":    callID,
		field:        desc,
		"updated_at": r.clock().UTC(),
	}, true)
	if err != nil {
		return fmt.Errorf("%w: %s for %s: %w", ErrSignalingWriteFailed, field, callID, err)
	}
	return nil
}

func (r *Relay) nextSeq(callID string, role Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := callID + "/" + string(role)
	r.seq[k]++
	return r.seq[k]
}

// Subscription is a live Observe registration.
type Subscription struct {
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
	done   chan struct{}
}

// Unsubscribe stops delivery. Only the first call has any effect; a
// handler already running may still complete.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

type observer struct {
	callID string
	self   Role
	h      Handlers
	sub    *Subscription
	log    *slog.Logger

	offerSeen  bool
	answerSeen bool
	next       int
}

func (o *observer) apply(s docstore.Snapshot) {
	if !s.Exists {
		return
	}
	if o.self == RoleResponder && !o.offerSeen {
		if desc, ok := o.description(s, "offer"); ok {
			o.offerSeen = true
			if o.h.OnOffer != nil {
				o.h.OnOffer(desc)
			}
		}
	}
	if o.self == RoleInitiator && !o.answerSeen {
		if desc, ok := o.description(s, "answer"); ok {
			o.answerSeen = true
			if o.h.OnAnswer != nil {
				o.h.OnAnswer(desc)
			}
		}
	}

	list := s.List(candidatesField(o.self.Peer()))
	for ; o.next < len(list); o.next++ {
		if o.sub.closed.Load() {
			return
		}
		var c Candidate
		if err := json.Unmarshal(list[o.next], &c); err != nil {
			o.log.Warn("signaling: undecodable candidate", "call_id", o.callID, "index", o.next, "err", err)
			continue
		}
		if c.Role == o.self {
			continue
		}
		if o.h.OnCandidate != nil {
			o.h.OnCandidate(c.Candidate)
		}
	}
}

func (o *observer) description(s docstore.Snapshot, field string) (webrtc.SessionDescription, bool) {
	var desc webrtc.SessionDescription
	ok, err := s.Field(field, &desc)
	if err != nil {
		o.log.Warn("signaling: undecodable description", "call_id", o.callID, "field", field, "err", err)
		return desc, false
	}
	return desc, ok && desc.SDP != ""
}
