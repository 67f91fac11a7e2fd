package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/matchmaking"
	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
	"peercall-platform/internal/signaling"
)

// connect runs a call from a to b up to Active on both sides.
func connect(t *testing.T, h *harness, a, b *user) string {
	t.Helper()
	ctx := context.Background()
	callID, err := a.agent.InitiateCall(ctx, b.agent.UserID())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	in := recv(t, b.rec.incoming)
	if in.CallID != callID {
		t.Fatalf("incoming call %s, want %s", in.CallID, callID)
	}
	if err := b.agent.AcceptCall(ctx, callID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	recv(t, a.rec.connected)
	recv(t, b.rec.connected)
	eventually(t, func() bool {
		return a.agent.Status().State == StateActive && b.agent.Status().State == StateActive
	})
	return callID
}

func TestInitiateCall_MarksRequestAndPresence(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	partner, err := a.agent.FindRandomUser(ctx)
	if err != nil || partner.UserID != "bob" {
		t.Fatalf("expected bob, got %+v (%v)", partner, err)
	}

	callID, err := a.agent.InitiateCall(ctx, partner.UserID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	req, err := h.requests.Get(ctx, callID)
	if err != nil || req.Status != calls.RequestPending || req.InitiatorID != "alice" || req.TargetID != "bob" {
		t.Fatalf("unexpected request %+v (%v)", req, err)
	}
	if got := h.status(t, "alice"); got != presence.StatusCalling {
		t.Fatalf("alice status %s", got)
	}
	if got := h.status(t, "bob"); got != presence.StatusReceivingCall {
		t.Fatalf("bob status %s", got)
	}

	in := recv(t, b.rec.incoming)
	if in.CallerID != "alice" || in.CallerName != "name-alice" {
		t.Fatalf("unexpected incoming call %+v", in)
	}
	eventually(t, func() bool { return a.agent.Status().State == StateRequesting })
	if st := b.agent.Status(); st.State != StateRinging || st.CallID != callID || st.Role != signaling.RoleResponder {
		t.Fatalf("unexpected responder status %+v", st)
	}
	if _, err := a.agent.InitiateCall(ctx, "bob"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for a second call, got %v", err)
	}
}

func TestAcceptCall_NegotiatesToActive(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)

	callID := connect(t, h, a, b)

	req, err := h.requests.Get(context.Background(), callID)
	if err != nil || req.Status != calls.RequestAccepted {
		t.Fatalf("expected accepted request, got %+v (%v)", req, err)
	}
	recv(t, a.rec.remote)
	recv(t, b.rec.remote)

	// Each side applies the other's candidate, including ones that arrived
	// before the remote description.
	eventually(t, func() bool {
		got := a.net.peer(t).addedCandidates()
		return len(got) == 1 && got[0] == "candidate:answerer"
	})
	eventually(t, func() bool {
		got := b.net.peer(t).addedCandidates()
		return len(got) == 1 && got[0] == "candidate:offerer"
	})
	for _, typ := range []audit.EventType{audit.EventInitiated, audit.EventAccepted, audit.EventConnected} {
		if !h.hasEvent(callID, typ) {
			t.Fatalf("missing %s event", typ)
		}
	}
	if !a.rec.notified(msgConnected) {
		t.Fatalf("expected connected notification")
	}
}

func TestEndCall_CleansUpBothSides(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	callID := connect(t, h, a, b)

	var stream *media.LocalStream
	a.controller(t).AttachLocalStream(media.LocalSinkFunc(func(s *media.LocalStream) { stream = s }))
	peer := a.net.peer(t)

	if err := a.agent.EndCall(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}

	sum := recv(t, a.rec.ended)
	if sum.Outcome != calls.OutcomeCompleted || !sum.Connected || sum.Err != nil {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !h.requestGone(callID) || !h.sessionGone(callID) {
		t.Fatalf("call documents left behind")
	}
	for _, tr := range stream.Tracks {
		select {
		case <-tr.Stopped():
		default:
			t.Fatalf("%s track still running", tr.Kind())
		}
	}
	if !peer.isClosed() {
		t.Fatalf("peer connection not closed")
	}
	if got := h.status(t, "alice"); got != presence.StatusAvailable {
		t.Fatalf("alice status %s", got)
	}

	bsum := recv(t, b.rec.ended)
	if bsum.Outcome != calls.OutcomeCompleted {
		t.Fatalf("unexpected responder summary %+v", bsum)
	}
	eventually(t, func() bool { return h.status(t, "bob") == presence.StatusAvailable })
	if a.agent.Status().State != StateIdle || b.agent.Status().State != StateIdle {
		t.Fatalf("agents not idle after call")
	}
	if err := a.agent.EndCall(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on second end, got %v", err)
	}
}

func TestRingTimeout_EndsUnansweredCall(t *testing.T) {
	h := newHarness(t)
	tm := defaultTimeouts
	tm.Ring = 100 * time.Millisecond
	a := h.user(t, "alice", media.SyntheticDevice{}, tm)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)

	callID, err := a.agent.InitiateCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	recv(t, b.rec.incoming)

	sum := recv(t, a.rec.ended)
	if sum.Outcome != calls.OutcomeNoAnswer {
		t.Fatalf("expected no_answer, got %+v", sum)
	}
	if !a.rec.notified(msgNoAnswer) {
		t.Fatalf("expected no-answer notification")
	}
	if !h.requestGone(callID) {
		t.Fatalf("request not torn down")
	}
	if got := h.status(t, "alice"); got != presence.StatusAvailable {
		t.Fatalf("alice status %s", got)
	}
	if bsum := recv(t, b.rec.ended); bsum.Outcome != calls.OutcomeCanceled {
		t.Fatalf("unexpected responder summary %+v", bsum)
	}
	eventually(t, func() bool { return h.status(t, "bob") == presence.StatusAvailable })
}

func TestRejectCall_ReturnsBothToIdle(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	callID, _ := a.agent.InitiateCall(ctx, "bob")
	recv(t, b.rec.incoming)
	if err := b.agent.RejectCall(ctx, callID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if bsum := recv(t, b.rec.ended); bsum.Outcome != calls.OutcomeRejected {
		t.Fatalf("unexpected responder summary %+v", bsum)
	}
	if got := h.status(t, "bob"); got != presence.StatusAvailable {
		t.Fatalf("bob status %s", got)
	}

	if sum := recv(t, a.rec.ended); sum.Outcome != calls.OutcomeRejected {
		t.Fatalf("unexpected initiator summary %+v", sum)
	}
	if !a.rec.notified(msgDeclined) {
		t.Fatalf("expected declined notification")
	}
	eventually(t, func() bool { return h.requestGone(callID) })
	if got := h.status(t, "alice"); got != presence.StatusAvailable {
		t.Fatalf("alice status %s", got)
	}
	if !h.hasEvent(callID, audit.EventRejected) {
		t.Fatalf("missing rejected event")
	}
}

func TestCancelSearch_ReleasesTarget(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	m, err := a.agent.FindAndCall(ctx)
	if err != nil || m.Partner.UserID != "bob" {
		t.Fatalf("find and call: %+v (%v)", m, err)
	}
	recv(t, b.rec.incoming)
	if err := a.agent.CancelSearch(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if sum := recv(t, a.rec.ended); sum.Outcome != calls.OutcomeCanceled {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !h.requestGone(m.CallID) {
		t.Fatalf("request not deleted")
	}
	eventually(t, func() bool { return h.status(t, "bob") == presence.StatusAvailable })
	recv(t, b.rec.ended)
}

func TestMediaAccessDenied_PlacesNoCall(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.DeniedDevice{}, defaultTimeouts)
	h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)

	_, err := a.agent.InitiateCall(context.Background(), "bob")
	if !errors.Is(err, media.ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if got := recv(t, a.rec.errs); !errors.Is(got, media.ErrMediaAccessDenied) {
		t.Fatalf("unexpected hook error %v", got)
	}
	if !a.rec.notified(msgMediaDenied) {
		t.Fatalf("expected media notification")
	}
	reqs, _ := h.store.Query(context.Background(), calls.RequestsCollection)
	if len(reqs) != 0 {
		t.Fatalf("expected no request, got %d", len(reqs))
	}
	if got := h.status(t, "bob"); got != presence.StatusAvailable {
		t.Fatalf("bob status %s", got)
	}
}

func TestResponderMediaDenied_RejectsRequest(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.DeniedDevice{}, defaultTimeouts)
	ctx := context.Background()

	callID, _ := a.agent.InitiateCall(ctx, "bob")
	recv(t, b.rec.incoming)
	if err := b.agent.AcceptCall(ctx, callID); !errors.Is(err, media.ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if bsum := recv(t, b.rec.ended); bsum.Outcome != calls.OutcomeFailed {
		t.Fatalf("unexpected responder summary %+v", bsum)
	}
	if sum := recv(t, a.rec.ended); sum.Outcome != calls.OutcomeRejected {
		t.Fatalf("unexpected initiator summary %+v", sum)
	}
}

func TestFindAndCall_NoPartner(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)

	if _, err := a.agent.FindAndCall(context.Background()); !errors.Is(err, matchmaking.ErrNoPartnerAvailable) {
		t.Fatalf("expected ErrNoPartnerAvailable, got %v", err)
	}
	recv(t, a.rec.errs)
	if !a.rec.notified(msgNoPartner) {
		t.Fatalf("expected no-partner notification")
	}
	if a.agent.Status().State != StateIdle {
		t.Fatalf("agent not idle")
	}
	// The failed attempt must not block the next one.
	h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	if _, err := a.agent.FindAndCall(context.Background()); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestNegotiationFailure_EndsWithError(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	a.net.fail = true
	ctx := context.Background()

	callID, _ := a.agent.InitiateCall(ctx, "bob")
	recv(t, b.rec.incoming)
	_ = b.agent.AcceptCall(ctx, callID)

	sum := recv(t, a.rec.ended)
	if sum.Outcome != calls.OutcomeFailed || !errors.Is(sum.Err, ErrNegotiationFailed) {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if err := recv(t, a.rec.errs); !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("unexpected hook error %v", err)
	}
	recv(t, b.rec.ended)
	eventually(t, func() bool {
		return h.status(t, "alice") == presence.StatusAvailable && h.status(t, "bob") == presence.StatusAvailable
	})
	if !h.requestGone(callID) || !h.sessionGone(callID) {
		t.Fatalf("call documents left behind")
	}
}

func TestPeerDisconnect_EndsActiveCall(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	connect(t, h, a, b)

	a.net.peer(t).h.OnConnectionState(media.ConnDisconnected)

	sum := recv(t, a.rec.ended)
	if !errors.Is(sum.Err, ErrPeerDisconnected) || sum.Outcome != calls.OutcomeCompleted {
		t.Fatalf("unexpected summary %+v", sum)
	}
	recv(t, b.rec.ended)
	eventually(t, func() bool { return b.agent.Status().State == StateIdle })
}

func TestAnswerTimeout_MissesCall(t *testing.T) {
	h := newHarness(t)
	tm := defaultTimeouts
	tm.Answer = 100 * time.Millisecond
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, tm)

	callID, _ := a.agent.InitiateCall(context.Background(), "bob")
	recv(t, b.rec.incoming)

	if bsum := recv(t, b.rec.ended); bsum.Outcome != calls.OutcomeNoAnswer {
		t.Fatalf("unexpected responder summary %+v", bsum)
	}
	if sum := recv(t, a.rec.ended); sum.Outcome != calls.OutcomeRejected {
		t.Fatalf("unexpected initiator summary %+v", sum)
	}
	eventually(t, func() bool { return h.requestGone(callID) })
}

func TestBusyUser_DeclinesSecondRequest(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	h.user(t, "carol", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	_, _ = a.agent.InitiateCall(ctx, "bob")
	recv(t, b.rec.incoming)

	stray := calls.Request{CallID: "call_1_stray0000", InitiatorID: "carol", TargetID: "bob"}
	if err := h.requests.Create(ctx, stray); err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, func() bool {
		req, err := h.requests.Get(ctx, stray.CallID)
		return err == nil && req.Status == calls.RequestRejected
	})
	if st := b.agent.Status(); st.State != StateRinging || st.PeerID != "alice" {
		t.Fatalf("busy user lost the first call: %+v", st)
	}
}

func TestStop_UnregistersAndEndsCall(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	callID, _ := a.agent.InitiateCall(ctx, "bob")
	recv(t, b.rec.incoming)

	if err := b.agent.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.agent.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := h.presence.Get(ctx, "bob"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected bob unregistered, got %v", err)
	}
	if sum := recv(t, a.rec.ended); sum.Outcome != calls.OutcomeRejected {
		t.Fatalf("unexpected initiator summary %+v", sum)
	}
	eventually(t, func() bool { return h.requestGone(callID) })
}

func TestActiveCall_SurvivesRequestSweep(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	callID := connect(t, h, a, b)

	staleBefore := time.Now().Add(-time.Minute)
	live := func(ctx context.Context, userID string) (bool, error) {
		return h.presence.Live(ctx, userID, staleBefore)
	}
	// A cutoff past the request's creation time, as a janitor run well
	// into a long call would use.
	if _, err := h.requests.SweepStale(ctx, time.Now().Add(time.Hour), live); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if h.requestGone(callID) {
		t.Fatalf("sweep removed the request of an active call")
	}
	time.Sleep(50 * time.Millisecond)
	if a.agent.Status().State != StateActive || b.agent.Status().State != StateActive {
		t.Fatalf("call did not survive the sweep: a=%+v b=%+v", a.agent.Status(), b.agent.Status())
	}
}

// slowDevice takes a while to open, like a camera waiting on a permission
// prompt.
type slowDevice struct{ delay time.Duration }

func (d slowDevice) Open(ctx context.Context, streamID string) ([]*media.LocalTrack, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return media.SyntheticDevice{}.Open(ctx, streamID)
}

func TestStop_DuringMediaAcquisitionPlacesNoCall(t *testing.T) {
	h := newHarness(t)
	a := h.user(t, "alice", slowDevice{delay: 200 * time.Millisecond}, defaultTimeouts)
	h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := a.agent.InitiateCall(ctx, "bob")
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := a.agent.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := recv(t, errc); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if st := a.agent.Status(); st.State != StateIdle {
		t.Fatalf("stopped agent kept a call: %+v", st)
	}
	reqs, _ := h.store.Query(ctx, calls.RequestsCollection)
	if len(reqs) != 0 {
		t.Fatalf("expected no request, got %d", len(reqs))
	}
	if got := h.status(t, "bob"); got != presence.StatusAvailable {
		t.Fatalf("bob status %s", got)
	}
	if _, err := h.presence.Get(ctx, "alice"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected alice unregistered, got %v", err)
	}
}

// gatedPresence holds reservations until the gate opens.
type gatedPresence struct {
	*presence.Registry
	reached chan struct{}
	gate    chan struct{}
}

func (g *gatedPresence) Reserve(ctx context.Context, targetID, callID string) (bool, error) {
	close(g.reached)
	<-g.gate
	return g.Registry.Reserve(ctx, targetID, callID)
}

func TestStop_WhilePlacingWithdrawsCall(t *testing.T) {
	h := newHarness(t)
	gp := &gatedPresence{Registry: h.presence, reached: make(chan struct{}), gate: make(chan struct{})}
	h.mm = matchmaking.NewMatchmaker(gp, h.requests, matchmaking.Options{}, nil, quiet)
	a := h.user(t, "alice", media.SyntheticDevice{}, defaultTimeouts)
	b := h.user(t, "bob", media.SyntheticDevice{}, defaultTimeouts)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := a.agent.InitiateCall(ctx, "bob")
		errc <- err
	}()
	recv(t, gp.reached)
	if err := a.agent.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(gp.gate)

	if err := recv(t, errc); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if st := a.agent.Status(); st.State != StateIdle {
		t.Fatalf("stopped agent kept a call: %+v", st)
	}
	eventually(t, func() bool {
		reqs, _ := h.store.Query(ctx, calls.RequestsCollection)
		return len(reqs) == 0
	})
	eventually(t, func() bool { return h.status(t, "bob") == presence.StatusAvailable })
	eventually(t, func() bool { return b.agent.Status().State == StateIdle })
}
