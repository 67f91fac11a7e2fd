package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// LocalSink receives the local stream for self-view.
type LocalSink interface {
	AttachLocal(s *LocalStream)
}

// RemoteSink receives every track the peer sends.
type RemoteSink interface {
	AttachRemote(t *RemoteTrack)
}

type LocalSinkFunc func(*LocalStream)

func (f LocalSinkFunc) AttachLocal(s *LocalStream) { f(s) }

type RemoteSinkFunc func(*RemoteTrack)

func (f RemoteSinkFunc) AttachRemote(t *RemoteTrack) { f(t) }

// Controller owns the local stream and the peer connection of one call
// attempt. Once released it cannot be reused.
type Controller struct {
	device  Device
	factory PeerFactory
	log     *slog.Logger

	mu          sync.Mutex
	stream      *LocalStream
	peer        Peer
	localSinks  []LocalSink
	remoteSinks []RemoteSink
	remotes     []*RemoteTrack
	released    bool
}

func NewController(device Device, factory PeerFactory, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{device: device, factory: factory, log: log}
}

// AcquireLocalMedia opens audio and video capture. Any device failure is
// reported as ErrMediaAccessDenied.
func (c *Controller) AcquireLocalMedia(ctx context.Context) (*LocalStream, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, ErrReleased
	}
	if c.stream != nil {
		s := c.stream
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	streamID := "local-" + uuid.NewString()
	tracks, err := c.device.Open(ctx, streamID)
	if err != nil {
		if errors.Is(err, ErrMediaAccessDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		stopAll(tracks)
		return nil, ErrReleased
	}
	c.stream = &LocalStream{ID: streamID, Tracks: tracks}
	s := c.stream
	sinks := append([]LocalSink(nil), c.localSinks...)
	c.mu.Unlock()

	for _, sink := range sinks {
		sink.AttachLocal(s)
	}
	return s, nil
}

// AttachLocalStream wires the local stream to sink now or once acquired.
func (c *Controller) AttachLocalStream(sink LocalSink) {
	c.mu.Lock()
	c.localSinks = append(c.localSinks, sink)
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		sink.AttachLocal(s)
	}
}

// AttachRemoteStream wires received tracks, including ones that already
// arrived, to sink.
func (c *Controller) AttachRemoteStream(sink RemoteSink) {
	c.mu.Lock()
	c.remoteSinks = append(c.remoteSinks, sink)
	existing := append([]*RemoteTrack(nil), c.remotes...)
	c.mu.Unlock()
	for _, t := range existing {
		sink.AttachRemote(t)
	}
}

// ToggleAudio flips the first audio track and returns whether audio is now
// muted. Without a local stream nothing changes and false is returned.
func (c *Controller) ToggleAudio() bool { return c.toggle(KindAudio) }

// ToggleVideo is ToggleAudio for video.
func (c *Controller) ToggleVideo() bool { return c.toggle(KindVideo) }

func (c *Controller) toggle(kind TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.stream.first(kind)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return !t.Enabled()
}

// AudioMuted and VideoDisabled report the current toggle state.
func (c *Controller) AudioMuted() bool { return c.disabled(KindAudio) }

func (c *Controller) VideoDisabled() bool { return c.disabled(KindVideo) }

func (c *Controller) disabled(kind TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.stream.first(kind)
	return t != nil && !t.Enabled()
}

// NewPeer creates the peer connection carrying the local tracks. Handler
// calls stop once the controller is released.
func (c *Controller) NewPeer(h PeerHandlers) (Peer, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, ErrReleased
	}
	if c.peer != nil {
		c.mu.Unlock()
		return nil, errors.New("media: peer already created")
	}
	var tracks []*LocalTrack
	if c.stream != nil {
		tracks = c.stream.Tracks
	}
	c.mu.Unlock()

	wrapped := PeerHandlers{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			if !c.isReleased() && h.OnICECandidate != nil {
				h.OnICECandidate(cand)
			}
		},
		OnConnectionState: func(s ConnState) {
			if !c.isReleased() && h.OnConnectionState != nil {
				h.OnConnectionState(s)
			}
		},
		OnTrack: func(t *RemoteTrack) {
			if c.isReleased() {
				return
			}
			c.mu.Lock()
			c.remotes = append(c.remotes, t)
			sinks := append([]RemoteSink(nil), c.remoteSinks...)
			c.mu.Unlock()
			for _, s := range sinks {
				s.AttachRemote(t)
			}
			if h.OnTrack != nil {
				h.OnTrack(t)
			}
		},
	}
	p, err := c.factory.NewPeer(tracks, wrapped)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		_ = p.Close()
		return nil, ErrReleased
	}
	c.peer = p
	return p, nil
}

// Release stops local capture and closes the peer connection. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	stream, peer := c.stream, c.peer
	c.mu.Unlock()

	if stream != nil {
		stopAll(stream.Tracks)
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			c.log.Debug("media: close peer", "err", err)
		}
	}
}

func (c *Controller) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func stopAll(tracks []*LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
