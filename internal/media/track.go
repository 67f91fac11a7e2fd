package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrMediaAccessDenied = errors.New("media: access to capture devices denied")
	ErrReleased          = errors.New("media: controller released")
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is one captured track. Disabling it stops samples from being
// sent without renegotiating.
type LocalTrack struct {
	kind    TrackKind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewLocalTrack creates an Opus (audio) or VP8 (video) sample track.
func NewLocalTrack(kind TrackKind, streamID string) (*LocalTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case KindVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, errors.New("media: unknown track kind")
	}
	tr, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, track: tr, stopped: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() TrackKind { return t.kind }

func (t *LocalTrack) ID() string { return t.track.ID() }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// WriteSample forwards a captured sample unless the track is disabled or stopped.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	select {
	case <-t.stopped:
		return nil
	default:
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop ends capture for this track. Idempotent.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

func (t *LocalTrack) Stopped() <-chan struct{} { return t.stopped }

func (t *LocalTrack) pion() webrtc.TrackLocal { return t.track }

// LocalStream is the set of tracks acquired for one call.
type LocalStream struct {
	ID     string
	Tracks []*LocalTrack
}

func (s *LocalStream) first(kind TrackKind) *LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// RemoteTrack is a track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind

	track *webrtc.TrackRemote
}

func newRemoteTrack(tr *webrtc.TrackRemote) *RemoteTrack {
	kind := KindVideo
	if tr.Kind() == webrtc.RTPCodecTypeAudio {
		kind = KindAudio
	}
	return &RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: kind, track: tr}
}
