package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// PeerHandlers are fixed when the peer is created.
type PeerHandlers struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(ConnState)
	OnTrack           func(*RemoteTrack)
}

// Peer is one side of a peer connection.
type Peer interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcceptOffer applies the remote offer and returns the applied answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate must only be called once the remote description is set.
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

type PeerFactory interface {
	NewPeer(tracks []*LocalTrack, h PeerHandlers) (Peer, error)
}
