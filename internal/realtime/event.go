// Package realtime pushes call events to connected browsers over WebSocket.
package realtime

// Event is the envelope for every frame on the socket. Seq increases per
// hub so clients can notice gaps.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// Client → server
const (
	OpHeartbeat = "heartbeat"
)

// Server → client
const (
	OpReady        = "ready"
	OpHeartbeatAck = "heartbeat_ack"
	OpStatus       = "status"
	OpIncomingCall = "incoming_call"
	OpRemoteStream = "remote_stream"
	OpConnected    = "connected"
	OpCallEnded    = "call_ended"
	OpCallError    = "call_error"
)

type StatusData struct {
	Message string `json:"message"`
}

type RemoteStreamData struct {
	CallID   string `json:"call_id"`
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
}

type CallData struct {
	CallID string `json:"call_id"`
}

type CallEndedData struct {
	CallID     string `json:"call_id"`
	PeerID     string `json:"peer_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Outcome    string `json:"outcome"`
	Connected  bool   `json:"connected"`
	DurationMS int64  `json:"duration_ms"`
}

type CallErrorData struct {
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error"`
}
