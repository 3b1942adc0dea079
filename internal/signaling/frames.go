package signaling

import "encoding/json"

// Frame types accepted from clients.
const (
	typeOffer           = "offer"
	typeAnswer          = "answer"
	typeCandidate       = "candidate"
	typeSubscribe       = "subscribe"
	typeChat            = "chat"
	typeViewerHeartbeat = "viewer_heartbeat"
)

// Frame types emitted to clients.
const (
	typeBroadcastStarted = "broadcast_started"
	typeStreamActive     = "stream_active"
	typeStreamWaiting    = "stream_waiting"
	typeViewerJoined     = "viewer_joined"
	typeStreamEnded      = "stream_ended"
)

// frame is the wire representation of every signaling message. SDP payloads
// and ICE candidates are relayed opaquely; the router never parses them.
type frame struct {
	Type      string          `json:"type,omitempty"`
	StreamID  string          `json:"stream_id,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	StreamKey string          `json:"stream_key,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	TargetFD  string          `json:"target_fd,omitempty"`
	ViewerFD  string          `json:"viewer_fd,omitempty"`
	FromFD    string          `json:"from_fd,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (f frame) encode() []byte {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return payload
}

func errorFrame(message string) frame {
	return frame{Error: message}
}
