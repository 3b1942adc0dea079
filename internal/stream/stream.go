// Package stream owns the authoritative lifecycle of live streams: record
// creation, stream-key issuance and validation, and fan-out of live state to
// the shared KV store so sibling workers observe a coherent view.
package stream

// Status describes the lifecycle state of a stream. Transitions only advance:
// pending -> live -> ended.
type Status string

const (
	StatusPending Status = "pending"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

// Stream is the worker-local record of a live media session.
type Stream struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Status    Status            `json:"status"`
	StartedAt *int64            `json:"startedAt,omitempty"`
	EndedAt   *int64            `json:"endedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s Stream) clone() Stream {
	out := s
	if s.StartedAt != nil {
		v := *s.StartedAt
		out.StartedAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		out.EndedAt = &v
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
