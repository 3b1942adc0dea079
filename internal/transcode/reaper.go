package transcode

import (
	"context"
	"time"
)

// DefaultReapInterval is how often the reaper probes encoder liveness.
const DefaultReapInterval = 15 * time.Second

// RunReaper periodically probes every registered encoder and invokes onDead
// for streams whose process has died, so the caller can end the stream and
// clean up. Blocks until the context is cancelled.
func (s *Supervisor) RunReaper(ctx context.Context, interval time.Duration, onDead func(streamID string)) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.ActiveStreams() {
				if s.IsActive(id) {
					continue
				}
				s.logger.Warn("encoder died unexpectedly", "stream_id", id)
				if onDead != nil {
					onDead(id)
				}
			}
		}
	}
}
