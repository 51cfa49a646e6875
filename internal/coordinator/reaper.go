package coordinator

import (
	"context"
	"log"
	"time"
)

// StartReapers runs the background loops that expire stale typing markers
// and idle sessions. It blocks until ctx is cancelled, so run it on its own
// goroutine.
func StartReapers(ctx context.Context, c *Coordinator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[coordinator] reaper loop stopped")
			return
		case <-ticker.C:
			if n := c.ReapTypingMarkers(); n > 0 {
				log.Printf("[coordinator] reaper: expired %d typing markers", n)
			}
			if n := c.ReapIdleSessions(ctx); n > 0 {
				log.Printf("[coordinator] reaper: removed %d idle sessions", n)
			}
		}
	}
}
