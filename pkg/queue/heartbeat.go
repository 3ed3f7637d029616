package queue

import (
	"context"
	"time"

	"autosint/pkg/ids"
	"autosint/pkg/logx"
)

// RunHeartbeat refreshes processorID's liveness key every interval until ctx
// is cancelled. It is started as a task independent of the Processor's work
// loop so a long-blocked external call never causes a false-dead heartbeat.
func RunHeartbeat(ctx context.Context, c *Client, processorID ids.ProcessorID, ttl, interval time.Duration) {
	logger := logx.NewLogger("heartbeat")

	if err := c.Heartbeat(ctx, processorID, ttl); err != nil {
		logger.Warn("initial heartbeat for %s failed: %v", processorID, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, processorID, ttl); err != nil {
				logger.Warn("heartbeat refresh for %s failed: %v", processorID, err)
			}
		}
	}
}
