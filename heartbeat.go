package cadence

import (
	"context"
	"time"
)

// heartbeatLoop pings the proxy every HeartbeatInterval. After
// MaxHeartbeatFailures consecutive failures the connection is failed with
// a *TimeoutError. A success resets the count.
func (c *Client) heartbeatLoop() {
	defer c.supervisors.Done()

	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if c.closing.Load() {
			return
		}

		err := c.heartbeat()
		if err == nil {
			failures = 0
			continue
		}

		// heartbeats racing a shutdown are expected to fail
		if c.closing.Load() {
			return
		}

		failures++
		c.metrics.HeartbeatsFailed.Add(1)
		c.logger.Warn("heartbeat failed",
			"failures", failures, "max", c.settings.MaxHeartbeatFailures, "error", err)

		if failures >= c.settings.MaxHeartbeatFailures {
			c.fail(&TimeoutError{Op: "heartbeat", Failures: failures, Err: err})
			return
		}
	}
}

// heartbeat sends one request. The wait is bounded locally; a heartbeat is
// never cancelled on the proxy side and is exempt from the timeout sweep.
func (c *Client) heartbeat() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.settings.HeartbeatTimeout)
	defer cancel()

	c.metrics.HeartbeatsSent.Add(1)
	reply, err := c.call(ctx, NewRequest(HeartbeatRequest), 0, callOpts{tolerateSendErr: true})
	if err != nil {
		return err
	}
	return reply.Err()
}
