package cadence

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// timeoutLoop sweeps the operation table every TimeoutInterval.
func (c *Client) timeoutLoop() {
	defer c.supervisors.Done()

	ticker := time.NewTicker(c.settings.TimeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.expireOperations()
		}
	}
}

// expireOperations removes every expired operation from the table, then
// in the background tells the proxy to cancel each one before resolving it
// as cancelled. Expired cancel requests are resolved without sending a
// cancel of their own.
func (c *Client) expireOperations() int {
	expired := c.operations.RemoveExpired()
	if len(expired) == 0 {
		return 0
	}
	c.metrics.RequestsTimedOut.Add(int64(len(expired)))

	c.background.Add(1)
	go func() {
		defer c.background.Done()

		var g errgroup.Group
		g.SetLimit(c.config.cancelFanout)
		for _, op := range expired {
			g.Go(func() error {
				c.logger.Warn("operation timed out",
					"type", op.Request.Type.String(), "request_id", op.ID, "timeout", op.Timeout)
				if op.Request.Type != CancelRequest {
					c.cancelRemote(op.ID)
				}
				op.resolve(nil, &cancelError{cause: ErrOperationTimedOut})
				return nil
			})
		}
		_ = g.Wait()
	}()

	return len(expired)
}
