package rides

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultSweepInterval = 15 * time.Second

// ExpireStale moves every PENDING or SEARCHING_DRIVER request past its expiry
// to EXPIRED and stops its search. It returns how many requests it expired.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	open, err := c.Store.ListRequestsByStatus(ctx, models.RequestPending, models.RequestSearching)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, r := range open {
		if c.now().Before(r.ExpiresAt) {
			continue
		}
		req, ok, err := c.expireIfStale(ctx, r.ID)
		if err != nil {
			c.logger().Error("expire request", zap.String("request_id", r.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		expired++
		c.stopSearch(req.ID)
		c.announceExpired(ctx, req)
	}
	return expired, nil
}

func (c *Coordinator) expireIfStale(ctx context.Context, id string) (*models.RideRequest, bool, error) {
	unlock := c.locks.Lock(requestKey(id))
	defer unlock()
	req, err := c.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if req.Status.Terminal() || c.now().Before(req.ExpiresAt) {
		return nil, false, nil
	}
	if err := c.expireLocked(ctx, req); err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// Run sweeps on every tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := c.ExpireStale(ctx); err != nil {
				c.logger().Error("expiry sweep", zap.Error(err))
			} else if n > 0 {
				c.logger().Info("expired stale requests", zap.Int("count", n))
			}
		}
	}
}
