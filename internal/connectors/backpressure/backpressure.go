// Package backpressure paces connector poll loops against queue depth,
// grounded on the teacher's token-bucket rate limiter in
// api/handlers/ratelimit.go (reservation/delay pattern) but driven by a
// high/low watermark instead of a fixed per-IP rate.
package backpressure

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/malbeclabs/timestore/internal/metrics"
)

// Config mirrors spec.md §6's connectors.backpressure block.
type Config struct {
	HighWatermark int
	LowWatermark  int
	MinPauseMs    int64
	MaxPauseMs    int64
}

func (c Config) minPause() time.Duration {
	if c.MinPauseMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.MinPauseMs) * time.Millisecond
}

func (c Config) maxPause() time.Duration {
	if c.MaxPauseMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MaxPauseMs) * time.Millisecond
}

// Controller throttles a connector's poll loop whenever queue depth
// exceeds HighWatermark, resuming once it falls back below LowWatermark.
type Controller struct {
	connectorID string
	cfg         Config
	limiter     *rate.Limiter
	paused      bool
}

func New(connectorID string, cfg Config) *Controller {
	return &Controller{
		connectorID: connectorID,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(cfg.minPause()), 1),
	}
}

// DepthFunc reports the current queue depth a connector is pacing against.
type DepthFunc func() int

// Wait returns at once if depth() is at or below HighWatermark. Otherwise it
// blocks the caller, sleeping for successive reservations clamped to
// [MinPauseMs, MaxPauseMs], and returns once depth() drops below
// LowWatermark (or ctx is cancelled).
func (c *Controller) Wait(ctx context.Context, depth DepthFunc) error {
	if depth() <= c.cfg.HighWatermark {
		return nil
	}
	if !c.paused {
		c.paused = true
		metrics.ConnectorBackpressurePauses.WithLabelValues(c.connectorID).Inc()
	}
	for {
		reservation := c.limiter.Reserve()
		delay := reservation.Delay()
		if delay < c.cfg.minPause() {
			delay = c.cfg.minPause()
		}
		if delay > c.cfg.maxPause() {
			delay = c.cfg.maxPause()
		}

		select {
		case <-ctx.Done():
			reservation.Cancel()
			return ctx.Err()
		case <-time.After(delay):
		}

		if depth() < c.cfg.LowWatermark {
			break
		}
	}
	c.paused = false
	return nil
}
