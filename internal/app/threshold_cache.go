package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/remind"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultThresholdTTL bounds how stale a threshold snapshot may get.
const DefaultThresholdTTL = 5 * time.Minute

// thresholdLoadTimeout bounds a shared reload, which outlives any single caller's context.
const thresholdLoadTimeout = 10 * time.Second

// ThresholdSource loads the per-level thresholds.
type ThresholdSource interface {
	ListConfigs(ctx context.Context) ([]*remind.IntentionConfig, error)
}

// ThresholdCache keeps a time-stamped snapshot of the follow-up thresholds.
// Readers may see a snapshot up to ttl old.
type ThresholdCache struct {
	source ThresholdSource
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Entry

	mu       sync.RWMutex
	snapshot lead.Thresholds
	loadedAt time.Time
	// generation is bumped by Invalidate so an in-flight load cannot restore a dropped snapshot.
	generation uint64

	group singleflight.Group
}

func NewThresholdCache(source ThresholdSource, ttl time.Duration, now func() time.Time, logger *logrus.Entry) *ThresholdCache {
	if ttl <= 0 {
		ttl = DefaultThresholdTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ThresholdCache{
		source: source,
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

// Get returns the current thresholds, reloading them when the snapshot is older than the TTL.
// If the reload fails and an older snapshot exists, the older snapshot is returned.
func (c *ThresholdCache) Get(ctx context.Context) (lead.Thresholds, error) {
	c.mu.RLock()
	snap, loadedAt, gen := c.snapshot, c.loadedAt, c.generation
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(loadedAt) < c.ttl {
		return snap, nil
	}

	v, err, _ := c.group.Do("thresholds", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), thresholdLoadTimeout)
		defer cancel()
		return c.load(loadCtx, gen)
	})
	if err != nil {
		if snap != nil {
			c.logger.WithError(err).Warn("Threshold reload failed, serving stale snapshot")
			return snap, nil
		}
		return nil, err
	}
	return v.(lead.Thresholds), nil
}

func (c *ThresholdCache) load(ctx context.Context, gen uint64) (lead.Thresholds, error) {
	configs, err := c.source.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load follow-up thresholds: %w", err)
	}
	t := remind.Thresholds(configs)

	c.mu.Lock()
	if c.generation == gen {
		c.snapshot = t
		c.loadedAt = c.now()
	}
	c.mu.Unlock()

	c.logger.WithField("thresholds", t).Debug("Follow-up thresholds loaded")
	return t, nil
}

// MaxIdleDays returns the threshold for one level, falling back to
// lead.DefaultThresholdDays when the level is missing or the store is unreachable.
func (c *ThresholdCache) MaxIdleDays(ctx context.Context, level lead.IntentionLevel) int {
	t, err := c.Get(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("intention_level", level).Warn("Using default follow-up threshold")
	}
	days, _ := t.For(level)
	return days
}

// Invalidate drops the snapshot. Call it after writing followup_remind_config.
func (c *ThresholdCache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.loadedAt = time.Time{}
	c.generation++
	c.mu.Unlock()
	c.group.Forget("thresholds")
}
