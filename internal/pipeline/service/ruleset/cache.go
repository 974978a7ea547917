package ruleset

import (
	"context"
	"sync"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

// Cache is a read-through index of enabled rules by metric type. Entries are
// reloaded when older than ttl or after a local write; other replicas see
// changes within ttl.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu       sync.RWMutex
	byMetric map[string][]*model.AlertRule
	loadedAt time.Time
	valid    bool
}

func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

// Refresh reloads the whole rule set from the store.
func (c *Cache) Refresh(ctx context.Context) error {
	rules, err := c.store.ListRules(ctx)
	if err != nil {
		return err
	}
	idx := make(map[string][]*model.AlertRule)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		idx[r.MetricType] = append(idx[r.MetricType], r)
	}
	c.mu.Lock()
	c.byMetric = idx
	c.loadedAt = c.now()
	c.valid = true
	c.mu.Unlock()
	return nil
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// RulesFor serves the cached rules, reloading first when stale. A failed
// reload keeps serving the previous snapshot.
func (c *Cache) RulesFor(ctx context.Context, metricType string) []*model.AlertRule {
	c.mu.RLock()
	fresh := c.valid && c.now().Sub(c.loadedAt) < c.ttl
	rules := c.byMetric[metricType]
	c.mu.RUnlock()
	if fresh {
		return rules
	}
	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("rule cache refresh failed, serving stale rules")
		return rules
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byMetric[metricType]
}

// Current bypasses the cache. A deleted rule yields (nil, nil).
func (c *Cache) Current(ctx context.Context, id string) (*model.AlertRule, error) {
	r, err := c.store.GetRule(ctx, id)
	if model.IsNotFound(err) {
		return nil, nil
	}
	return r, err
}

// Run refreshes the cache every ttl until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial rule cache load failed")
	}
	t := time.NewTicker(c.ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("rule cache refresh failed")
			}
		}
	}
}
