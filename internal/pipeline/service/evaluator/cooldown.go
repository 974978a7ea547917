package evaluator

import (
	"context"
	"sync"
	"time"
)

// CooldownStore decides, atomically per key, whether a breach may fire.
// TryAcquire returns true and records now when the key has not fired within
// cooldown; otherwise it returns false and leaves the record untouched.
type CooldownStore interface {
	TryAcquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error)
}

// CooldownKey identifies one (rule, entity) pair.
func CooldownKey(ruleID, entityKey string) string {
	return ruleID + "|" + entityKey
}

type cooldownEntry struct {
	last  time.Time
	until time.Time
}

// MemCooldown is a process-local CooldownStore.
type MemCooldown struct {
	mu      sync.Mutex
	entries map[string]cooldownEntry
}

func NewMemCooldown() *MemCooldown {
	return &MemCooldown{entries: map[string]cooldownEntry{}}
}

func (m *MemCooldown) TryAcquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && now.Sub(e.last) < cooldown {
		return false, nil
	}
	m.entries[key] = cooldownEntry{last: now, until: now.Add(cooldown)}
	return true, nil
}

// Sweep forgets keys whose cooldown ended before now.
func (m *MemCooldown) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !e.until.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *MemCooldown) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunSweeper sweeps every interval until ctx is done.
func (m *MemCooldown) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}
