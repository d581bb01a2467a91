package location

import (
	"sync"
	"time"
)

// Fix is a single best-effort position snapshot.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker caches the most recent fix reported by the UI. Consumers read it
// best-effort: a stale or absent fix yields nil, never a block.
type Tracker struct {
	maxAge time.Duration

	mu      sync.RWMutex
	current *Fix

	now func() time.Time
}

func NewTracker(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Tracker{maxAge: maxAge, now: time.Now}
}

// Set records a new fix, stamping it with the current time if unset.
func (t *Tracker) Set(fix Fix) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = t.now().UTC()
	}

	t.mu.Lock()
	t.current = &fix
	t.mu.Unlock()
}

// Current returns the latest fix, or nil if none has been reported or the
// last one is older than the staleness window.
func (t *Tracker) Current() *Fix {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return nil
	}
	if t.now().Sub(t.current.Timestamp) > t.maxAge {
		return nil
	}

	fix := *t.current
	return &fix
}
