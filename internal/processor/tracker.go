package processor

import (
	"sync"

	"github.com/lossprevention/lp-vlm/internal/models"
)

// Tracker holds the state of the current (or last) run
type Tracker struct {
	mu  sync.RWMutex
	run *models.RunResult
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) start(run *models.RunResult) {
	t.mu.Lock()
	t.run = run
	t.mu.Unlock()
}

// update applies fn to the tracked run and returns a copy of the result
func (t *Tracker) update(fn func(r *models.RunResult)) *models.RunResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.run)
	return t.run.Clone()
}

// Snapshot returns a copy of the tracked run, or nil before the first run
func (t *Tracker) Snapshot() *models.RunResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.run == nil {
		return nil
	}
	return t.run.Clone()
}
