package sync

import (
	"time"

	"github.com/lcarv/commdash/internal/store"
)

// Freshness windows used by the different callers.
const (
	// StartupFreshnessWindow is checked once when the daemon boots.
	StartupFreshnessWindow = 10 * time.Minute
	// BackgroundFreshnessWindow is the default for background refreshes.
	BackgroundFreshnessWindow = 30 * time.Minute

	// rapidManualWindow flags a second forced sync arriving within this
	// interval so downstream fetches prefer live data over skip heuristics.
	rapidManualWindow = 30 * time.Second
)

// Freshness decides whether the cache is recent enough to skip a sync.
// No side effects; forced syncs bypass it entirely.
type Freshness struct {
	db *store.DB
}

// NewFreshness creates a freshness policy over the given store.
func NewFreshness(db *store.DB) *Freshness {
	return &Freshness{db: db}
}

// IsFresh reports whether a full sync completed within the last maxAge.
func (f *Freshness) IsFresh(maxAge time.Duration) (bool, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	return f.db.HasCompletedFullSince(cutoff)
}
