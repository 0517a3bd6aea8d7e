package collector

import (
	"sync"
	"time"

	"priceflow/internal/models"
)

// priceTable is the authoritative in-memory view: the newest accepted update
// per symbol plus per-source arrival times. Writes come only from the
// reconciler goroutine; reads hand out copies.
type priceTable struct {
	mu      sync.RWMutex
	entries map[models.Symbol]*models.PriceTableEntry
}

func newPriceTable() *priceTable {
	return &priceTable{entries: map[models.Symbol]*models.PriceTableEntry{}}
}

// seed installs recovered updates without touching the per-source arrival
// times, so recovered symbols read as never-seen until live data arrives.
func (t *priceTable) seed(latest map[models.Symbol]models.PriceUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, u := range latest {
		t.entries[sym] = &models.PriceTableEntry{
			Update:           u,
			LastSourceSeenAt: map[models.Source]time.Time{},
		}
	}
}

// apply installs an update unless its timestamp regresses behind the current
// entry. The source's arrival time is recorded either way: a rejected frame
// still proves its producer is alive.
func (t *priceTable) apply(u models.PriceUpdate, arrivedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[u.Symbol]
	if !ok {
		entry = &models.PriceTableEntry{LastSourceSeenAt: map[models.Source]time.Time{}}
		t.entries[u.Symbol] = entry
	}
	entry.LastSourceSeenAt[u.Source] = arrivedAt

	if ok && u.Timestamp.Before(entry.Update.Timestamp) {
		return false
	}
	entry.Update = u
	return true
}

// lastSeen returns when the given source last delivered anything for the
// symbol, and whether it ever has.
func (t *priceTable) lastSeen(sym models.Symbol, src models.Source) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[sym]
	if !ok {
		return time.Time{}, false
	}
	ts, ok := entry.LastSourceSeenAt[src]
	return ts, ok
}

// snapshot copies the current update per symbol.
func (t *priceTable) snapshot() map[models.Symbol]models.PriceUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.Symbol]models.PriceUpdate, len(t.entries))
	for sym, entry := range t.entries {
		out[sym] = entry.Update
	}
	return out
}

// get returns the current update for one symbol.
func (t *priceTable) get(sym models.Symbol) (models.PriceUpdate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[sym]
	if !ok {
		return models.PriceUpdate{}, false
	}
	return entry.Update, true
}

func (t *priceTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
