package collector

import (
	"sync"
	"time"

	"priceflow/internal/models"
)

// stalenessMonitor watches the streaming tier for symbols whose websocket
// frames stopped arriving. A stale symbol is handed to the polling client for
// a one-off refresh so its price keeps moving while the connection recovers.
type stalenessMonitor struct {
	table     *priceTable
	threshold time.Duration

	mu           sync.Mutex
	firstTracked map[models.Symbol]time.Time
}

func newStalenessMonitor(table *priceTable, threshold time.Duration) *stalenessMonitor {
	return &stalenessMonitor{
		table:        table,
		threshold:    threshold,
		firstTracked: map[models.Symbol]time.Time{},
	}
}

// findStale returns the streaming-tier symbols with no streamed frame inside
// the threshold. Symbols never seen on the socket get a grace window from the
// moment they entered the tier, so a fresh subscription is not instantly
// flagged.
func (m *stalenessMonitor) findStale(streamingTier []models.Symbol, now time.Time) []models.Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()

	inTier := make(map[models.Symbol]struct{}, len(streamingTier))
	var stale []models.Symbol
	for _, sym := range streamingTier {
		inTier[sym] = struct{}{}

		last, seen := m.table.lastSeen(sym, models.SourceStreaming)
		if !seen {
			first, tracked := m.firstTracked[sym]
			if !tracked {
				m.firstTracked[sym] = now
				continue
			}
			last = first
		}
		if now.Sub(last) > m.threshold {
			stale = append(stale, sym)
		}
	}

	// Forget symbols that moved out of the streaming tier.
	for sym := range m.firstTracked {
		if _, ok := inTier[sym]; !ok {
			delete(m.firstTracked, sym)
		}
	}
	return stale
}
