package router

import (
	"sort"
	"sync"

	"priceflow/internal/models"
	"priceflow/logger"
)

// Scoring weights: traded volume dominates, 24h volatility refines, and a
// tight spread earns a small bonus since tight books produce the most
// actionable streaming data.
const (
	volumeWeight       = 0.6
	volatilityWeight   = 0.4
	tightSpreadBonus   = 0.1
	tightSpreadMaxPct  = 0.001
	volatilityClampPct = 1.0
)

// Router partitions the symbol universe into the streaming tier (covered by
// the websocket client) and the polling tier (covered by REST refresh).
// A symbol belongs to exactly one tier between repartition calls.
type Router struct {
	mu        sync.RWMutex
	streaming []models.Symbol
	polling   []models.Symbol
	tier      map[models.Symbol]models.Tier
	log       *logger.Log
}

func New() *Router {
	return &Router{
		tier: map[models.Symbol]models.Tier{},
		log:  logger.GetLogger(),
	}
}

// Partition assigns every symbol in the universe to a tier. Priority symbols
// are placed into the streaming tier first in their given order; the
// remaining capacity is filled by descending score. The call is idempotent
// for identical inputs and never errors: a universe smaller than the
// streaming capacity simply leaves the polling tier empty.
func (r *Router) Partition(all []models.Symbol, stats map[models.Symbol]models.SymbolStats, streamingCapacity int, priority []models.Symbol) (streaming, polling []models.Symbol) {
	if streamingCapacity < 0 {
		streamingCapacity = 0
	}

	inUniverse := make(map[models.Symbol]struct{}, len(all))
	for _, sym := range all {
		inUniverse[sym] = struct{}{}
	}

	placed := make(map[models.Symbol]struct{}, streamingCapacity)
	streaming = make([]models.Symbol, 0, streamingCapacity)
	for _, sym := range priority {
		if len(streaming) >= streamingCapacity {
			break
		}
		if _, ok := inUniverse[sym]; !ok {
			continue
		}
		if _, dup := placed[sym]; dup {
			continue
		}
		placed[sym] = struct{}{}
		streaming = append(streaming, sym)
	}

	rest := make([]models.Symbol, 0, len(all))
	for _, sym := range all {
		if _, ok := placed[sym]; !ok {
			rest = append(rest, sym)
		}
	}

	scores := scoreSymbols(rest, stats)
	sort.SliceStable(rest, func(i, j int) bool {
		si, sj := scores[rest[i]], scores[rest[j]]
		if si != sj {
			return si > sj
		}
		return rest[i] < rest[j]
	})

	for _, sym := range rest {
		if len(streaming) < streamingCapacity {
			streaming = append(streaming, sym)
		} else {
			polling = append(polling, sym)
		}
	}

	tier := make(map[models.Symbol]models.Tier, len(all))
	for _, sym := range streaming {
		tier[sym] = models.TierStreaming
	}
	for _, sym := range polling {
		tier[sym] = models.TierPolling
	}

	r.mu.Lock()
	r.streaming = streaming
	r.polling = polling
	r.tier = tier
	r.mu.Unlock()

	r.log.WithComponent("symbol_router").WithFields(logger.Fields{
		"universe":  len(all),
		"streaming": len(streaming),
		"polling":   len(polling),
	}).Info("symbol universe partitioned")

	return streaming, polling
}

// scoreSymbols normalizes volume across the set so no single whale symbol
// saturates the weight.
func scoreSymbols(syms []models.Symbol, stats map[models.Symbol]models.SymbolStats) map[models.Symbol]float64 {
	maxVolume := 0.0
	for _, sym := range syms {
		if s, ok := stats[sym]; ok {
			v := s.Volume * s.Price
			if v > maxVolume {
				maxVolume = v
			}
		}
	}

	scores := make(map[models.Symbol]float64, len(syms))
	for _, sym := range syms {
		s, ok := stats[sym]
		if !ok {
			scores[sym] = 0
			continue
		}
		score := 0.0
		if maxVolume > 0 {
			score += volumeWeight * (s.Volume * s.Price / maxVolume)
		}
		vol := s.Volatility()
		if vol > volatilityClampPct {
			vol = volatilityClampPct
		}
		score += volatilityWeight * vol
		if sp := s.SpreadPct(); sp > 0 && sp < tightSpreadMaxPct {
			score += tightSpreadBonus
		}
		scores[sym] = score
	}
	return scores
}

// TierOf reports the current tier assignment for a symbol.
func (r *Router) TierOf(sym models.Symbol) (models.Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tier[sym]
	return t, ok
}

// StreamingTier returns a copy of the current streaming tier.
func (r *Router) StreamingTier() []models.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Symbol, len(r.streaming))
	copy(out, r.streaming)
	return out
}

// PollingTier returns a copy of the current polling tier.
func (r *Router) PollingTier() []models.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Symbol, len(r.polling))
	copy(out, r.polling)
	return out
}
