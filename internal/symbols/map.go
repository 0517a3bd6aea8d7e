package symbols

import (
	"sort"
	"strings"
	"sync"
)

// PairInfo describes one tradable pair from the asset-pairs metadata
// endpoint.
type PairInfo struct {
	Name   string // REST pair name, e.g. "XXBTZUSD"
	WSName string // websocket pair name, e.g. "XBT/USD"
	Base   string // raw base asset, e.g. "XXBT"
	Quote  string // raw quote asset, e.g. "ZUSD"
	Online bool
}

// Map translates between raw exchange pair spellings and canonical symbols.
// It is built once from the asset-pairs metadata and safe for concurrent
// reads; Rebuild swaps the tables atomically.
type Map struct {
	mu        sync.RWMutex
	quote     string
	byRaw     map[string]string // raw pair (REST or WS spelling) -> canonical
	toWSName  map[string]string // canonical -> websocket pair name
	toRESTNam map[string]string // canonical -> REST pair name
}

// NewMap creates a pair map restricted to pairs quoted in the given currency
// (canonical spelling, e.g. "USD").
func NewMap(quoteCurrency string) *Map {
	return &Map{
		quote:     strings.ToUpper(quoteCurrency),
		byRaw:     map[string]string{},
		toWSName:  map[string]string{},
		toRESTNam: map[string]string{},
	}
}

// Rebuild replaces the translation tables from fresh metadata. Offline pairs
// and pairs in other quote currencies are skipped.
func (m *Map) Rebuild(pairs []PairInfo) {
	byRaw := map[string]string{}
	toWS := map[string]string{}
	toREST := map[string]string{}

	for _, p := range pairs {
		if !p.Online {
			continue
		}
		if CanonicalAsset(p.Quote) != m.quote {
			continue
		}
		sym := CanonicalAsset(p.Base)
		if sym == "" {
			continue
		}
		byRaw[strings.ToUpper(p.Name)] = sym
		if p.WSName != "" {
			byRaw[strings.ToUpper(p.WSName)] = sym
			// first spelling wins so numbered variants do not shadow the
			// primary pair
			if _, ok := toWS[sym]; !ok {
				toWS[sym] = p.WSName
			}
		}
		if _, ok := toREST[sym]; !ok {
			toREST[sym] = p.Name
		}
	}

	m.mu.Lock()
	m.byRaw = byRaw
	m.toWSName = toWS
	m.toRESTNam = toREST
	m.mu.Unlock()
}

// Normalize resolves a raw pair spelling to its canonical symbol. When the
// pair is not in the table it falls back to splitting the spelling and
// normalizing the base asset; a pair that cannot be resolved returns ok=false
// and must be rejected by the caller.
func (m *Map) Normalize(rawPair string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(rawPair))
	m.mu.RLock()
	sym, ok := m.byRaw[key]
	m.mu.RUnlock()
	if ok {
		return sym, true
	}
	if base, quote, split := SplitPair(key); split {
		if CanonicalAsset(quote) == m.quote {
			return CanonicalAsset(base), true
		}
		return "", false
	}
	return "", false
}

// WSName returns the websocket pair spelling for a canonical symbol.
func (m *Map) WSName(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.toWSName[symbol]
	return name, ok
}

// RESTName returns the REST pair spelling for a canonical symbol.
func (m *Map) RESTName(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.toRESTNam[symbol]
	return name, ok
}

// Symbols lists every canonical symbol in the map in sorted order.
func (m *Map) Symbols() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.toRESTNam))
	for sym := range m.toRESTNam {
		out = append(out, sym)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len reports how many canonical symbols are currently mapped.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.toRESTNam)
}
