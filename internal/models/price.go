package models

import "time"

// Symbol is a canonical asset identifier such as "BTC". Exchange specific
// spellings (XXBT, XBT/USD, PI_XBTUSD, ...) are translated to a Symbol by the
// symbols package before anything downstream sees them.
type Symbol = string

// Tier assigns a symbol to exactly one of the two data sources.
type Tier int

const (
	TierStreaming Tier = iota
	TierPolling
)

func (t Tier) String() string {
	switch t {
	case TierStreaming:
		return "streaming"
	case TierPolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Source identifies which client produced a price update.
type Source string

const (
	SourceStreaming Source = "streaming"
	SourcePolling   Source = "polling"
)

// Quality scores attached to updates per source. Streaming data is both
// fresher and pushed, so it carries the full score; polled data is slightly
// discounted to express the priority tie-break.
const (
	QualityStreaming = 1.0
	QualityPolling   = 0.9
)

// PriceUpdate is one timestamped price observation for a symbol from one
// source. Values are immutable once produced; they are created by a client,
// consumed once by the reconciler and then discarded.
type PriceUpdate struct {
	Symbol       Symbol    `json:"symbol"`
	Price        float64   `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
	Volume       float64   `json:"volume"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	High24h      float64   `json:"high_24h"`
	Low24h       float64   `json:"low_24h"`
	ChangePct24h float64   `json:"change_pct_24h"`
	Source       Source    `json:"source"`
	QualityScore float64   `json:"quality_score"`
}

// Spread returns the absolute bid/ask spread, zero when either side is
// missing.
func (u PriceUpdate) Spread() float64 {
	if u.Bid <= 0 || u.Ask <= 0 || u.Ask < u.Bid {
		return 0
	}
	return u.Ask - u.Bid
}

// Change24h returns the absolute 24h price change derived from the
// percentage change.
func (u PriceUpdate) Change24h() float64 {
	if u.ChangePct24h == 0 {
		return 0
	}
	open := u.Price / (1 + u.ChangePct24h/100)
	return u.Price - open
}

// PriceTableEntry is the authoritative per-symbol record. It is owned
// exclusively by the reconciler; everyone else reads copies.
type PriceTableEntry struct {
	Update           PriceUpdate
	LastSourceSeenAt map[Source]time.Time
}

// SymbolStats carries the per-symbol figures used by the router's scoring
// function.
type SymbolStats struct {
	Volume  float64
	Price   float64
	High24h float64
	Low24h  float64
	Bid     float64
	Ask     float64
}

// Volatility is the 24h range relative to the last price.
func (s SymbolStats) Volatility() float64 {
	if s.Price <= 0 || s.High24h <= s.Low24h {
		return 0
	}
	return (s.High24h - s.Low24h) / s.Price
}

// SpreadPct is the bid/ask spread relative to the last price.
func (s SymbolStats) SpreadPct() float64 {
	if s.Price <= 0 || s.Bid <= 0 || s.Ask <= s.Bid {
		return 0
	}
	return (s.Ask - s.Bid) / s.Price
}

// ConnectionState tracks the streaming client's lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribing
	StateLive
	StateDegraded
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Candle is a single OHLC bar returned by the historical candles endpoint.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	VWAP      float64
	Volume    float64
	Count     int64
}

// Balance is one asset balance from the authenticated account endpoint.
type Balance struct {
	Asset  Symbol
	Amount float64
}

// Trade is one fill from the authenticated trade-history endpoint.
type Trade struct {
	ID        string
	Pair      string
	Side      string
	Price     float64
	Volume    float64
	Cost      float64
	Fee       float64
	Timestamp time.Time
}
