package collector

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/models"
	"priceflow/internal/reader/stream"
	"priceflow/internal/store"
	"priceflow/internal/symbols"
)

type fakeStream struct {
	mu            sync.Mutex
	updateHandler []stream.UpdateHandler
	stateHandler  []stream.StateHandler
	subscribed    []models.Symbol
	state         models.ConnectionState
	started       bool
}

func (f *fakeStream) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.state = models.StateLive
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.state = models.StateDisconnected
	f.mu.Unlock()
}

func (f *fakeStream) Subscribe(syms []models.Symbol) {
	f.mu.Lock()
	f.subscribed = append([]models.Symbol(nil), syms...)
	f.mu.Unlock()
}

func (f *fakeStream) OnUpdate(h stream.UpdateHandler) {
	f.mu.Lock()
	f.updateHandler = append(f.updateHandler, h)
	f.mu.Unlock()
}

func (f *fakeStream) OnConnectionChange(h stream.StateHandler) {
	f.mu.Lock()
	f.stateHandler = append(f.stateHandler, h)
	f.mu.Unlock()
}

func (f *fakeStream) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) emit(u models.PriceUpdate) {
	f.mu.Lock()
	handlers := f.updateHandler
	f.mu.Unlock()
	for _, h := range handlers {
		h(u)
	}
}

func (f *fakeStream) subscribedSymbols() []models.Symbol {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Symbol(nil), f.subscribed...)
}

type fakeREST struct {
	mu      sync.Mutex
	pairs   []symbols.PairInfo
	tickers map[models.Symbol]models.PriceUpdate
	fetches [][]models.Symbol
}

func (f *fakeREST) FetchAssetPairs(ctx context.Context, useCache bool) ([]symbols.PairInfo, error) {
	return f.pairs, nil
}

func (f *fakeREST) FetchTickers(ctx context.Context, syms []models.Symbol) (map[models.Symbol]models.PriceUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, append([]models.Symbol(nil), syms...))
	out := map[models.Symbol]models.PriceUpdate{}
	for _, sym := range syms {
		if u, ok := f.tickers[sym]; ok {
			out[sym] = u
		}
	}
	return out, nil
}

func (f *fakeREST) setTicker(u models.PriceUpdate) {
	f.mu.Lock()
	if f.tickers == nil {
		f.tickers = map[models.Symbol]models.PriceUpdate{}
	}
	f.tickers[u.Symbol] = u
	f.mu.Unlock()
}

func polledUpdate(sym models.Symbol, price float64, ts time.Time) models.PriceUpdate {
	return models.PriceUpdate{
		Symbol:       sym,
		Price:        price,
		Timestamp:    ts,
		Volume:       100,
		Bid:          price - 1,
		Ask:          price + 1,
		Source:       models.SourcePolling,
		QualityScore: models.QualityPolling,
	}
}

func streamedUpdate(sym models.Symbol, price float64, ts time.Time) models.PriceUpdate {
	u := polledUpdate(sym, price, ts)
	u.Source = models.SourceStreaming
	u.QualityScore = models.QualityStreaming
	return u
}

func collectorConfig(t *testing.T) *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{UpdateBuffer: 64},
		Collector: appconfig.CollectorConfig{
			QuoteCurrency:       "USD",
			StreamingCapacity:   1,
			PrioritySymbols:     []models.Symbol{"BTC"},
			HTTPUpdateInterval:  10 * time.Millisecond,
			StalenessThreshold:  time.Minute,
			RepartitionInterval: time.Hour,
		},
		Storage: appconfig.StorageConfig{
			SQLite: appconfig.SQLiteConfig{Path: filepath.Join(t.TempDir(), "prices.db")},
		},
	}
}

func testPairs() []symbols.PairInfo {
	return []symbols.PairInfo{
		{Name: "XXBTZUSD", WSName: "XBT/USD", Base: "XXBT", Quote: "ZUSD", Online: true},
		{Name: "XETHZUSD", WSName: "ETH/USD", Base: "XETH", Quote: "ZUSD", Online: true},
	}
}

func newTestCollector(t *testing.T, cfg *appconfig.Config) (*Collector, *fakeStream, *fakeREST, *store.Store) {
	t.Helper()
	st, err := store.Open(cfg.Storage.SQLite.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fs := &fakeStream{}
	fr := &fakeREST{pairs: testPairs()}
	now := time.Now().UTC()
	fr.setTicker(polledUpdate("BTC", 50000, now))
	fr.setTicker(polledUpdate("ETH", 3000, now))

	return New(cfg, symbols.NewMap("USD"), fs, fr, st), fs, fr, st
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCollectorStartAndBootstrap(t *testing.T) {
	c, fs, _, _ := newTestCollector(t, collectorConfig(t))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start must fail while running")
	}

	// Priority symbol takes the single streaming slot; the rest polls.
	subs := fs.subscribedSymbols()
	if len(subs) != 1 || subs[0] != "BTC" {
		t.Errorf("streaming subscription=%v want [BTC]", subs)
	}

	// Bootstrap tickers flow through the pipeline into the live view.
	waitFor(t, time.Second, func() bool {
		return len(c.LatestPrices()) == 2
	}, "bootstrap prices never reached the table")

	prices := c.LatestPrices()
	if prices["BTC"].Price != 50000 || prices["ETH"].Price != 3000 {
		t.Errorf("prices=%v", prices)
	}

	stats := c.Statistics()
	if stats.UniverseSize != 2 {
		t.Errorf("universe=%d want 2", stats.UniverseSize)
	}
	if stats.StreamingSymbols != 1 || stats.PollingSymbols != 1 {
		t.Errorf("tiers=%d/%d want 1/1", stats.StreamingSymbols, stats.PollingSymbols)
	}
	if stats.CoveragePct != 100 {
		t.Errorf("coverage=%v want 100", stats.CoveragePct)
	}
}

func TestStreamedUpdateWinsOverBootstrap(t *testing.T) {
	c, fs, _, _ := newTestCollector(t, collectorConfig(t))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, time.Second, func() bool {
		u, ok := c.LatestPrice("BTC")
		return ok && u.Price == 50000
	}, "bootstrap price missing")

	fs.emit(streamedUpdate("BTC", 50500, time.Now().UTC().Add(time.Second)))

	waitFor(t, time.Second, func() bool {
		u, _ := c.LatestPrice("BTC")
		return u.Price == 50500 && u.Source == models.SourceStreaming
	}, "streamed update never won")
}

func TestTimestampRegressionRejected(t *testing.T) {
	c, fs, _, _ := newTestCollector(t, collectorConfig(t))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	now := time.Now().UTC()
	fs.emit(streamedUpdate("BTC", 51000, now.Add(time.Minute)))
	waitFor(t, time.Second, func() bool {
		u, _ := c.LatestPrice("BTC")
		return u.Price == 51000
	}, "fresh update missing")

	before := c.Statistics().Rejected
	fs.emit(streamedUpdate("BTC", 49000, now.Add(-time.Minute)))

	waitFor(t, time.Second, func() bool {
		return c.Statistics().Rejected > before
	}, "regression never counted as rejected")

	if u, _ := c.LatestPrice("BTC"); u.Price != 51000 {
		t.Errorf("price=%v, stale update must not overwrite newer one", u.Price)
	}
}

func TestInvalidUpdatesRejected(t *testing.T) {
	c, fs, _, _ := newTestCollector(t, collectorConfig(t))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	before := c.Statistics().Rejected
	fs.emit(streamedUpdate("BTC", 0, time.Now().UTC().Add(time.Hour)))
	fs.emit(streamedUpdate("", 100, time.Now().UTC().Add(time.Hour)))

	waitFor(t, time.Second, func() bool {
		return c.Statistics().Rejected >= before+2
	}, "invalid updates never rejected")
}

func TestCallbackDispatchAndPanicIsolation(t *testing.T) {
	c, fs, _, _ := newTestCollector(t, collectorConfig(t))

	var mu sync.Mutex
	var received []models.PriceUpdate
	c.AddCallback(func(models.PriceUpdate) { panic("boom") })
	c.AddCallback(func(u models.PriceUpdate) {
		mu.Lock()
		received = append(received, u)
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	fs.emit(streamedUpdate("ETH", 3100, time.Now().UTC().Add(time.Minute)))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range received {
			if u.Symbol == "ETH" && u.Price == 3100 {
				return true
			}
		}
		return false
	}, "callback after a panicking one never ran")
}

func TestWarmRestartRecoversPrices(t *testing.T) {
	cfg := collectorConfig(t)
	c, fs, _, st := newTestCollector(t, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	fs.emit(streamedUpdate("BTC", 52000, time.Now().UTC().Add(time.Minute)))
	waitFor(t, time.Second, func() bool {
		u, _ := c.LatestPrice("BTC")
		return u.Price == 52000
	}, "update missing before restart")
	c.Stop()

	// New collector over the same store; REST returns nothing so the only
	// BTC price it can know is the recovered one.
	fs2 := &fakeStream{}
	fr2 := &fakeREST{pairs: testPairs()}
	c2 := New(cfg, symbols.NewMap("USD"), fs2, fr2, st)
	if err := c2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c2.Stop()

	u, ok := c2.LatestPrice("BTC")
	if !ok || u.Price != 52000 {
		t.Errorf("recovered BTC=%+v want price 52000", u)
	}
}

func TestPollingRefreshesPollingTier(t *testing.T) {
	c, _, fr, _ := newTestCollector(t, collectorConfig(t))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// ETH lost the streaming slot to the priority symbol, so the poll loop
	// must keep fetching it.
	fr.setTicker(polledUpdate("ETH", 3333, time.Now().UTC().Add(time.Minute)))

	waitFor(t, 2*time.Second, func() bool {
		u, _ := c.LatestPrice("ETH")
		return u.Price == 3333
	}, "polling tier never refreshed")
}

func TestRotateMovesStreamingSlot(t *testing.T) {
	cfg := collectorConfig(t)
	cfg.Collector.PrioritySymbols = nil
	c, fs, _, _ := newTestCollector(t, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// BTC's notional dominates the bootstrap stats, so it takes the slot.
	if subs := fs.subscribedSymbols(); len(subs) != 1 || subs[0] != "BTC" {
		t.Fatalf("initial subscription=%v want [BTC]", subs)
	}

	// Activity moves: ETH turns over far more volume than BTC.
	u := polledUpdate("ETH", 3000, time.Now().UTC().Add(time.Minute))
	u.Volume = 1e6
	fs.emit(u)
	waitFor(t, time.Second, func() bool {
		got, _ := c.LatestPrice("ETH")
		return got.Volume == 1e6
	}, "high-volume ETH update missing from table")

	streaming, polling := c.Rotate()
	if len(streaming) != 1 || streaming[0] != "ETH" {
		t.Errorf("streaming tier=%v want [ETH]", streaming)
	}
	if len(polling) != 1 || polling[0] != "BTC" {
		t.Errorf("polling tier=%v want [BTC]", polling)
	}
	if subs := fs.subscribedSymbols(); len(subs) != 1 || subs[0] != "ETH" {
		t.Errorf("subscription after rotation=%v want [ETH]", subs)
	}
}

func TestStaleStreamingSymbolFallsBackToPolling(t *testing.T) {
	cfg := collectorConfig(t)
	cfg.Collector.StalenessThreshold = 50 * time.Millisecond
	c, fs, fr, _ := newTestCollector(t, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// BTC holds the streaming slot and delivers one frame, then goes quiet.
	fs.emit(streamedUpdate("BTC", 50500, time.Now().UTC().Add(time.Second)))
	waitFor(t, time.Second, func() bool {
		u, _ := c.LatestPrice("BTC")
		return u.Source == models.SourceStreaming
	}, "streamed BTC update missing")

	fr.setTicker(polledUpdate("BTC", 50750, time.Now().UTC().Add(time.Minute)))

	// Once the threshold passes, the staleness scan backfills BTC over REST
	// and the table entry flips to the polling source.
	waitFor(t, 2*time.Second, func() bool {
		u, _ := c.LatestPrice("BTC")
		return u.Price == 50750 && u.Source == models.SourcePolling
	}, "stale streaming symbol never fell back to polling")

	// The backfill targets the stale symbol alone, not the whole universe.
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var targeted bool
	for _, fetch := range fr.fetches {
		if len(fetch) == 1 && fetch[0] == "BTC" {
			targeted = true
		}
	}
	if !targeted {
		t.Errorf("no targeted BTC fetch among %v", fr.fetches)
	}
}

func TestStalenessMonitorGraceAndDetection(t *testing.T) {
	table := newPriceTable()
	m := newStalenessMonitor(table, time.Minute)
	now := time.Now().UTC()
	tier := []models.Symbol{"BTC", "ETH"}

	// First scan starts the grace window, nothing is stale yet.
	if stale := m.findStale(tier, now); len(stale) != 0 {
		t.Errorf("stale=%v on first scan, want none", stale)
	}

	// ETH received a frame recently; BTC never did and its grace expired.
	table.apply(streamedUpdate("ETH", 3000, now), now)
	stale := m.findStale(tier, now.Add(2*time.Minute))
	if len(stale) != 1 || stale[0] != "BTC" {
		t.Errorf("stale=%v want [BTC]", stale)
	}

	// A symbol that left the tier is forgotten.
	if stale := m.findStale([]models.Symbol{"ETH"}, now.Add(3*time.Minute)); len(stale) != 0 {
		t.Errorf("stale=%v after BTC left the tier", stale)
	}

	// ETH goes quiet long enough to trip the threshold.
	stale = m.findStale([]models.Symbol{"ETH"}, now.Add(10*time.Minute))
	if len(stale) != 1 || stale[0] != "ETH" {
		t.Errorf("stale=%v want [ETH]", stale)
	}
}

func TestStatisticsCounts(t *testing.T) {
	c, fs, _, _ := newTestCollector(t, collectorConfig(t))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	base := time.Now().UTC().Add(time.Minute)
	for i := 0; i < 5; i++ {
		fs.emit(streamedUpdate("BTC", 50000+float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	waitFor(t, time.Second, func() bool {
		return c.Statistics().TotalUpdates >= 5
	}, "accepted count never reached 5")

	stats := c.Statistics()
	if stats.StreamingState != "live" {
		t.Errorf("streaming state=%q want live", stats.StreamingState)
	}
	if stats.UpdatesPerMinute <= 0 {
		t.Errorf("updates per minute=%v want > 0", stats.UpdatesPerMinute)
	}
	if stats.ActiveSymbols == 0 {
		t.Error("active symbols should not be zero")
	}
}
