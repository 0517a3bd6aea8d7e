package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/internal/models"
	"priceflow/internal/reader/stream"
	"priceflow/internal/router"
	"priceflow/internal/store"
	"priceflow/internal/symbols"
	"priceflow/logger"
)

// streamingClient is the push-feed side of the collector.
type streamingClient interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(syms []models.Symbol)
	OnUpdate(h stream.UpdateHandler)
	OnConnectionChange(h stream.StateHandler)
	State() models.ConnectionState
}

// pollingClient is the REST side of the collector.
type pollingClient interface {
	FetchTickers(ctx context.Context, syms []models.Symbol) (map[models.Symbol]models.PriceUpdate, error)
	FetchAssetPairs(ctx context.Context, useCache bool) ([]symbols.PairInfo, error)
}

// Statistics is a point-in-time snapshot of the collector's health.
type Statistics struct {
	TotalUpdates     int64         `json:"total_updates"`
	Rejected         int64         `json:"rejected"`
	Dropped          int64         `json:"dropped"`
	StoreErrors      int64         `json:"store_errors"`
	UpdatesPerMinute float64       `json:"updates_per_minute"`
	StreamingState   string        `json:"streaming_state"`
	ActiveSymbols    int           `json:"active_symbols"`
	UniverseSize     int           `json:"universe_size"`
	StreamingSymbols int           `json:"streaming_symbols"`
	PollingSymbols   int           `json:"polling_symbols"`
	CoveragePct      float64       `json:"coverage_pct"`
	Uptime           time.Duration `json:"uptime"`
}

// Collector wires the streaming and polling clients, the symbol router, the
// reconciliation pipeline and the durable store into one component. Start
// brings the whole pipeline up; Stop tears it down in dependency order.
type Collector struct {
	config  *appconfig.Config
	pairs   *symbols.Map
	stream  streamingClient
	rest    pollingClient
	router  *router.Router
	queue   *channel.Queue
	table   *priceTable
	store   *store.Store
	recon   *reconciler
	monitor *stalenessMonitor
	log     *logger.Log

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	reconDone chan struct{}
	startedAt time.Time

	universeMu sync.RWMutex
	universe   []models.Symbol
}

// New assembles a collector. The store must already be open; the caller keeps
// ownership of it.
func New(cfg *appconfig.Config, pairs *symbols.Map, sc streamingClient, pc pollingClient, st *store.Store) *Collector {
	queue := channel.NewQueue(cfg.Channels.UpdateBuffer)
	table := newPriceTable()
	return &Collector{
		config:  cfg,
		pairs:   pairs,
		stream:  sc,
		rest:    pc,
		router:  router.New(),
		queue:   queue,
		table:   table,
		store:   st,
		recon:   newReconciler(queue, table, st),
		monitor: newStalenessMonitor(table, cfg.Collector.StalenessThreshold),
		log:     logger.GetLogger(),
	}
}

// AddCallback registers a function invoked once per accepted update.
// Callbacks run on the reconciliation goroutine and must return quickly.
func (c *Collector) AddCallback(cb UpdateCallback) {
	c.recon.addCallback(cb)
}

// Start recovers persisted state, discovers the symbol universe, partitions
// it and launches all workers. It returns once the pipeline is running;
// failures before the first partition abort the start.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.startedAt = time.Now()
	c.reconDone = make(chan struct{})
	c.mu.Unlock()

	log := c.log.WithComponent("collector").WithFields(logger.Fields{"operation": "Start"})

	recovered, err := c.store.LoadLatest(c.ctx)
	if err != nil {
		c.markStopped()
		return fmt.Errorf("recover persisted prices: %w", err)
	}
	c.table.seed(recovered)
	log.WithFields(logger.Fields{"recovered_symbols": len(recovered)}).Info("warm restart from price store")

	pairInfos, err := c.rest.FetchAssetPairs(c.ctx, true)
	if err != nil {
		c.markStopped()
		return fmt.Errorf("discover tradable pairs: %w", err)
	}
	c.pairs.Rebuild(pairInfos)

	stats, err := c.bootstrapUniverse()
	if err != nil {
		c.markStopped()
		return fmt.Errorf("bootstrap symbol universe: %w", err)
	}

	streaming, polling := c.partition(stats)
	log.WithFields(logger.Fields{
		"universe":  len(c.Universe()),
		"streaming": len(streaming),
		"polling":   len(polling),
	}).Info("initial partition complete")

	c.stream.OnUpdate(func(u models.PriceUpdate) {
		c.queue.Send(c.ctx, u)
	})
	c.stream.OnConnectionChange(func(s models.ConnectionState) {
		if s == models.StateFailed {
			log.Error("streaming connection entered failed state, polling continues alone")
		}
	})
	c.stream.Subscribe(streaming)
	if err := c.stream.Start(c.ctx); err != nil {
		c.markStopped()
		return fmt.Errorf("start streaming client: %w", err)
	}

	go func() {
		defer close(c.reconDone)
		c.recon.run(c.ctx)
	}()

	c.wg.Add(3)
	go c.pollLoop()
	go c.stalenessLoop()
	go c.repartitionLoop()

	log.Info("collector started")
	return nil
}

// Stop tears the pipeline down: producers first, then the queue, then the
// reconciler. The call blocks until shutdown completes or a bounded timeout
// passes.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	reconDone := c.reconDone
	c.mu.Unlock()

	log := c.log.WithComponent("collector")
	log.Info("stopping collector")

	cancel()
	c.stream.Stop()
	c.wg.Wait()
	c.queue.Close()

	select {
	case <-reconDone:
	case <-time.After(5 * time.Second):
		log.Warn("reconciler did not drain within shutdown timeout")
	}
	log.Info("collector stopped")
}

// LatestPrices returns a copy of the newest accepted update per symbol.
func (c *Collector) LatestPrices() map[models.Symbol]models.PriceUpdate {
	return c.table.snapshot()
}

// LatestPrice returns the newest accepted update for one symbol.
func (c *Collector) LatestPrice(sym models.Symbol) (models.PriceUpdate, bool) {
	return c.table.get(sym)
}

// Universe returns a copy of the current symbol universe.
func (c *Collector) Universe() []models.Symbol {
	c.universeMu.RLock()
	defer c.universeMu.RUnlock()
	out := make([]models.Symbol, len(c.universe))
	copy(out, c.universe)
	return out
}

// StreamingTier returns the symbols currently covered by the websocket feed.
func (c *Collector) StreamingTier() []models.Symbol {
	return c.router.StreamingTier()
}

// PollingTier returns the symbols currently covered by REST refresh.
func (c *Collector) PollingTier() []models.Symbol {
	return c.router.PollingTier()
}

// Statistics reports the collector's current health figures.
func (c *Collector) Statistics() Statistics {
	queueStats := c.queue.GetStats()
	accepted := c.recon.accepted.Load()
	universe := c.Universe()

	perMinute := 0.0
	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()
	if !startedAt.IsZero() {
		if minutes := time.Since(startedAt).Minutes(); minutes > 0 {
			perMinute = float64(accepted) / minutes
		}
	}

	snapshot := c.table.snapshot()
	covered := 0
	for _, sym := range universe {
		if _, ok := snapshot[sym]; ok {
			covered++
		}
	}
	coverage := 0.0
	if len(universe) > 0 {
		coverage = float64(covered) / float64(len(universe)) * 100
	}

	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	return Statistics{
		TotalUpdates:     accepted,
		Rejected:         c.recon.rejected.Load(),
		Dropped:          queueStats.Dropped,
		StoreErrors:      c.recon.storeErrors.Load(),
		UpdatesPerMinute: perMinute,
		StreamingState:   c.stream.State().String(),
		ActiveSymbols:    c.table.size(),
		UniverseSize:     len(universe),
		StreamingSymbols: len(c.router.StreamingTier()),
		PollingSymbols:   len(c.router.PollingTier()),
		CoveragePct:      coverage,
		Uptime:           uptime,
	}
}

// bootstrapUniverse fetches one ticker round over every tradable pair to
// build the scoring stats, feeds those prices into the pipeline as the first
// polled observations and trims the universe to the configured cap.
func (c *Collector) bootstrapUniverse() (map[models.Symbol]models.SymbolStats, error) {
	excluded := make(map[models.Symbol]struct{}, len(c.config.Collector.ExcludeSymbols))
	for _, sym := range c.config.Collector.ExcludeSymbols {
		excluded[sym] = struct{}{}
	}

	candidates := make([]models.Symbol, 0, c.pairs.Len())
	for _, sym := range c.pairs.Symbols() {
		if _, skip := excluded[sym]; !skip {
			candidates = append(candidates, sym)
		}
	}

	updates, err := c.rest.FetchTickers(c.ctx, candidates)
	if err != nil && len(updates) == 0 {
		return nil, err
	}
	if err != nil {
		c.log.WithComponent("collector").WithError(err).Warn("partial bootstrap, continuing with fetched tickers")
	}

	stats := make(map[models.Symbol]models.SymbolStats, len(updates))
	for sym, u := range updates {
		stats[sym] = models.SymbolStats{
			Volume:  u.Volume,
			Price:   u.Price,
			High24h: u.High24h,
			Low24h:  u.Low24h,
			Bid:     u.Bid,
			Ask:     u.Ask,
		}
		c.queue.Send(c.ctx, u)
	}

	universe := make([]models.Symbol, 0, len(updates))
	for sym := range updates {
		universe = append(universe, sym)
	}
	sort.Slice(universe, func(i, j int) bool {
		vi := stats[universe[i]].Volume * stats[universe[i]].Price
		vj := stats[universe[j]].Volume * stats[universe[j]].Price
		if vi != vj {
			return vi > vj
		}
		return universe[i] < universe[j]
	})
	if limit := c.config.Collector.UniverseCap; limit > 0 && len(universe) > limit {
		universe = universe[:limit]
	}
	sort.Slice(universe, func(i, j int) bool { return universe[i] < universe[j] })

	c.universeMu.Lock()
	c.universe = universe
	c.universeMu.Unlock()

	return stats, nil
}

func (c *Collector) partition(stats map[models.Symbol]models.SymbolStats) (streaming, polling []models.Symbol) {
	return c.router.Partition(
		c.Universe(),
		stats,
		c.config.Collector.StreamingCapacity,
		c.config.Collector.PrioritySymbols,
	)
}

// pollLoop refreshes the polling tier on the configured interval.
func (c *Collector) pollLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"worker": "poll_loop"})

	ticker := time.NewTicker(c.config.Collector.HTTPUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.refreshSymbols(c.router.PollingTier(), log)
		case <-c.ctx.Done():
			log.Info("poll loop stopped")
			return
		}
	}
}

// stalenessLoop scans the streaming tier and falls back to REST for symbols
// the websocket went quiet on.
func (c *Collector) stalenessLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"worker": "staleness_loop"})

	// Stale symbols are backfilled over REST, so scanning faster than the
	// polling cadence would not produce fresher data.
	interval := c.config.Collector.HTTPUpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stale := c.monitor.findStale(c.router.StreamingTier(), time.Now().UTC())
			if len(stale) == 0 {
				continue
			}
			log.WithFields(logger.Fields{"stale_symbols": len(stale)}).Warn("streamed symbols went stale, refreshing over REST")
			c.refreshSymbols(stale, log)
		case <-c.ctx.Done():
			log.Info("staleness loop stopped")
			return
		}
	}
}

// repartitionLoop recomputes the tier split from live stats so the streaming
// capacity follows where the activity moved.
func (c *Collector) repartitionLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"worker": "repartition_loop"})

	interval := c.config.Collector.RepartitionInterval
	if interval <= 0 {
		log.Info("repartitioning disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Rotate()
		case <-c.ctx.Done():
			log.Info("repartition loop stopped")
			return
		}
	}
}

// Rotate recomputes the tier split from the stats in the live price table and
// moves the websocket subscription to the new streaming tier. The repartition
// loop calls it on its interval; callers can invoke it directly to force a
// rotation, for example after changing priority symbols.
func (c *Collector) Rotate() (streaming, polling []models.Symbol) {
	stats := make(map[models.Symbol]models.SymbolStats)
	for sym, u := range c.table.snapshot() {
		stats[sym] = models.SymbolStats{
			Volume:  u.Volume,
			Price:   u.Price,
			High24h: u.High24h,
			Low24h:  u.Low24h,
			Bid:     u.Bid,
			Ask:     u.Ask,
		}
	}
	streaming, polling = c.partition(stats)
	c.stream.Subscribe(streaming)
	c.log.WithComponent("collector").WithFields(logger.Fields{
		"streaming": len(streaming),
		"polling":   len(polling),
	}).Info("universe repartitioned")
	c.log.LogMetric("collector", "streaming_tier_size", len(streaming), "gauge", nil)
	return streaming, polling
}

// refreshSymbols polls one batch of symbols and feeds the results into the
// ingestion queue.
func (c *Collector) refreshSymbols(syms []models.Symbol, log *logger.Entry) {
	if len(syms) == 0 {
		return
	}
	updates, err := c.rest.FetchTickers(c.ctx, syms)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"symbols": len(syms)}).Warn("ticker refresh failed")
	}
	for _, u := range updates {
		c.queue.Send(c.ctx, u)
	}
}

func (c *Collector) markStopped() {
	c.mu.Lock()
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}
