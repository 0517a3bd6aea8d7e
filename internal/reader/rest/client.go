package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "priceflow/config"
	"priceflow/internal/models"
	"priceflow/internal/symbols"
	"priceflow/logger"
)

// Client is the rate-limited, connection-pooled REST client. Market data
// calls share the public budget; the authenticated account endpoints use the
// stricter private budget. Callers block in the limiter rather than failing
// when invoked too soon.
type Client struct {
	config  *appconfig.Config
	client  *http.Client
	pairs   *symbols.Map
	log     *logger.Log
	public  *rate.Limiter
	private *rate.Limiter

	cacheMu      sync.Mutex
	cachedPairs  []symbols.PairInfo
	cacheFetched time.Time
}

// envelope is the exchange's uniform REST response wrapper.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// tickerResult mirrors one pair's entry in the Ticker endpoint response.
// The 24h figures live at index 1 of each array; "o" is today's opening
// price as a plain string.
type tickerResult struct {
	Ask    []json.Number `json:"a"`
	Bid    []json.Number `json:"b"`
	Close  []json.Number `json:"c"`
	Volume []json.Number `json:"v"`
	High   []json.Number `json:"h"`
	Low    []json.Number `json:"l"`
	Open   json.Number   `json:"o"`
}

type pairResult struct {
	WSName string `json:"wsname"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Status string `json:"status"`
}

// NewClient builds a REST client with a pooled transport and one limiter per
// call class.
func NewClient(cfg *appconfig.Config, pairs *symbols.Map) *Client {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Source.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Source.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Source.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Source.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Source.Timeout}

	rl := cfg.Source.RateLimit
	c := &Client{
		config:  cfg,
		client:  httpClient,
		pairs:   pairs,
		log:     log,
		public:  rate.NewLimiter(rate.Limit(rl.PublicPerSecond), rl.Burst),
		private: rate.NewLimiter(rate.Limit(rl.PrivatePerSecond), rl.Burst),
	}

	log.WithComponent("poll_client").WithFields(logger.Fields{
		"timeout":            cfg.Source.Timeout,
		"public_per_second":  rl.PublicPerSecond,
		"private_per_second": rl.PrivatePerSecond,
	}).Info("polling client initialized")

	return c
}

// FetchTickers fetches current tickers for the given canonical symbols in
// fixed-size batches. A failed batch is reported and skipped; the remaining
// batches still produce results.
func (c *Client) FetchTickers(ctx context.Context, syms []models.Symbol) (map[models.Symbol]models.PriceUpdate, error) {
	log := c.log.WithComponent("poll_client").WithFields(logger.Fields{"operation": "fetch_tickers"})

	names := make([]string, 0, len(syms))
	for _, sym := range syms {
		if name, ok := c.pairs.RESTName(sym); ok {
			names = append(names, name)
		} else {
			log.WithFields(logger.Fields{"symbol": sym}).Warn("no REST pair for symbol, skipping")
		}
	}

	out := make(map[models.Symbol]models.PriceUpdate, len(names))
	var errs []error

	batchSize := c.config.Source.Batch.Size
	for start := 0; start < len(names); start += batchSize {
		end := start + batchSize
		if end > len(names) {
			end = len(names)
		}
		batch := names[start:end]

		if start > 0 {
			select {
			case <-time.After(c.config.Source.Batch.Pause):
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}

		body, err := c.doPublic(ctx, "/0/public/Ticker", url.Values{"pair": {strings.Join(batch, ",")}})
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"batch_size": len(batch)}).Warn("ticker batch failed")
			errs = append(errs, fmt.Errorf("ticker batch of %d pairs: %w", len(batch), err))
			continue
		}

		var result map[string]tickerResult
		if err := json.Unmarshal(body, &result); err != nil {
			errs = append(errs, fmt.Errorf("decode ticker batch: %w", err))
			continue
		}

		now := time.Now().UTC()
		for rawPair, tk := range result {
			sym, ok := c.pairs.Normalize(rawPair)
			if !ok {
				log.WithFields(logger.Fields{"pair": rawPair}).Warn("ticker for unknown pair, skipping")
				continue
			}
			out[sym] = tk.toUpdate(sym, now)
			logger.IncrementPollRead(len(body) / len(result))
		}
	}

	return out, errors.Join(errs...)
}

// FetchAssetPairs returns the tradable pair metadata. The response changes
// rarely, so it is cached for the configured TTL unless useCache is false.
func (c *Client) FetchAssetPairs(ctx context.Context, useCache bool) ([]symbols.PairInfo, error) {
	c.cacheMu.Lock()
	if useCache && c.cachedPairs != nil && time.Since(c.cacheFetched) < c.config.Source.PairsCacheTTL {
		pairs := c.cachedPairs
		c.cacheMu.Unlock()
		return pairs, nil
	}
	c.cacheMu.Unlock()

	body, err := c.doPublic(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch asset pairs: %w", err)
	}

	var result map[string]pairResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode asset pairs: %w", err)
	}

	pairs := make([]symbols.PairInfo, 0, len(result))
	for name, p := range result {
		pairs = append(pairs, symbols.PairInfo{
			Name:   name,
			WSName: p.WSName,
			Base:   p.Base,
			Quote:  p.Quote,
			Online: p.Status == "" || p.Status == "online",
		})
	}

	c.cacheMu.Lock()
	c.cachedPairs = pairs
	c.cacheFetched = time.Now()
	c.cacheMu.Unlock()

	c.log.WithComponent("poll_client").WithFields(logger.Fields{"pairs": len(pairs)}).Info("asset pairs fetched")
	return pairs, nil
}

// FetchOHLC returns historical candles for one symbol at the given interval
// in minutes.
func (c *Client) FetchOHLC(ctx context.Context, sym models.Symbol, intervalMinutes int) ([]models.Candle, error) {
	name, ok := c.pairs.RESTName(sym)
	if !ok {
		return nil, fmt.Errorf("no REST pair for symbol %s", sym)
	}

	body, err := c.doPublic(ctx, "/0/public/OHLC", url.Values{
		"pair":     {name},
		"interval": {fmt.Sprintf("%d", intervalMinutes)},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch ohlc for %s: %w", sym, err)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode ohlc: %w", err)
	}

	var rows [][]json.Number
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode ohlc rows: %w", err)
		}
		break
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			continue
		}
		ts, _ := row[0].Int64()
		count, _ := row[7].Int64()
		candles = append(candles, models.Candle{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      numToFloat(row[1]),
			High:      numToFloat(row[2]),
			Low:       numToFloat(row[3]),
			Close:     numToFloat(row[4]),
			VWAP:      numToFloat(row[5]),
			Volume:    numToFloat(row[6]),
			Count:     count,
		})
	}
	return candles, nil
}

// doPublic performs one rate-limited GET against a public endpoint, retrying
// transient failures (429 and 5xx) with exponential backoff. The unwrapped
// result payload is returned.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.public.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.config.Source.RESTURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	retry := c.config.Source.Retry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := retry.BaseDelay * (1 << (attempt - 2))
			if delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := c.doOnce(ctx, http.MethodGet, reqURL, nil, nil)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.WithComponent("poll_client").WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"path":    path,
		}).Warn("transient fetch failure, retrying")
	}
	return nil, fmt.Errorf("retry budget exhausted: %w", lastErr)
}

// doOnce performs a single HTTP exchange and unwraps the response envelope.
// retryable reports whether the failure class is worth another attempt.
func (c *Client) doOnce(ctx context.Context, method, reqURL string, headers map[string]string, body io.Reader) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, false, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("http status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("malformed response: %w", err)
	}
	if len(env.Error) > 0 {
		msg := strings.Join(env.Error, ", ")
		if strings.Contains(msg, "Rate limit") || strings.Contains(msg, "Too many requests") {
			return nil, true, fmt.Errorf("exchange error: %s", msg)
		}
		return nil, false, fmt.Errorf("exchange error: %s", msg)
	}
	return env.Result, false, nil
}

func numToFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (tk tickerResult) toUpdate(sym models.Symbol, now time.Time) models.PriceUpdate {
	price := numToFloat(at(tk.Close, 0))
	open := numToFloat(tk.Open)
	changePct := 0.0
	if open > 0 {
		changePct = (price - open) / open * 100
	}
	return models.PriceUpdate{
		Symbol:       sym,
		Price:        price,
		Timestamp:    now,
		Volume:       numToFloat(at(tk.Volume, 1)),
		Bid:          numToFloat(at(tk.Bid, 0)),
		Ask:          numToFloat(at(tk.Ask, 0)),
		High24h:      numToFloat(at(tk.High, 1)),
		Low24h:       numToFloat(at(tk.Low, 1)),
		ChangePct24h: changePct,
		Source:       models.SourcePolling,
		QualityScore: models.QualityPolling,
	}
}

func at(vals []json.Number, i int) json.Number {
	if i >= len(vals) {
		return "0"
	}
	return vals[i]
}
