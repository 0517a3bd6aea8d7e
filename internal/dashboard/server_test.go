package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/collector"
	"priceflow/internal/models"
	"priceflow/internal/reader/stream"
	"priceflow/internal/store"
	"priceflow/internal/symbols"
)

type idleStream struct{}

func (idleStream) Start(ctx context.Context) error { return nil }

func (idleStream) Stop() {}

func (idleStream) Subscribe(syms []models.Symbol) {}

func (idleStream) OnUpdate(h stream.UpdateHandler) {}

func (idleStream) OnConnectionChange(h stream.StateHandler) {}

func (idleStream) State() models.ConnectionState { return models.StateDisconnected }

type idleREST struct{}

func (idleREST) FetchAssetPairs(ctx context.Context, useCache bool) ([]symbols.PairInfo, error) {
	return nil, nil
}

func (idleREST) FetchTickers(ctx context.Context, syms []models.Symbol) (map[models.Symbol]models.PriceUpdate, error) {
	return nil, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "prices.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &appconfig.Config{
		Channels: appconfig.ChannelsConfig{UpdateBuffer: 8},
	}
	col := collector.New(cfg, symbols.NewMap("USD"), idleStream{}, idleREST{}, st)

	return NewServer(appconfig.DashboardConfig{
		Enabled:         true,
		Address:         ":8077",
		RefreshInterval: time.Second,
	}, col)
}

func TestDisabledServerIsNil(t *testing.T) {
	if s := NewServer(appconfig.DashboardConfig{Enabled: false}, nil); s != nil {
		t.Fatal("disabled config must yield a nil server")
	}
	var s *Server
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run must be a no-op, got %v", err)
	}
}

func TestAPIEndpoints(t *testing.T) {
	s := testServer(t)
	router, err := s.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status=%d want 200", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["streaming_state"] != "disconnected" {
		t.Errorf("streaming_state=%v", health["streaming_state"])
	}

	resp, err = http.Get(ts.URL + "/api/prices/BTC")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown symbol status=%d want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats collector.Statistics
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("stats decode: %v", err)
	}
	if stats.TotalUpdates != 0 {
		t.Errorf("idle collector total=%d want 0", stats.TotalUpdates)
	}
}

func TestStatsStoreKeepsMostRecent(t *testing.T) {
	s := newStatsStore(3)
	for i := 0; i < 5; i++ {
		s.add(statsSample{Stats: collector.Statistics{TotalUpdates: int64(i)}})
	}
	got := s.snapshot()
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	if got[0].Stats.TotalUpdates != 2 || got[2].Stats.TotalUpdates != 4 {
		t.Errorf("kept wrong window: %v..%v", got[0].Stats.TotalUpdates, got[2].Stats.TotalUpdates)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":               "0.0.0.0:8077",
		":9000":          "0.0.0.0:9000",
		"127.0.0.1:9000": "127.0.0.1:9000",
		"*:9000":         "0.0.0.0:9000",
		"localhost":      "localhost:8077",
	}
	for in, want := range cases {
		if got := normalizeAddress(in); got != want {
			t.Errorf("normalizeAddress(%q)=%q want %q", in, got, want)
		}
	}
}
