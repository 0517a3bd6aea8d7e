package writer

import (
	"strings"
	"testing"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/models"
	"priceflow/logger"
)

func archiveConfig() *appconfig.Config {
	return &appconfig.Config{
		Storage: appconfig.StorageConfig{
			Archive: appconfig.ArchiveConfig{
				Bucket:    "ticks",
				Prefix:    "priceflow",
				BatchSize: 100,
			},
		},
	}
}

func TestAddBuffersUpdates(t *testing.T) {
	w := &ArchiveWriter{config: archiveConfig(), log: logger.GetLogger()}

	for i := 0; i < 3; i++ {
		w.Add(models.PriceUpdate{Symbol: "BTC", Price: float64(50000 + i)})
	}

	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	if len(w.buffer) != 3 {
		t.Fatalf("buffered=%d want 3", len(w.buffer))
	}
}

func TestObjectKeyPartitioning(t *testing.T) {
	w := &ArchiveWriter{config: archiveConfig(), log: logger.GetLogger()}
	now := time.Date(2026, 9, 1, 14, 15, 0, 0, time.UTC)

	key := w.objectKey(now)
	if !strings.HasPrefix(key, "priceflow/date=2026-09-01/hour=14/ticks_20260901141500_") {
		t.Errorf("key=%q missing expected partition path", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key=%q missing parquet suffix", key)
	}
	if strings.Contains(key, "\\") {
		t.Errorf("key=%q must use forward slashes", key)
	}
}

func TestBuildParquetRoundsAllEntries(t *testing.T) {
	entries := []models.PriceUpdate{
		{Symbol: "BTC", Price: 50000, Volume: 12, Source: models.SourceStreaming, QualityScore: 1.0, Timestamp: time.Now().UTC()},
		{Symbol: "ETH", Price: 3000, Volume: 40, Source: models.SourcePolling, QualityScore: 0.9, Timestamp: time.Now().UTC()},
	}

	data, err := buildParquet(entries)
	if err != nil {
		t.Fatalf("buildParquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files end with the magic footer.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Error("output is not a finalized parquet file")
	}
}
