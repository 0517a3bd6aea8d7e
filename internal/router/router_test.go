package router

import (
	"testing"

	"priceflow/internal/models"
)

func statsFor(syms ...models.Symbol) map[models.Symbol]models.SymbolStats {
	stats := map[models.Symbol]models.SymbolStats{}
	base := 1.0
	for i, sym := range syms {
		// later symbols get larger volume so scoring order is predictable
		stats[sym] = models.SymbolStats{
			Volume:  base * float64(i+1),
			Price:   100,
			High24h: 101,
			Low24h:  99,
			Bid:     99.99,
			Ask:     100.01,
		}
	}
	return stats
}

func TestPartitionDisjointAndCovering(t *testing.T) {
	all := []models.Symbol{"BTC", "ETH", "SOL", "XRP", "ADA"}
	r := New()
	streaming, polling := r.Partition(all, statsFor(all...), 3, nil)

	if len(streaming) != 3 || len(polling) != 2 {
		t.Fatalf("got %d/%d want 3/2", len(streaming), len(polling))
	}

	seen := map[models.Symbol]int{}
	for _, s := range streaming {
		seen[s]++
	}
	for _, s := range polling {
		seen[s]++
	}
	if len(seen) != len(all) {
		t.Errorf("partition does not cover universe: %v", seen)
	}
	for sym, n := range seen {
		if n != 1 {
			t.Errorf("symbol %s appears %d times", sym, n)
		}
	}
}

func TestPartitionPriorityFirst(t *testing.T) {
	all := []models.Symbol{"BTC", "ETH", "SOL", "XRP"}
	r := New()
	streaming, _ := r.Partition(all, statsFor(all...), 2, []models.Symbol{"ADA", "XRP", "BTC"})

	// ADA is not in the universe and must be skipped; XRP and BTC fill the
	// capacity in priority order.
	if len(streaming) != 2 || streaming[0] != "XRP" || streaming[1] != "BTC" {
		t.Errorf("streaming=%v want [XRP BTC]", streaming)
	}
}

func TestPartitionScoringOrder(t *testing.T) {
	all := []models.Symbol{"AAA", "BBB", "CCC"}
	stats := map[models.Symbol]models.SymbolStats{
		"AAA": {Volume: 10, Price: 100, High24h: 101, Low24h: 99, Bid: 99.99, Ask: 100.01},
		"BBB": {Volume: 1000, Price: 100, High24h: 101, Low24h: 99, Bid: 99.99, Ask: 100.01},
		"CCC": {Volume: 100, Price: 100, High24h: 101, Low24h: 99, Bid: 99.99, Ask: 100.01},
	}
	r := New()
	streaming, polling := r.Partition(all, stats, 1, nil)
	if streaming[0] != "BBB" {
		t.Errorf("highest volume symbol should stream, got %v", streaming)
	}
	if len(polling) != 2 {
		t.Errorf("polling=%v want 2 symbols", polling)
	}
}

func TestPartitionSmallUniverse(t *testing.T) {
	all := []models.Symbol{"BTC", "ETH"}
	r := New()
	streaming, polling := r.Partition(all, statsFor(all...), 10, nil)
	if len(streaming) != 2 || len(polling) != 0 {
		t.Errorf("got %d/%d want 2/0", len(streaming), len(polling))
	}
}

func TestPartitionIdempotent(t *testing.T) {
	all := []models.Symbol{"BTC", "ETH", "SOL", "XRP"}
	stats := statsFor(all...)
	r := New()
	s1, p1 := r.Partition(all, stats, 2, []models.Symbol{"BTC"})
	s2, p2 := r.Partition(all, stats, 2, []models.Symbol{"BTC"})

	if len(s1) != len(s2) || len(p1) != len(p2) {
		t.Fatal("partition sizes changed between identical calls")
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Errorf("streaming[%d] %s != %s", i, s1[i], s2[i])
		}
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Errorf("polling[%d] %s != %s", i, p1[i], p2[i])
		}
	}
}

func TestTierOf(t *testing.T) {
	all := []models.Symbol{"BTC", "ETH", "SOL"}
	r := New()
	r.Partition(all, statsFor(all...), 1, []models.Symbol{"BTC"})

	if tier, ok := r.TierOf("BTC"); !ok || tier != models.TierStreaming {
		t.Errorf("TierOf(BTC)=%v,%v", tier, ok)
	}
	if tier, ok := r.TierOf("ETH"); !ok || tier != models.TierPolling {
		t.Errorf("TierOf(ETH)=%v,%v", tier, ok)
	}
	if _, ok := r.TierOf("XRP"); ok {
		t.Error("TierOf should miss for symbols outside the universe")
	}
}
