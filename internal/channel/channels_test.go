package channel

import (
	"context"
	"testing"
	"time"

	"priceflow/internal/models"
)

func update(sym string, price float64) models.PriceUpdate {
	return models.PriceUpdate{
		Symbol:       sym,
		Price:        price,
		Timestamp:    time.Now(),
		Source:       models.SourceStreaming,
		QualityScore: models.QualityStreaming,
	}
}

func TestQueueSendAndStats(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()
	ctx := context.Background()

	if !q.Send(ctx, update("BTC", 1)) {
		t.Fatal("send failed on empty queue")
	}
	if !q.Send(ctx, update("ETH", 2)) {
		t.Fatal("send failed below capacity")
	}

	stats := q.GetStats()
	if stats.Sent != 2 || stats.Dropped != 0 {
		t.Fatalf("stats=%+v want sent=2 dropped=0", stats)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()
	ctx := context.Background()

	q.Send(ctx, update("BTC", 1))
	q.Send(ctx, update("BTC", 2))

	got := <-q.Updates
	if got.Price != 2 {
		t.Errorf("expected newest update to survive, got price %v", got.Price)
	}

	stats := q.GetStats()
	if stats.Dropped != 1 {
		t.Errorf("dropped=%d want 1", stats.Dropped)
	}
	if stats.Sent != 2 {
		t.Errorf("sent=%d want 2", stats.Sent)
	}
}

func TestQueueSendCancelledContext(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if q.Send(ctx, update("BTC", 1)) {
		t.Error("send should fail with cancelled context")
	}
}
