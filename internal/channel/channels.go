package channel

import (
	"context"
	"sync"

	"priceflow/internal/models"
	"priceflow/logger"
)

type QueueStats struct {
	Sent    int64
	Dropped int64
}

// Queue is the single ingestion queue between the streaming/polling producers
// and the reconciler. The buffer is bounded; when it is full the oldest
// pending update is discarded so that producers never block and fresh data
// wins over backed-up data.
type Queue struct {
	Updates chan models.PriceUpdate

	stats      QueueStats
	statsMutex sync.RWMutex
	sendMutex  sync.Mutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewQueue(bufferSize int) *Queue {
	log := logger.GetLogger()
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	q := &Queue{
		Updates: make(chan models.PriceUpdate, bufferSize),
		log:     log,
	}

	log.WithComponent("ingest_queue").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("ingestion queue initialized")

	return q
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.Updates)
		q.log.WithComponent("ingest_queue").Info("ingestion queue closed")
	})
}

// Send enqueues an update, evicting the oldest pending one when the buffer is
// full. Returns false only when ctx is already cancelled.
func (q *Queue) Send(ctx context.Context, u models.PriceUpdate) bool {
	if ctx.Err() != nil {
		return false
	}

	// Serialize the evict-then-push sequence so two producers cannot both
	// evict for the same free slot.
	q.sendMutex.Lock()
	defer q.sendMutex.Unlock()

	select {
	case q.Updates <- u:
		q.incrementSent()
		return true
	default:
	}

	select {
	case old := <-q.Updates:
		q.incrementDropped()
		q.log.WithComponent("ingest_queue").WithFields(logger.Fields{
			"symbol": old.Symbol,
			"source": old.Source,
		}).Warn("queue full, dropping oldest update")
	default:
	}

	select {
	case q.Updates <- u:
		q.incrementSent()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) incrementSent() {
	q.statsMutex.Lock()
	q.stats.Sent++
	q.statsMutex.Unlock()
	logger.RecordChannelMessage("ingest_queue", 0)
}

func (q *Queue) incrementDropped() {
	q.statsMutex.Lock()
	q.stats.Dropped++
	q.statsMutex.Unlock()
}

func (q *Queue) GetStats() QueueStats {
	q.statsMutex.RLock()
	defer q.statsMutex.RUnlock()
	return q.stats
}
