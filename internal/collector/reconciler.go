package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"priceflow/internal/channel"
	"priceflow/internal/models"
	"priceflow/internal/store"
	"priceflow/logger"
)

// UpdateCallback is invoked once per accepted price update. Callbacks run on
// the reconciler goroutine and must not block.
type UpdateCallback func(models.PriceUpdate)

// reconciler is the single consumer of the ingestion queue. Both the
// streaming and polling producers feed the same queue, so merging is simply
// arrival order: the last accepted update for a symbol wins, with a
// timestamp-regression guard so a delayed poll result cannot shadow a newer
// streamed price.
type reconciler struct {
	queue *channel.Queue
	table *priceTable
	store *store.Store
	log   *logger.Log

	accepted    atomic.Int64
	rejected    atomic.Int64
	storeErrors atomic.Int64

	callbacksMu sync.RWMutex
	callbacks   []UpdateCallback
}

func newReconciler(queue *channel.Queue, table *priceTable, st *store.Store) *reconciler {
	return &reconciler{
		queue: queue,
		table: table,
		store: st,
		log:   logger.GetLogger(),
	}
}

func (r *reconciler) addCallback(cb UpdateCallback) {
	r.callbacksMu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.callbacksMu.Unlock()
}

// run drains the queue until it closes or the context is cancelled.
func (r *reconciler) run(ctx context.Context) {
	log := r.log.WithComponent("reconciler")
	log.Info("reconciler started")

	for {
		select {
		case u, ok := <-r.queue.Updates:
			if !ok {
				log.Info("ingestion queue closed, reconciler exiting")
				return
			}
			r.process(ctx, u, log)
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		}
	}
}

func (r *reconciler) process(ctx context.Context, u models.PriceUpdate, log *logger.Entry) {
	if u.Symbol == "" || u.Price <= 0 {
		r.rejected.Add(1)
		log.WithFields(logger.Fields{
			"symbol": u.Symbol,
			"price":  u.Price,
			"source": u.Source,
		}).Warn("rejecting invalid update")
		return
	}

	if !r.table.apply(u, time.Now().UTC()) {
		r.rejected.Add(1)
		log.WithFields(logger.Fields{
			"symbol": u.Symbol,
			"source": u.Source,
		}).Debug("rejecting timestamp regression")
		return
	}
	r.accepted.Add(1)

	// A persistence failure never blocks the live view.
	if err := r.store.Upsert(ctx, u); err != nil {
		r.storeErrors.Add(1)
		log.WithError(err).WithFields(logger.Fields{"symbol": u.Symbol}).Error("failed to persist update")
	}

	r.dispatch(u, log)
}

// dispatch fans an accepted update out to the registered callbacks. A
// panicking callback is isolated so it cannot take the pipeline down.
func (r *reconciler) dispatch(u models.PriceUpdate, log *logger.Entry) {
	r.callbacksMu.RLock()
	callbacks := r.callbacks
	r.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(logger.Fields{
						"symbol": u.Symbol,
						"panic":  rec,
					}).Error("update callback panicked")
				}
			}()
			cb(u)
		}()
	}
}
