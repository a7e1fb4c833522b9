// Package worker runs the background redelivery loop for tasks whose
// Telegram message could not be sent.
package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Retrier re-sends deferred task deliveries
type Retrier interface {
	RetryDeliveries(ctx context.Context, limit int) (int, error)
}

// Worker periodically retries deferred deliveries
type Worker struct {
	target     Retrier
	interval   time.Duration
	batch      int
	shutdown   chan struct{}
	done       chan struct{}
	ticker     *time.Ticker
	processing atomic.Bool
	cancel     context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a worker that retries up to batch tasks every interval
func New(target Retrier, interval time.Duration, batch int) *Worker {
	if batch <= 0 {
		batch = 50
	}
	return &Worker{
		target:   target,
		interval: interval,
		batch:    batch,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the worker loop
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	log.Printf("[INFO] Redelivery worker starting (interval %v)", w.interval)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.ticker = time.NewTicker(w.interval)

	go w.workerLoop(ctx)
}

// Stop gracefully shuts down the worker and waits for a running pass
func (w *Worker) Stop() {
	w.mu.Lock()
	// Check if already stopped (idempotent)
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	log.Printf("[INFO] Redelivery worker stopping...")
	close(w.shutdown)
	if started {
		w.cancel()
		w.ticker.Stop()
		<-w.done
	}
	log.Printf("[INFO] Redelivery worker stopped")
}

// workerLoop is the main worker loop
func (w *Worker) workerLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.ticker.C:
			// Skip the tick if the previous pass is still sending
			if w.processing.CompareAndSwap(false, true) {
				w.retry(ctx)
				w.processing.Store(false)
			}

		case <-w.shutdown:
			log.Printf("[INFO] Redelivery worker loop exiting")
			return
		}
	}
}

func (w *Worker) retry(ctx context.Context) {
	n, err := w.target.RetryDeliveries(ctx, w.batch)
	if err != nil {
		log.Printf("[ERROR] Failed to retry deliveries: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[INFO] Delivered %d deferred task(s)", n)
	}
}
