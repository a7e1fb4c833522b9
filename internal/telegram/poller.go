package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// UpdateHandler processes one update
type UpdateHandler func(ctx context.Context, u Update)

type updateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poller feeds long-polled updates to a handler until stopped
type Poller struct {
	source   updateSource
	handler  UpdateHandler
	timeout  time.Duration
	backoff  time.Duration
	logger   *slog.Logger
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewPoller creates a poller; timeout is the server-side long-poll duration
func NewPoller(source updateSource, handler UpdateHandler, timeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		handler:  handler,
		timeout:  timeout,
		backoff:  2 * time.Second,
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in a background goroutine
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.logger.Info("telegram poller starting", "timeout", p.timeout)
	go p.loop(ctx)
}

// Stop interrupts the current poll and waits for the loop to exit. It is
// safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("telegram poller stopping")
		close(p.shutdown)
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		p.logger.Info("telegram poller stopped")
	})
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	var offset int64
	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("telegram getUpdates failed", "error", err)
			select {
			case <-p.shutdown:
				return
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.handler(ctx, u)
		}
	}
}
