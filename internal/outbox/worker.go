package outbox

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker polls for due entries and processes them on a bounded pool. Multiple
// worker processes are safe: Claim is the only admission, so a race costs one
// extra no-op UPDATE.
type Worker struct {
	service      *Service
	store        *Store
	pollInterval time.Duration
	staleAfter   time.Duration
	concurrency  int
	batchLimit   int32
	logger       *slog.Logger
}

func NewWorker(log *slog.Logger, service *Service, store *Store, pollInterval, staleAfter time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		service:      service,
		store:        store,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		concurrency:  concurrency,
		batchLimit:   50,
		logger:       log.With(slog.String("service", "outbox.worker")),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker started",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("concurrency", w.concurrency))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(w.staleAfter)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return ctx.Err()
		case <-staleTicker.C:
			if _, err := w.store.RequeueStale(ctx, w.staleAfter); err != nil {
				w.logger.Error("requeue stale entries", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			if err := w.drain(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("process due entries", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	due, err := w.store.ListDue(ctx, w.batchLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, entry := range due {
		g.Go(func() error {
			if err := w.service.Process(gctx, entry.ID); err != nil {
				w.logger.Error("process outbox entry",
					slog.String("entry_id", entry.ID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	return g.Wait()
}
