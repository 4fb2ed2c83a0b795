package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notification"
)

type Claimer interface {
	ClaimNext(ctx context.Context, q dispatch.ClaimQuery) ([]*notification.Notification, error)
}

// Processor runs one attempt on a claimed notification.
type Processor interface {
	Attempt(ctx context.Context, n *notification.Notification) error
}

type Config struct {
	// Concurrency is the number of attempts allowed in flight across both
	// passes.
	Concurrency int
	// BatchSize caps how many rows one poll claims.
	BatchSize       int
	PendingInterval time.Duration
	RetryInterval   time.Duration
}

// Worker polls the store with two independent passes, the pending scan and
// the retry pass, and runs claimed attempts on a shared bounded pool.
type Worker struct {
	store  Claimer
	proc   Processor
	config Config
	logger *zap.Logger
	now    func() time.Time

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

type pass struct {
	name     string
	from     notification.Status
	interval time.Duration
}

func New(store Claimer, proc Processor, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 15 * time.Second
	}

	return &Worker{
		store:  store,
		proc:   proc,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// WithClock replaces the time used to decide which rows are due.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Start runs both passes until ctx is cancelled, then waits for attempts
// already in flight to persist their outcome.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Int("batch_size", w.config.BatchSize),
		zap.Duration("pending_interval", w.config.PendingInterval),
		zap.Duration("retry_interval", w.config.RetryInterval),
	)

	var loops sync.WaitGroup
	for _, p := range []pass{
		{name: "pending", from: notification.StatusPending, interval: w.config.PendingInterval},
		{name: "retry", from: notification.StatusFailed, interval: w.config.RetryInterval},
	} {
		loops.Add(1)
		go func(p pass) {
			defer loops.Done()
			w.run(ctx, p)
		}(p)
	}
	loops.Wait()

	w.logger.Info("worker stopping, waiting for in-flight attempts")
	w.inflight.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) run(ctx context.Context, p pass) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Keep polling without waiting for the ticker while a pass keeps
		// filling its batch.
		for w.poll(ctx, p) == w.config.BatchSize {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll claims at most as many rows as there are free workers and hands
// each one to the pool. It returns the number claimed.
func (w *Worker) poll(ctx context.Context, p pass) int {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0
	}
	slots := 1
	for slots < w.config.BatchSize && w.sem.TryAcquire(1) {
		slots++
	}

	claimed, err := w.store.ClaimNext(ctx, dispatch.ClaimQuery{From: p.from, Limit: slots, Now: w.now()})
	if err != nil {
		w.sem.Release(int64(slots))
		if ctx.Err() == nil {
			w.logger.Error("claim failed", zap.String("pass", p.name), zap.Error(err))
		}
		return 0
	}
	if unused := slots - len(claimed); unused > 0 {
		w.sem.Release(int64(unused))
	}
	if len(claimed) == 0 {
		return 0
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].Priority.Rank() < claimed[j].Priority.Rank()
	})
	metrics.RecordClaimed(p.name, len(claimed))
	w.logger.Debug("claimed notifications", zap.String("pass", p.name), zap.Int("count", len(claimed)))

	// Attempts already claimed must run to completion even during shutdown,
	// otherwise the rows stay PROCESSING.
	attemptCtx := context.WithoutCancel(ctx)
	for _, n := range claimed {
		w.inflight.Add(1)
		metrics.AddWorkersBusy(p.name, 1)
		go func(n *notification.Notification) {
			defer w.inflight.Done()
			defer w.sem.Release(1)
			defer metrics.AddWorkersBusy(p.name, -1)

			if err := w.proc.Attempt(attemptCtx, n); err != nil {
				w.logger.Error("attempt could not be persisted",
					zap.String("notification_id", n.ID.String()),
					zap.String("pass", p.name),
					zap.Error(err),
				)
			}
		}(n)
	}
	return len(claimed)
}
