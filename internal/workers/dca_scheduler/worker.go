package dca_scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/services/dca"
)

// Ticker runs one sweep over due orders
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (*dca.TickSummary, error)
}

// Worker triggers scheduler sweeps on a cron spec. A sweep still running when
// the next one is due causes that trigger to be skipped.
type Worker struct {
	scheduler Ticker
	spec      string
	cron      *cron.Cron
	logger    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker builds a cron worker that calls scheduler.Tick on spec.
// Overlapping ticks are skipped and panics are recovered.
func NewWorker(scheduler Ticker, spec string, logger *zap.Logger) *Worker {
	cl := cronLogger{logger: logger}
	return &Worker{
		scheduler: scheduler,
		spec:      spec,
		cron:      cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:    logger,
	}
}

// Start registers the sweep and starts the cron loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil {
		return errors.New("scheduler worker already started")
	}

	if _, err := w.cron.AddFunc(w.spec, w.runScheduled); err != nil {
		return err
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.cron.Start()
	w.logger.Info("DCA scheduler worker started", zap.String("spec", w.spec))
	return nil
}

func (w *Worker) runScheduled() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	w.RunOnce(ctx)
}

// RunOnce performs a single sweep and logs its outcome
func (w *Worker) RunOnce(ctx context.Context) *dca.TickSummary {
	start := time.Now()
	summary, err := w.scheduler.Tick(ctx, start.UTC())
	if err != nil {
		w.logger.Error("Scheduler sweep failed", zap.Error(err))
		return nil
	}

	if summary.CheckedCount > 0 {
		w.logger.Info("Scheduler sweep completed",
			zap.Int("checked", summary.CheckedCount),
			zap.Int("executed", summary.ExecutedCount),
			zap.Int("failed", summary.FailedCount),
			zap.Int("skipped", summary.SkippedCount),
			zap.Duration("duration", time.Since(start)))
	}
	return summary
}

// Shutdown stops triggering sweeps and waits for a running one to finish.
// When ctx expires first the running sweep is cancelled.
func (w *Worker) Shutdown(ctx context.Context) error {
	stopped := w.cron.Stop()

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	select {
	case <-stopped.Done():
		if cancel != nil {
			cancel()
		}
		w.logger.Info("DCA scheduler worker stopped")
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-stopped.Done()
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
