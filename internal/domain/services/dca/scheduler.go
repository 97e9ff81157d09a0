package dca

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/pkg/metrics"
)

// Tick result statuses
const (
	TickStatusExecuted = "executed"
	TickStatusFailed   = "failed"
	TickStatusSkipped  = "skipped"
	TickStatusError    = "error"
)

// SchedulerConfig bounds a single sweep
type SchedulerConfig struct {
	BatchSize    int
	Concurrency  int
	OrderTimeout time.Duration
}

// TickResult is the outcome for one due order
type TickResult struct {
	OrderID     uuid.UUID  `json:"order_id"`
	Status      string     `json:"status"`
	ExecutionID *uuid.UUID `json:"execution_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TickSummary aggregates a sweep
type TickSummary struct {
	CheckedCount  int          `json:"checked_count"`
	ExecutedCount int          `json:"executed_count"`
	FailedCount   int          `json:"failed_count"`
	SkippedCount  int          `json:"skipped_count"`
	Results       []TickResult `json:"results"`
}

// Scheduler finds due orders and runs their cycles
type Scheduler struct {
	orders   OrderStore
	executor CycleExecutor
	config   SchedulerConfig
	logger   *zap.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(orders OrderStore, executor CycleExecutor, config SchedulerConfig, logger *zap.Logger) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.OrderTimeout <= 0 {
		config.OrderTimeout = 5 * time.Minute
	}
	return &Scheduler{
		orders:   orders,
		executor: executor,
		config:   config,
		logger:   logger,
	}
}

// Tick executes every order due at now. One order's failure or panic never
// aborts the rest of the sweep.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickSummary, error) {
	start := time.Now()
	metrics.SchedulerTicksTotal.Inc()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := s.orders.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due orders: %w", err)
	}
	metrics.SchedulerDueOrders.Set(float64(len(due)))

	results := make([]TickResult, len(due))
	sem := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	for i, order := range due {
		select {
		case <-ctx.Done():
			results[i] = TickResult{OrderID: order.ID, Status: TickStatusSkipped, Error: ctx.Err().Error()}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, orderID uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.executeOne(ctx, orderID, now)
		}(i, order.ID)
	}
	wg.Wait()

	summary := &TickSummary{
		CheckedCount: len(due),
		Results:      results,
	}
	for _, r := range results {
		switch r.Status {
		case TickStatusExecuted:
			summary.ExecutedCount++
		case TickStatusSkipped:
			summary.SkippedCount++
		default:
			summary.FailedCount++
		}
	}

	if summary.CheckedCount > 0 {
		s.logger.Info("Scheduler tick completed",
			zap.Int("checked", summary.CheckedCount),
			zap.Int("executed", summary.ExecutedCount),
			zap.Int("failed", summary.FailedCount),
			zap.Int("skipped", summary.SkippedCount),
			zap.Duration("duration", time.Since(start)))
	}
	return summary, nil
}

func (s *Scheduler) executeOne(ctx context.Context, orderID uuid.UUID, now time.Time) (result TickResult) {
	result = TickResult{OrderID: orderID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while executing order",
				zap.String("order_id", orderID.String()),
				zap.Any("panic", r))
			result.Status = TickStatusError
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	orderCtx, cancel := context.WithTimeout(ctx, s.config.OrderTimeout)
	defer cancel()

	record, err := s.executor.ExecuteCycle(orderCtx, orderID, ExecuteOptions{Now: now})
	switch {
	case record != nil && record.IsSuccess():
		result.Status = TickStatusExecuted
		result.ExecutionID = &record.ID
	case record != nil:
		result.Status = TickStatusFailed
		result.ExecutionID = &record.ID
		if err != nil {
			result.Error = err.Error()
		}
	case errors.Is(err, apperrors.ErrExecutionInFlight):
		result.Status = TickStatusSkipped
		result.Error = err.Error()
	case err != nil:
		result.Status = TickStatusError
		result.Error = err.Error()
		s.logger.Warn("Order execution errored",
			zap.String("order_id", orderID.String()),
			zap.Error(err))
	default:
		result.Status = TickStatusSkipped
	}
	return result
}
