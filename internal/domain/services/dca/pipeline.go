package dca

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/pkg/metrics"
	"github.com/rail-service/dca_service/pkg/retry"
	"github.com/rail-service/dca_service/pkg/tracing"
)

// errCycleAccounted reports that a settled cycle was already applied to the order
var errCycleAccounted = errors.New("cycle already accounted")

// PipelineConfig tunes the execution pipeline
type PipelineConfig struct {
	LeaseTTL            time.Duration
	SettlementTimeout   time.Duration
	ApprovalTimeout     time.Duration
	ReceiptPollInterval time.Duration
	TrustedRouters      []string
	ConflictRetry       retry.Policy
}

// DefaultPipelineConfig returns production defaults. LeaseTTL covers the approval
// and settlement waits back to back.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		LeaseTTL:            5 * time.Minute,
		SettlementTimeout:   2 * time.Minute,
		ApprovalTimeout:     time.Minute,
		ReceiptPollInterval: 2 * time.Second,
		ConflictRetry:       retry.DefaultPolicy(),
	}
}

// ExecuteOptions controls a single pipeline run
type ExecuteOptions struct {
	// Manual runs bypass the due-time filter
	Manual bool
	// Now overrides the pipeline clock for the run
	Now time.Time
}

// Pipeline executes one cycle of a recurring order end to end
type Pipeline struct {
	orders      OrderStore
	sagas       SagaStore
	credentials CredentialAuthority
	provider    SwapProvider
	lease       OrderLease
	events      EventPublisher
	retrier     *retry.Retrier
	config      PipelineConfig
	trusted     map[string]struct{}
	logger      *zap.Logger
	now         func() time.Time

	tracer   trace.Tracer
	cycles   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewPipeline creates an execution pipeline
func NewPipeline(
	orders OrderStore,
	sagas SagaStore,
	credentials CredentialAuthority,
	provider SwapProvider,
	lease OrderLease,
	events EventPublisher,
	config PipelineConfig,
	logger *zap.Logger,
) (*Pipeline, error) {
	meter := otel.Meter("dca-pipeline")

	cycles, err := meter.Int64Counter(
		"dca.cycles.total",
		metric.WithDescription("Total number of order cycles executed, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"dca.cycle.duration.seconds",
		metric.WithDescription("Cycle execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle duration histogram: %w", err)
	}

	trusted := make(map[string]struct{}, len(config.TrustedRouters))
	for _, router := range config.TrustedRouters {
		trusted[strings.ToLower(router)] = struct{}{}
	}

	return &Pipeline{
		orders:      orders,
		sagas:       sagas,
		credentials: credentials,
		provider:    provider,
		lease:       lease,
		events:      events,
		retrier:     retry.NewRetrier(config.ConflictRetry, logger),
		config:      config,
		trusted:     trusted,
		logger:      logger,
		now:         time.Now,
		tracer:      tracing.GetTracer("dca-pipeline"),
		cycles:      cycles,
		duration:    duration,
	}, nil
}

// IsTrustedTarget reports whether target is an allow-listed router
func (p *Pipeline) IsTrustedTarget(target string) bool {
	_, ok := p.trusted[strings.ToLower(target)]
	return ok
}

// ExecuteCycle runs the next cycle of the order. It returns a nil record and nil
// error when the run was a no-op, and the failed record together with its cause
// when the cycle failed.
func (p *Pipeline) ExecuteCycle(ctx context.Context, orderID uuid.UUID, opts ExecuteOptions) (*entities.ExecutionRecord, error) {
	ctx, span := p.tracer.Start(ctx, "dca.execute_cycle", trace.WithAttributes(
		attribute.String("dca.order_id", orderID.String()),
		attribute.Bool("dca.manual", opts.Manual),
	))
	defer span.End()
	start := time.Now()

	key := leaseKey(orderID)
	token, acquired, err := p.lease.Acquire(ctx, key, p.config.LeaseTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("acquire order lease: %w", err)
	}
	if !acquired {
		span.SetAttributes(attribute.String("dca.outcome", "in_flight"))
		return nil, apperrors.ExecutionInFlightError(orderID.String())
	}
	defer func() {
		if err := p.lease.Release(context.WithoutCancel(ctx), key, token); err != nil {
			p.logger.Warn("Failed to release order lease",
				zap.String("order_id", orderID.String()),
				zap.Error(err))
		}
	}()

	now := opts.Now
	if now.IsZero() {
		now = p.now()
	}

	record, err := p.run(ctx, orderID, now, opts)
	p.closeOutCancelled(ctx, orderID)
	p.observe(ctx, span, record, err, time.Since(start))
	return record, err
}

func (p *Pipeline) run(ctx context.Context, orderID uuid.UUID, now time.Time, opts ExecuteOptions) (*entities.ExecutionRecord, error) {
	order, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	marker, err := p.sagas.GetMarker(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load saga marker: %w", err)
	}

	if !order.IsExecutable() {
		if marker != nil {
			return p.settleSubmitted(ctx, order, marker, now)
		}
		p.logger.Debug("Order not executable, skipping",
			zap.String("order_id", orderID.String()),
			zap.String("status", string(order.Status)))
		return nil, nil
	}
	if !opts.Manual && !order.IsDue(now) {
		return nil, nil
	}

	if marker != nil {
		if marker.CycleIndex == order.CyclesCompleted {
			return p.resume(ctx, order, marker, now)
		}
		p.logger.Warn("Discarding stale saga marker",
			zap.String("order_id", orderID.String()),
			zap.Int("marker_cycle", marker.CycleIndex),
			zap.Int("cycles_completed", order.CyclesCompleted))
		p.clearMarker(ctx, orderID)
	}

	if order.IsExpired(now) {
		return nil, p.finish(ctx, order.ID, now, entities.EventOrderExpired)
	}
	if order.CyclesCompleted >= order.TotalCycles {
		return nil, p.finish(ctx, order.ID, now, entities.EventOrderCompleted)
	}

	done, err := p.orders.HasSuccessfulExecution(ctx, orderID, order.CyclesCompleted)
	if err != nil {
		return nil, fmt.Errorf("check cycle idempotence: %w", err)
	}
	if done {
		p.logger.Info("Cycle already settled, skipping",
			zap.String("order_id", orderID.String()),
			zap.Int("cycle", order.CyclesCompleted))
		return nil, nil
	}

	return p.executeFresh(ctx, order, now)
}

// CyclePlan is the priced, unsubmitted next cycle of an order
type CyclePlan struct {
	CycleIndex int
	Intent     entities.SwapIntent
	Actions    []entities.Action
}

func newIntent(order *entities.RecurringOrder) entities.SwapIntent {
	amount := order.NextCycleAmount()
	fee := order.Fee(amount)
	return entities.SwapIntent{
		CycleAmount: amount,
		FeeAmount:   fee,
		NetAmount:   amount - fee,
	}
}

// Plan prices the next cycle and checks the allow-list without side effects
func (p *Pipeline) Plan(ctx context.Context, order *entities.RecurringOrder) (*CyclePlan, error) {
	intent := newIntent(order)
	quote, err := p.provider.Quote(ctx, entities.QuoteRequest{
		SellAsset: order.SellAsset,
		BuyAsset:  order.BuyAsset,
		AmountIn:  intent.NetAmount,
		Taker:     order.ExecutionIdentity,
	})
	if err != nil {
		return nil, providerError("quote", err)
	}
	intent.Quote = *quote

	if !p.IsTrustedTarget(quote.Target) {
		return nil, apperrors.UntrustedTargetError(quote.Target)
	}
	if err := checkQuote(order, intent); err != nil {
		return nil, err
	}

	return &CyclePlan{
		CycleIndex: order.CyclesCompleted,
		Intent:     intent,
		Actions:    cycleActions(order, intent),
	}, nil
}

func (p *Pipeline) executeFresh(ctx context.Context, order *entities.RecurringOrder, now time.Time) (*entities.ExecutionRecord, error) {
	cycle := order.CyclesCompleted
	intent := newIntent(order)

	balance, err := p.provider.Balance(ctx, order.ExecutionIdentity, order.SellAsset)
	if err != nil {
		return p.fail(ctx, order, cycle, intent, now, providerError("balance", err))
	}
	if balance < intent.CycleAmount {
		cause := apperrors.InsufficientBalanceError(order.SellAsset, intent.CycleAmount, balance)
		return p.recordFailure(ctx, order, cycle, intent, now, cause, entities.OrderStatusInsufficientFunds)
	}

	quote, err := p.provider.Quote(ctx, entities.QuoteRequest{
		SellAsset: order.SellAsset,
		BuyAsset:  order.BuyAsset,
		AmountIn:  intent.NetAmount,
		Taker:     order.ExecutionIdentity,
	})
	if err != nil {
		return p.fail(ctx, order, cycle, intent, now, providerError("quote", err))
	}
	intent.Quote = *quote

	if err := p.checkIntent(ctx, order, intent, now); err != nil {
		return p.fail(ctx, order, cycle, intent, now, err)
	}

	allowance, err := p.provider.Allowance(ctx, order.ExecutionIdentity, order.SellAsset, quote.Target)
	if err != nil {
		return p.fail(ctx, order, cycle, intent, now, providerError("allowance", err))
	}

	var marker *entities.SagaMarker
	if allowance < intent.NetAmount {
		marker, err = p.approve(ctx, order, cycle, intent, now)
		if err != nil {
			return p.fail(ctx, order, cycle, intent, now, err)
		}
	}

	return p.swap(ctx, order, cycle, intent, marker, now)
}

// checkIntent enforces the router allow-list, the quote's echoed terms and
// the delegated capabilities. All are evaluated no matter what the quote claims.
func (p *Pipeline) checkIntent(ctx context.Context, order *entities.RecurringOrder, intent entities.SwapIntent, now time.Time) error {
	if !p.IsTrustedTarget(intent.Quote.Target) {
		return apperrors.UntrustedTargetError(intent.Quote.Target)
	}
	if err := checkQuote(order, intent); err != nil {
		return err
	}
	return p.credentials.Authorize(ctx, order.ExecutionIdentity, cycleActions(order, intent), order.ExecutedAmount, now)
}

// checkQuote rejects a quote that prices a different pair or amount than the
// cycle asked for, or that carries no slippage floor.
func checkQuote(order *entities.RecurringOrder, intent entities.SwapIntent) error {
	quote := intent.Quote
	switch {
	case !strings.EqualFold(quote.SellAsset, order.SellAsset):
		return apperrors.QuoteMismatchError("sell_asset", order.SellAsset, quote.SellAsset)
	case !strings.EqualFold(quote.BuyAsset, order.BuyAsset):
		return apperrors.QuoteMismatchError("buy_asset", order.BuyAsset, quote.BuyAsset)
	case quote.AmountIn != intent.NetAmount:
		return apperrors.QuoteMismatchError("amount_in", intent.NetAmount, quote.AmountIn)
	case quote.MinAmountOut <= 0:
		return apperrors.QuoteMismatchError("min_amount_out", "positive", quote.MinAmountOut)
	case quote.ExpectedAmountOut > 0 && quote.MinAmountOut > quote.ExpectedAmountOut:
		return apperrors.QuoteMismatchError("min_amount_out", quote.ExpectedAmountOut, quote.MinAmountOut)
	}
	return nil
}

func cycleActions(order *entities.RecurringOrder, intent entities.SwapIntent) []entities.Action {
	return []entities.Action{
		{Operation: entities.OperationApprove, Target: order.SellAsset, Value: intent.CycleAmount},
		{Operation: entities.OperationSwap, Target: intent.Quote.Target, Value: intent.NetAmount},
	}
}

func (p *Pipeline) approve(ctx context.Context, order *entities.RecurringOrder, cycle int, intent entities.SwapIntent, now time.Time) (*entities.SagaMarker, error) {
	ref, err := p.submit(ctx, order, cycle, entities.SettlementCall{
		Operation: entities.OperationApprove,
		Target:    order.SellAsset,
		Asset:     order.SellAsset,
		Amount:    intent.CycleAmount,
		Spender:   intent.Quote.Target,
	})
	if err != nil {
		return nil, err
	}

	marker := &entities.SagaMarker{
		OrderID:           order.ID,
		CycleIndex:        cycle,
		Phase:             entities.SagaPhasePendingSwap,
		ApprovalReference: &ref,
		Intent:            intent,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.sagas.SaveMarker(ctx, marker); err != nil {
		return nil, fmt.Errorf("save saga marker: %w", err)
	}

	receipt, err := p.awaitReceipt(ctx, ref, p.config.ApprovalTimeout)
	if err != nil {
		return nil, err
	}
	if receipt.Status == entities.ReceiptStatusFailed {
		p.clearMarker(ctx, order.ID)
		return nil, apperrors.SettlementRejectedError(ref, receipt.Reason)
	}
	return marker, nil
}

func (p *Pipeline) swap(ctx context.Context, order *entities.RecurringOrder, cycle int, intent entities.SwapIntent, marker *entities.SagaMarker, now time.Time) (*entities.ExecutionRecord, error) {
	current, err := p.orders.Get(ctx, order.ID)
	if err != nil {
		if marker != nil {
			p.clearMarker(ctx, order.ID)
		}
		return p.fail(ctx, order, cycle, intent, now, fmt.Errorf("reload order before swap: %w", err))
	}
	if !current.IsExecutable() {
		p.logger.Info("Order left executable status before swap, aborting cycle",
			zap.String("order_id", order.ID.String()),
			zap.Int("cycle", cycle),
			zap.String("status", string(current.Status)))
		if marker != nil {
			p.clearMarker(ctx, order.ID)
		}
		return nil, nil
	}

	ref, err := p.submit(ctx, order, cycle, entities.SettlementCall{
		Operation: entities.OperationSwap,
		Target:    intent.Quote.Target,
		Asset:     order.SellAsset,
		Amount:    intent.NetAmount,
		QuoteID:   intent.Quote.ID,
		CallData:  intent.Quote.CallData,
	})
	if err != nil {
		if marker != nil {
			p.clearMarker(ctx, order.ID)
		}
		return p.fail(ctx, order, cycle, intent, now, err)
	}

	if marker == nil {
		marker = &entities.SagaMarker{
			OrderID:    order.ID,
			CycleIndex: cycle,
			Intent:     intent,
			CreatedAt:  now,
		}
	}
	marker.Phase = entities.SagaPhaseSwapSubmitted
	marker.SwapReference = &ref
	marker.UpdatedAt = now
	if err := p.sagas.SaveMarker(context.WithoutCancel(ctx), marker); err != nil {
		p.logger.Error("Failed to persist swap marker",
			zap.String("order_id", order.ID.String()),
			zap.String("swap_reference", ref),
			zap.Error(err))
	}

	receipt, err := p.awaitReceipt(ctx, ref, p.config.SettlementTimeout)
	if err != nil {
		return p.fail(ctx, order, cycle, intent, now, err)
	}
	if receipt.Status == entities.ReceiptStatusFailed {
		p.clearMarker(ctx, order.ID)
		return p.fail(ctx, order, cycle, intent, now, apperrors.SettlementRejectedError(ref, receipt.Reason))
	}

	return p.succeed(ctx, order.ID, cycle, intent, receipt, now)
}

func (p *Pipeline) submit(ctx context.Context, order *entities.RecurringOrder, cycle int, call entities.SettlementCall) (string, error) {
	call.From = order.ExecutionIdentity
	call.OrderID = order.ID.String()
	call.Cycle = cycle

	signed, err := p.credentials.SignCall(ctx, order.ExecutionIdentity, call)
	if err != nil {
		return "", fmt.Errorf("sign %s call: %w", call.Operation, err)
	}
	ref, err := p.provider.Submit(ctx, signed)
	if err != nil {
		return "", providerError("submit "+string(call.Operation), err)
	}

	p.logger.Info("Submitted settlement call",
		zap.String("order_id", order.ID.String()),
		zap.Int("cycle", cycle),
		zap.String("operation", string(call.Operation)),
		zap.String("reference", ref))
	return ref, nil
}

// awaitReceipt polls until the receipt is final or timeout elapses
func (p *Pipeline) awaitReceipt(ctx context.Context, ref string, timeout time.Duration) (*entities.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.provider.Receipt(waitCtx, ref)
		switch {
		case err != nil:
			p.logger.Warn("Receipt poll failed",
				zap.String("reference", ref),
				zap.Error(err))
		case receipt.Status.IsFinal():
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, apperrors.SettlementTimeoutError(ref)
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) succeed(ctx context.Context, orderID uuid.UUID, cycle int, intent entities.SwapIntent, receipt *entities.Receipt, now time.Time) (*entities.ExecutionRecord, error) {
	ctx = context.WithoutCancel(ctx)

	ref := receipt.Reference
	record := &entities.ExecutionRecord{
		ID:                  uuid.New(),
		OrderID:             orderID,
		CycleIndex:          cycle,
		ExecutedAt:          now,
		AmountIn:            intent.CycleAmount,
		FeeAmount:           intent.FeeAmount,
		AmountOut:           receipt.AmountOut,
		SettlementReference: &ref,
		Status:              entities.ExecutionStatusSuccess,
		ProviderUsed:        optionalString(intent.Quote.Provider),
		PriceImpactBps:      intent.Quote.PriceImpactBps,
	}

	var before entities.OrderStatus
	var updated *entities.RecurringOrder
	err := p.retrier.Do(ctx, func() error {
		current, err := p.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if current.CyclesCompleted != cycle {
			return errCycleAccounted
		}
		before = current.Status
		updated, err = p.orders.CompareAndUpdate(ctx, orderID, current.Version, func(o *entities.RecurringOrder) error {
			o.RecordCycle(intent.CycleAmount, now)
			return nil
		}, record)
		return err
	})
	if err != nil {
		if errors.Is(err, errCycleAccounted) || apperrors.IsAlreadyExists(err) {
			p.logger.Warn("Settled cycle was already accounted",
				zap.String("order_id", orderID.String()),
				zap.Int("cycle", cycle))
			p.clearMarker(ctx, orderID)
			return nil, nil
		}
		p.logger.Error("Failed to account settled cycle",
			zap.String("order_id", orderID.String()),
			zap.Int("cycle", cycle),
			zap.String("reference", ref),
			zap.Error(err))
		return nil, fmt.Errorf("account cycle %d: %w", cycle, err)
	}

	p.clearMarker(ctx, orderID)
	p.observeTransition(before, updated.Status)
	p.publish(ctx, entities.EventExecutionSucceeded, updated, record, now)

	p.logger.Info("Cycle executed",
		zap.String("order_id", orderID.String()),
		zap.Int("cycle", cycle),
		zap.Int64("amount_in", record.AmountIn),
		zap.Int64("amount_out", record.AmountOut),
		zap.String("status", string(updated.Status)))

	if updated.Status == entities.OrderStatusCompleted {
		p.voidCredential(ctx, updated)
		p.publish(ctx, entities.EventOrderCompleted, updated, nil, now)
	}
	return record, nil
}

// fail records a failed cycle without changing the order status
func (p *Pipeline) fail(ctx context.Context, order *entities.RecurringOrder, cycle int, intent entities.SwapIntent, now time.Time, cause error) (*entities.ExecutionRecord, error) {
	return p.recordFailure(ctx, order, cycle, intent, now, cause, "")
}

// recordFailure appends a failed record and advances the schedule by exactly one
// period in a single compare-and-update. to, when set, is applied only if the
// state machine allows it.
func (p *Pipeline) recordFailure(ctx context.Context, order *entities.RecurringOrder, cycle int, intent entities.SwapIntent, now time.Time, cause error, to entities.OrderStatus) (*entities.ExecutionRecord, error) {
	ctx = context.WithoutCancel(ctx)

	code := apperrors.ExecutionCode(cause)
	message := cause.Error()
	record := &entities.ExecutionRecord{
		ID:           uuid.New(),
		OrderID:      order.ID,
		CycleIndex:   cycle,
		ExecutedAt:   now,
		AmountIn:     intent.CycleAmount,
		FeeAmount:    intent.FeeAmount,
		Status:       entities.ExecutionStatusFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
		ProviderUsed: optionalString(intent.Quote.Provider),
	}

	var before entities.OrderStatus
	var updated *entities.RecurringOrder
	err := p.retrier.Do(ctx, func() error {
		current, err := p.orders.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		before = current.Status
		updated, err = p.orders.CompareAndUpdate(ctx, order.ID, current.Version, func(o *entities.RecurringOrder) error {
			if to != "" && o.CanTransitionTo(to) {
				o.Status = to
			}
			o.NextExecutionAt = o.Advance(now)
			o.UpdatedAt = now
			return nil
		}, record)
		return err
	})
	if err != nil {
		p.logger.Error("Failed to record failed cycle",
			zap.String("order_id", order.ID.String()),
			zap.Int("cycle", cycle),
			zap.String("code", code),
			zap.Error(err))
		return nil, errors.Join(cause, fmt.Errorf("record failed cycle: %w", err))
	}

	p.observeTransition(before, updated.Status)
	p.publish(ctx, entities.EventExecutionFailed, updated, record, now)

	p.logger.Warn("Cycle execution failed",
		zap.String("order_id", order.ID.String()),
		zap.Int("cycle", cycle),
		zap.String("code", code),
		zap.Time("next_execution_at", updated.NextExecutionAt),
		zap.Error(cause))

	return record, cause
}

// finish completes an order that expired or ran out of cycles
func (p *Pipeline) finish(ctx context.Context, orderID uuid.UUID, now time.Time, eventType string) error {
	var before entities.OrderStatus
	var updated *entities.RecurringOrder
	err := p.retrier.Do(ctx, func() error {
		current, err := p.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		before = current.Status
		if !current.IsExecutable() {
			updated = current
			return nil
		}
		updated, err = p.orders.CompareAndUpdate(ctx, orderID, current.Version, func(o *entities.RecurringOrder) error {
			if o.Status == entities.OrderStatusInsufficientFunds {
				if err := o.TransitionTo(entities.OrderStatusActive, now); err != nil {
					return err
				}
			}
			return o.TransitionTo(entities.OrderStatusCompleted, now)
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if updated.Status != entities.OrderStatusCompleted {
		return nil
	}

	p.observeTransition(before, updated.Status)
	p.voidCredential(ctx, updated)
	p.publish(ctx, eventType, updated, nil, now)

	p.logger.Info("Order completed",
		zap.String("order_id", orderID.String()),
		zap.String("reason", eventType),
		zap.Int("cycles_completed", updated.CyclesCompleted),
		zap.Int("total_cycles", updated.TotalCycles),
		zap.Int64("remaining_amount", updated.RemainingAmount))
	return nil
}

func (p *Pipeline) clearMarker(ctx context.Context, orderID uuid.UUID) {
	if err := p.sagas.DeleteMarker(context.WithoutCancel(ctx), orderID); err != nil {
		p.logger.Error("Failed to clear saga marker",
			zap.String("order_id", orderID.String()),
			zap.Error(err))
	}
}

func (p *Pipeline) voidCredential(ctx context.Context, order *entities.RecurringOrder) {
	if err := p.credentials.Void(ctx, order.ExecutionIdentity); err != nil {
		p.logger.Error("Failed to void credential",
			zap.String("order_id", order.ID.String()),
			zap.String("identity", order.ExecutionIdentity),
			zap.Error(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, eventType string, order *entities.RecurringOrder, record *entities.ExecutionRecord, now time.Time) {
	if p.events == nil {
		return
	}
	event := &entities.ExecutionEvent{
		ID:            uuid.New(),
		Type:          eventType,
		OrderID:       order.ID,
		OwnerIdentity: order.OwnerIdentity,
		CycleIndex:    order.CyclesCompleted,
		OrderStatus:   order.Status,
		OccurredAt:    now,
	}
	if record != nil {
		event.CycleIndex = record.CycleIndex
		event.AmountIn = record.AmountIn
		event.AmountOut = record.AmountOut
		if record.ErrorCode != nil {
			event.ErrorCode = *record.ErrorCode
		}
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish execution event",
			zap.String("order_id", order.ID.String()),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (p *Pipeline) observe(ctx context.Context, span trace.Span, record *entities.ExecutionRecord, err error, elapsed time.Duration) {
	status, code := "skipped", ""
	switch {
	case record != nil && record.IsSuccess():
		status = "success"
	case record != nil:
		status = "failed"
		if record.ErrorCode != nil {
			code = *record.ErrorCode
		}
	case err != nil:
		status = "error"
		code = apperrors.ExecutionCode(err)
	}

	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("code", code),
	)
	p.cycles.Add(ctx, 1, attrs)
	p.duration.Record(ctx, elapsed.Seconds(), attrs)
	metrics.CycleExecutionsTotal.WithLabelValues(status, code).Inc()

	span.SetAttributes(attribute.String("dca.outcome", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (p *Pipeline) observeTransition(from, to entities.OrderStatus) {
	if from != to {
		metrics.OrdersTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
}

func leaseKey(orderID uuid.UUID) string {
	return "dca:lease:" + orderID.String()
}

// providerError classifies an adapter failure. Errors the adapter already
// classified keep their category.
func providerError(op string, err error) error {
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.ProviderError(op, err)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
