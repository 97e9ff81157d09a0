package dca

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

// resume continues a cycle from its persisted marker. A new cycle never starts
// while a submitted swap has an unknown outcome.
func (p *Pipeline) resume(ctx context.Context, order *entities.RecurringOrder, marker *entities.SagaMarker, now time.Time) (*entities.ExecutionRecord, error) {
	p.logger.Info("Resuming cycle from saga marker",
		zap.String("order_id", order.ID.String()),
		zap.Int("cycle", marker.CycleIndex),
		zap.String("phase", string(marker.Phase)))

	switch marker.Phase {
	case entities.SagaPhasePendingSwap:
		return p.resumeApproval(ctx, order, marker, now)
	case entities.SagaPhaseSwapSubmitted:
		return p.resumeSwap(ctx, order, marker, now)
	default:
		p.logger.Error("Unknown saga phase, discarding marker",
			zap.String("order_id", order.ID.String()),
			zap.String("phase", string(marker.Phase)))
		p.clearMarker(ctx, order.ID)
		return p.executeFresh(ctx, order, now)
	}
}

func (p *Pipeline) resumeApproval(ctx context.Context, order *entities.RecurringOrder, marker *entities.SagaMarker, now time.Time) (*entities.ExecutionRecord, error) {
	ref := derefString(marker.ApprovalReference)
	receipt, err := p.provider.Receipt(ctx, ref)
	if err != nil {
		return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, providerError("approval receipt", err))
	}

	switch receipt.Status {
	case entities.ReceiptStatusConfirmed:
		if err := p.checkIntent(ctx, order, marker.Intent, now); err != nil {
			p.clearMarker(ctx, order.ID)
			return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, err)
		}
		return p.swap(ctx, order, marker.CycleIndex, marker.Intent, marker, now)
	case entities.ReceiptStatusFailed:
		p.clearMarker(ctx, order.ID)
		return p.executeFresh(ctx, order, now)
	default:
		return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, apperrors.SettlementTimeoutError(ref))
	}
}

func (p *Pipeline) resumeSwap(ctx context.Context, order *entities.RecurringOrder, marker *entities.SagaMarker, now time.Time) (*entities.ExecutionRecord, error) {
	ref := derefString(marker.SwapReference)
	receipt, err := p.provider.Receipt(ctx, ref)
	if err != nil {
		return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, providerError("swap receipt", err))
	}

	switch receipt.Status {
	case entities.ReceiptStatusConfirmed:
		return p.succeed(ctx, order.ID, marker.CycleIndex, marker.Intent, receipt, now)
	case entities.ReceiptStatusFailed:
		p.clearMarker(ctx, order.ID)
		return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, apperrors.SettlementRejectedError(ref, receipt.Reason))
	default:
		return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, apperrors.SettlementUnresolvedError(ref))
	}
}

// Reconcile settles the accounting of a submitted swap regardless of order status.
// Owner actions call it so a swap that landed before a cancel is still counted.
// It returns a nil record when there is nothing to reconcile or the swap is still pending.
func (p *Pipeline) Reconcile(ctx context.Context, orderID uuid.UUID) (*entities.ExecutionRecord, error) {
	key := leaseKey(orderID)
	token, acquired, err := p.lease.Acquire(ctx, key, p.config.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire order lease: %w", err)
	}
	if !acquired {
		return nil, apperrors.ExecutionInFlightError(orderID.String())
	}
	defer func() {
		if err := p.lease.Release(context.WithoutCancel(ctx), key, token); err != nil {
			p.logger.Warn("Failed to release order lease",
				zap.String("order_id", orderID.String()),
				zap.Error(err))
		}
	}()

	defer p.closeOutCancelled(ctx, orderID)

	marker, err := p.sagas.GetMarker(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load saga marker: %w", err)
	}
	if marker == nil {
		return nil, nil
	}
	order, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return p.settleSubmitted(ctx, order, marker, p.now())
}

// settleSubmitted applies the outcome of a submitted swap without starting new
// work. An approval-only marker is dropped since no funds moved toward the swap.
// A pending swap keeps its marker for the next pass.
func (p *Pipeline) settleSubmitted(ctx context.Context, order *entities.RecurringOrder, marker *entities.SagaMarker, now time.Time) (*entities.ExecutionRecord, error) {
	if marker.Phase != entities.SagaPhaseSwapSubmitted || marker.CycleIndex != order.CyclesCompleted {
		p.clearMarker(ctx, order.ID)
		return nil, nil
	}

	ref := derefString(marker.SwapReference)
	receipt, err := p.provider.Receipt(ctx, ref)
	if err != nil {
		return nil, providerError("swap receipt", err)
	}

	switch receipt.Status {
	case entities.ReceiptStatusConfirmed:
		return p.succeed(ctx, order.ID, marker.CycleIndex, marker.Intent, receipt, now)
	case entities.ReceiptStatusFailed:
		p.clearMarker(ctx, order.ID)
		return p.fail(ctx, order, marker.CycleIndex, marker.Intent, now, apperrors.SettlementRejectedError(ref, receipt.Reason))
	default:
		p.logger.Warn("Swap still unresolved during reconciliation",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(order.Status)),
			zap.String("swap_reference", ref))
		return nil, nil
	}
}

// closeOutCancelled sweeps and voids a cancelled order once no swap is
// outstanding. It runs under the order lease, so it never races a cycle.
func (p *Pipeline) closeOutCancelled(ctx context.Context, orderID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)

	order, err := p.orders.Get(ctx, orderID)
	if err != nil || order.Status != entities.OrderStatusCancelled {
		return
	}
	marker, err := p.sagas.GetMarker(ctx, orderID)
	if err != nil || marker != nil {
		return
	}
	cred, err := p.credentials.Get(ctx, order.ExecutionIdentity)
	if err != nil || !cred.IsActive() {
		return
	}

	p.sweep(ctx, order)
	p.voidCredential(ctx, order)
}

// sweep returns the funding identity's sell-asset balance to the owner, up to
// the transfer capability's limit. Best effort.
func (p *Pipeline) sweep(ctx context.Context, order *entities.RecurringOrder) {
	log := p.logger.With(
		zap.String("order_id", order.ID.String()),
		zap.String("identity", order.ExecutionIdentity))

	balance, err := p.provider.Balance(ctx, order.ExecutionIdentity, order.SellAsset)
	if err != nil {
		log.Warn("Sweep skipped: balance lookup failed", zap.Error(err))
		return
	}
	if balance <= 0 {
		return
	}

	amount := balance
	if amount > order.TotalAmount {
		log.Warn("Sweep capped at the order total; the excess stays with the funding identity",
			zap.Int64("balance", balance),
			zap.Int64("total_amount", order.TotalAmount))
		amount = order.TotalAmount
	}

	action := entities.Action{Operation: entities.OperationTransfer, Target: order.SellAsset, Value: amount}
	if err := p.credentials.Authorize(ctx, order.ExecutionIdentity, []entities.Action{action}, 0, p.now()); err != nil {
		log.Warn("Sweep skipped: transfer not authorized", zap.Int64("amount", amount), zap.Error(err))
		return
	}

	signed, err := p.credentials.SignCall(ctx, order.ExecutionIdentity, entities.SettlementCall{
		Operation: entities.OperationTransfer,
		From:      order.ExecutionIdentity,
		Target:    order.SellAsset,
		Asset:     order.SellAsset,
		Amount:    amount,
		Recipient: order.OwnerIdentity,
		OrderID:   order.ID.String(),
		Cycle:     order.CyclesCompleted,
	})
	if err != nil {
		log.Warn("Sweep skipped: signing failed", zap.Error(err))
		return
	}

	ref, err := p.provider.Submit(ctx, signed)
	if err != nil {
		log.Warn("Sweep submission failed", zap.Error(err))
		return
	}
	log.Info("Swept funding identity", zap.Int64("amount", amount), zap.String("reference", ref))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
