package dca

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

// ExecuteNow runs the order's next cycle immediately. When the delegated
// credential does not cover the planned actions it returns a clear-signing
// payload instead and changes nothing.
func (s *OrderService) ExecuteNow(ctx context.Context, id uuid.UUID, caller string) (*entities.ExecuteResult, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(order, caller) {
		return nil, apperrors.PermissionDeniedError(caller, "only the owner or the execution identity may trigger this order")
	}
	if !order.IsExecutable() {
		return nil, apperrors.ValidationError("status",
			fmt.Sprintf("order in status %s cannot be executed", order.Status))
	}

	marker, err := s.sagas.GetMarker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load saga marker: %w", err)
	}

	// A resumed saga reuses its persisted intent, so there is nothing new to plan.
	if marker == nil && order.CyclesCompleted < order.TotalCycles && !order.IsExpired(s.now()) {
		plan, err := s.pipeline.Plan(ctx, order)
		if err == nil {
			authErr := s.credentials.Authorize(ctx, order.ExecutionIdentity, plan.Actions, order.ExecutedAmount, s.now())
			if apperrors.IsForbidden(authErr) {
				s.logger.Info("Manual execution needs fresh authorization",
					zap.String("order_id", id.String()),
					zap.Error(authErr))
				return &entities.ExecuteResult{Pending: s.pendingAuthorization(order, plan, authErr)}, nil
			}
		} else {
			s.logger.Debug("Manual plan failed, deferring to pipeline",
				zap.String("order_id", id.String()),
				zap.Error(err))
		}
	}

	record, err := s.pipeline.ExecuteCycle(ctx, id, ExecuteOptions{Manual: true})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &entities.ExecuteResult{}, nil
	}
	return &entities.ExecuteResult{Record: record}, nil
}

func (s *OrderService) pendingAuthorization(order *entities.RecurringOrder, plan *CyclePlan, reason error) *entities.PendingAuthorization {
	sellDecimals := s.decimals(order.SellAsset)

	actions := make([]entities.PendingAction, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		pending := entities.PendingAction{
			Operation:     action.Operation,
			Counterparty:  action.Target,
			Asset:         order.SellAsset,
			Amount:        action.Value,
			DisplayAmount: FormatAmount(action.Value, sellDecimals),
		}
		switch action.Operation {
		case entities.OperationApprove:
			pending.Counterparty = plan.Intent.Quote.Target
			pending.Purpose = fmt.Sprintf("Allow router %s to spend %s of %s for cycle %d of %d",
				plan.Intent.Quote.Target, pending.DisplayAmount, order.SellAsset, plan.CycleIndex+1, order.TotalCycles)
		case entities.OperationSwap:
			pending.Purpose = fmt.Sprintf("Swap %s of %s for at least %s of %s",
				pending.DisplayAmount, order.SellAsset,
				FormatAmount(plan.Intent.Quote.MinAmountOut, s.decimals(order.BuyAsset)), order.BuyAsset)
		default:
			pending.Purpose = fmt.Sprintf("%s %s of %s", action.Operation, pending.DisplayAmount, order.SellAsset)
		}
		actions = append(actions, pending)
	}

	return &entities.PendingAuthorization{
		OrderID:            order.ID,
		CycleIndex:         plan.CycleIndex,
		AutomationIdentity: order.ExecutionIdentity,
		Reason:             reason.Error(),
		Actions:            actions,
		ExpiresAt:          order.ExpiresAt,
	}
}

func (s *OrderService) decimals(asset string) int32 {
	if d, ok := s.config.AssetDecimals[strings.ToLower(asset)]; ok {
		return d
	}
	return s.config.DefaultDecimals
}

// FormatAmount renders base units as a decimal string with the asset's precision
func FormatAmount(amount int64, decimals int32) string {
	return decimal.New(amount, -decimals).StringFixed(decimals)
}
