package dca

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/internal/domain/services/credential"
	"github.com/rail-service/dca_service/pkg/metrics"
	"github.com/rail-service/dca_service/pkg/retry"
)

const defaultExecutionsLimit = 50

// OrderServiceConfig configures order creation and owner actions
type OrderServiceConfig struct {
	StartDelay            time.Duration
	DefaultFeeBasisPoints int
	TrustedRouters        []string
	AssetDecimals         map[string]int32
	DefaultDecimals       int32
	ConflictRetry         retry.Policy
}

// OrderService handles the recurring order lifecycle and owner-facing queries
type OrderService struct {
	orders      OrderStore
	sagas       SagaStore
	credentials CredentialAuthority
	pipeline    *Pipeline
	validate    *validator.Validate
	retrier     *retry.Retrier
	config      OrderServiceConfig
	logger      *zap.Logger
	now         func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderStore,
	sagas SagaStore,
	credentials CredentialAuthority,
	pipeline *Pipeline,
	config OrderServiceConfig,
	logger *zap.Logger,
) *OrderService {
	return &OrderService{
		orders:      orders,
		sagas:       sagas,
		credentials: credentials,
		pipeline:    pipeline,
		validate:    validator.New(),
		retrier:     retry.NewRetrier(config.ConflictRetry, logger),
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateAutomationIdentity mints a funding identity the owner can pre-fund
func (s *OrderService) CreateAutomationIdentity(ctx context.Context, owner string) (*entities.AutomationKey, error) {
	return s.credentials.NewAutomationIdentity(ctx, owner)
}

// Create validates the request, issues the order's credential and persists the order.
// The order is only stored once its credential exists.
func (s *OrderService) Create(ctx context.Context, owner string, req *entities.CreateOrderRequest) (*entities.RecurringOrder, error) {
	if owner == "" {
		return nil, apperrors.UnauthorizedError("owner identity is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	totalCycles := req.Frequency.TotalCycles(req.DurationDays)
	if req.TotalAmount < int64(totalCycles) {
		return nil, apperrors.ValidationError("total_amount",
			fmt.Sprintf("total amount must cover at least one base unit per cycle (%d cycles)", totalCycles))
	}

	feeBps := s.config.DefaultFeeBasisPoints
	if req.FeeBasisPoints != nil {
		feeBps = *req.FeeBasisPoints
	}

	now := s.now().UTC()
	period := req.Frequency.Period()
	expiresAt := now.Add(time.Duration(req.DurationDays)*24*time.Hour + period)

	identity := req.FundingIdentity
	if identity == "" {
		key, err := s.credentials.NewAutomationIdentity(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("create automation identity: %w", err)
		}
		identity = key.Identity
	}

	order := &entities.RecurringOrder{
		ID:                uuid.New(),
		OwnerIdentity:     owner,
		ExecutionIdentity: identity,
		SellAsset:         req.SellAsset,
		BuyAsset:          req.BuyAsset,
		TotalAmount:       req.TotalAmount,
		RemainingAmount:   req.TotalAmount,
		Frequency:         req.Frequency,
		TotalCycles:       totalCycles,
		FeeBasisPoints:    feeBps,
		Status:            entities.OrderStatusActive,
		NextExecutionAt:   now.Add(s.config.StartDelay),
		ExpiresAt:         expiresAt,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := order.Validate(); err != nil {
		return nil, apperrors.ValidationError("order", err.Error())
	}

	if _, err := s.credentials.Issue(ctx, credential.IssueRequest{
		OwnerIdentity:      owner,
		AutomationIdentity: identity,
		OrderID:            order.ID,
		Capabilities:       s.orderCapabilities(order, now),
		ValidFrom:          now,
		ValidUntil:         expiresAt,
		MaxValue:           order.TotalAmount,
		NotAfter:           expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if voidErr := s.credentials.Void(ctx, identity); voidErr != nil {
			s.logger.Error("Failed to void credential after order create failure",
				zap.String("order_id", order.ID.String()),
				zap.Error(voidErr))
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("Created recurring order",
		zap.String("order_id", order.ID.String()),
		zap.String("owner", owner),
		zap.String("execution_identity", identity),
		zap.String("frequency", string(order.Frequency)),
		zap.Int("total_cycles", order.TotalCycles),
		zap.Int64("total_amount", order.TotalAmount))

	return order, nil
}

// orderCapabilities scopes the credential to exactly what the order's cycles and sweep need
func (s *OrderService) orderCapabilities(order *entities.RecurringOrder, now time.Time) []entities.Capability {
	caps := []entities.Capability{
		{
			Target:            order.SellAsset,
			AllowedOperations: []entities.Operation{entities.OperationApprove},
			ValueLimit:        order.TotalAmount,
			ValidFrom:         now,
			ValidUntil:        order.ExpiresAt,
		},
		{
			Target:            order.SellAsset,
			AllowedOperations: []entities.Operation{entities.OperationTransfer},
			ValueLimit:        order.TotalAmount,
			ValidFrom:         now,
			ValidUntil:        order.ExpiresAt,
		},
	}
	for _, router := range s.config.TrustedRouters {
		caps = append(caps, entities.Capability{
			Target:            router,
			AllowedOperations: []entities.Operation{entities.OperationSwap},
			ValueLimit:        order.TotalAmount,
			ValidFrom:         now,
			ValidUntil:        order.ExpiresAt,
		})
	}
	return caps
}

// Get returns an order visible to caller
func (s *OrderService) Get(ctx context.Context, id uuid.UUID, caller string) (*entities.RecurringOrder, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(order, caller) {
		return nil, apperrors.NotFoundError("ORDER")
	}
	return order, nil
}

// List returns the owner's orders
func (s *OrderService) List(ctx context.Context, owner string) ([]*entities.RecurringOrder, error) {
	orders, err := s.orders.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Executions returns the order's execution history, newest first
func (s *OrderService) Executions(ctx context.Context, id uuid.UUID, caller string, limit int) ([]*entities.ExecutionRecord, error) {
	if _, err := s.Get(ctx, id, caller); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = defaultExecutionsLimit
	}
	records, err := s.orders.ListExecutions(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return records, nil
}

// Stats aggregates the owner's orders
func (s *OrderService) Stats(ctx context.Context, owner string) (*entities.OrderStats, error) {
	stats, err := s.orders.Stats(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	return stats, nil
}

// Pause stops scheduling an active order
func (s *OrderService) Pause(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error) {
	now := s.now().UTC()
	return s.mutate(ctx, id, owner, func(o *entities.RecurringOrder) error {
		if !o.CanTransitionTo(entities.OrderStatusPaused) {
			return apperrors.InvalidTransitionError(string(o.Status), string(entities.OrderStatusPaused))
		}
		o.Status = entities.OrderStatusPaused
		o.UpdatedAt = now
		return nil
	})
}

// Resume reactivates a paused order. The next run is never earlier than the start delay.
func (s *OrderService) Resume(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error) {
	now := s.now().UTC()
	order, err := s.mutate(ctx, id, owner, func(o *entities.RecurringOrder) error {
		if !o.CanTransitionTo(entities.OrderStatusActive) {
			return apperrors.InvalidTransitionError(string(o.Status), string(entities.OrderStatusActive))
		}
		o.Status = entities.OrderStatusActive
		o.UpdatedAt = now
		if earliest := now.Add(s.config.StartDelay); o.NextExecutionAt.Before(earliest) {
			o.NextExecutionAt = earliest
		}
		if o.CyclesCompleted >= o.TotalCycles {
			return o.TransitionTo(entities.OrderStatusCompleted, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if order.Status == entities.OrderStatusCompleted {
		s.pipeline.voidCredential(ctx, order)
	}
	return order, nil
}

// Cancel terminates the order and reconciles any submitted swap. Once no swap
// is outstanding the funding identity is swept back to the owner and the
// credential voided; while a cycle is still settling that close-out is left to
// the pipeline run that settles it.
func (s *OrderService) Cancel(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error) {
	now := s.now().UTC()
	order, err := s.mutate(ctx, id, owner, func(o *entities.RecurringOrder) error {
		if !o.CanTransitionTo(entities.OrderStatusCancelled) {
			return apperrors.InvalidTransitionError(string(o.Status), string(entities.OrderStatusCancelled))
		}
		o.Status = entities.OrderStatusCancelled
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.pipeline.Reconcile(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrExecutionInFlight) {
			s.logger.Warn("Sweep deferred until the in-flight cycle settles",
				zap.String("order_id", id.String()))
		} else {
			s.logger.Warn("Reconciliation after cancel failed",
				zap.String("order_id", id.String()),
				zap.Error(err))
		}
	}

	s.pipeline.publish(ctx, entities.EventOrderCancelled, order, nil, now)

	s.logger.Info("Cancelled recurring order",
		zap.String("order_id", id.String()),
		zap.Int("cycles_completed", order.CyclesCompleted),
		zap.Int64("remaining_amount", order.RemainingAmount))

	if refreshed, err := s.orders.Get(ctx, id); err == nil {
		return refreshed, nil
	}
	return order, nil
}

// mutate applies fn to the owner's order with a conflict retry
func (s *OrderService) mutate(ctx context.Context, id uuid.UUID, owner string, fn OrderMutator) (*entities.RecurringOrder, error) {
	var before entities.OrderStatus
	var updated *entities.RecurringOrder
	err := s.retrier.Do(ctx, func() error {
		current, err := s.orders.Get(ctx, id)
		if err != nil {
			return err
		}
		if !strings.EqualFold(current.OwnerIdentity, owner) {
			return apperrors.PermissionDeniedError(owner, "only the owner may change this order")
		}
		before = current.Status
		updated, err = s.orders.CompareAndUpdate(ctx, id, current.Version, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	if before != updated.Status {
		metrics.OrdersTransitionsTotal.WithLabelValues(string(before), string(updated.Status)).Inc()
		s.logger.Info("Order status changed",
			zap.String("order_id", id.String()),
			zap.String("from", string(before)),
			zap.String("to", string(updated.Status)))
	}
	return updated, nil
}

func isParticipant(order *entities.RecurringOrder, caller string) bool {
	return strings.EqualFold(order.OwnerIdentity, caller) || strings.EqualFold(order.ExecutionIdentity, caller)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperrors.ValidationError(fe.Field(),
			fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
	return apperrors.ValidationError("request", err.Error())
}
