package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/internal/infrastructure/database"
	"github.com/rail-service/dca_service/pkg/tracing"
)

const uniqueViolation = "23505"

const orderColumns = `
	id, owner_identity, execution_identity, sell_asset, buy_asset,
	total_amount, executed_amount, remaining_amount, frequency,
	total_cycles, cycles_completed, fee_basis_points, status,
	next_execution_at, last_executed_at, expires_at, version,
	created_at, updated_at`

const executionColumns = `
	id, order_id, cycle_index, executed_at, amount_in, fee_amount, amount_out,
	settlement_reference, status, error_code, error_message, provider_used, price_impact_bps`

// OrderRepository persists recurring orders and their execution log in Postgres
type OrderRepository struct {
	db           *sqlx.DB
	logger       *zap.Logger
	queryTimeout time.Duration
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *sqlx.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{
		db:     db,
		logger: logger,
	}
}

// WithQueryTimeout bounds the scan queries (ListDue, Stats). Zero disables it.
func (r *OrderRepository) WithQueryTimeout(d time.Duration) *OrderRepository {
	r.queryTimeout = d
	return r
}

func (r *OrderRepository) scanContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Create inserts a new order at version 1
func (r *OrderRepository) Create(ctx context.Context, order *entities.RecurringOrder) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "INSERT", Table: "recurring_orders"})

	if order.Version == 0 {
		order.Version = 1
	}

	query := `INSERT INTO recurring_orders (` + orderColumns + `)
		VALUES (:id, :owner_identity, :execution_identity, :sell_asset, :buy_asset,
			:total_amount, :executed_amount, :remaining_amount, :frequency,
			:total_cycles, :cycles_completed, :fee_basis_points, :status,
			:next_execution_at, :last_executed_at, :expires_at, :version,
			:created_at, :updated_at)`

	_, err := r.db.NamedExecContext(ctx, query, order)
	tracing.EndSpan(span, err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExistsError("ORDER")
		}
		r.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("order_id", order.ID.String()))
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("owner", order.OwnerIdentity),
		zap.String("frequency", string(order.Frequency)))
	return nil
}

// Get retrieves an order by ID
func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*entities.RecurringOrder, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "recurring_orders"})

	var order entities.RecurringOrder
	err := r.db.GetContext(ctx, &order, `SELECT `+orderColumns+` FROM recurring_orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.EndSpan(span, nil)
		return nil, apperrors.NotFoundError("ORDER")
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// ListDue returns executable orders scheduled at or before now, plus paused or
// terminal orders that still carry a submitted swap, earliest first
func (r *OrderRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*entities.RecurringOrder, error) {
	ctx, cancel := r.scanContext(ctx)
	defer cancel()
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "recurring_orders"})

	query := `SELECT ` + orderColumns + `
		FROM recurring_orders o
		WHERE (status IN ($1, $2) AND next_execution_at <= $3)
			OR (status NOT IN ($1, $2) AND EXISTS (
				SELECT 1 FROM saga_markers m WHERE m.order_id = o.id AND m.phase = $5))
		ORDER BY next_execution_at ASC
		LIMIT $4`

	orders := make([]*entities.RecurringOrder, 0)
	err := r.db.SelectContext(ctx, &orders, query,
		entities.OrderStatusActive, entities.OrderStatusInsufficientFunds, now, limit,
		entities.SagaPhaseSwapSubmitted)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list due orders: %w", err)
	}
	return orders, nil
}

// ListByOwner returns the owner's orders, newest first
func (r *OrderRepository) ListByOwner(ctx context.Context, owner string) ([]*entities.RecurringOrder, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "recurring_orders"})

	query := `SELECT ` + orderColumns + `
		FROM recurring_orders
		WHERE lower(owner_identity) = lower($1)
		ORDER BY created_at DESC`

	orders := make([]*entities.RecurringOrder, 0)
	err := r.db.SelectContext(ctx, &orders, query, owner)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// CompareAndUpdate locks the row, applies mutate when the version matches and
// writes the order together with its execution records.
func (r *OrderRepository) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate entities.OrderMutator, records ...*entities.ExecutionRecord) (*entities.RecurringOrder, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "UPDATE", Table: "recurring_orders"})

	var updated entities.RecurringOrder
	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var current entities.RecurringOrder
		err := tx.GetContext(ctx, &current, `SELECT `+orderColumns+` FROM recurring_orders WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFoundError("ORDER")
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if current.Version != expectedVersion {
			return apperrors.ConflictError("order", "version has moved")
		}

		updated = *current.Clone()
		if err := mutate(&updated); err != nil {
			return err
		}
		updated.Version = current.Version + 1

		result, err := tx.NamedExecContext(ctx, `
			UPDATE recurring_orders SET
				executed_amount = :executed_amount,
				remaining_amount = :remaining_amount,
				cycles_completed = :cycles_completed,
				status = :status,
				next_execution_at = :next_execution_at,
				last_executed_at = :last_executed_at,
				expires_at = :expires_at,
				version = :version,
				updated_at = :updated_at
			WHERE id = :id AND version = :version - 1`, &updated)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return apperrors.ConflictError("order", "version has moved")
		}

		for _, record := range records {
			if err := insertExecution(ctx, tx, record); err != nil {
				return err
			}
		}
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func insertExecution(ctx context.Context, ext sqlx.ExtContext, record *entities.ExecutionRecord) error {
	query := `INSERT INTO execution_records (` + executionColumns + `)
		VALUES (:id, :order_id, :cycle_index, :executed_at, :amount_in, :fee_amount, :amount_out,
			:settlement_reference, :status, :error_code, :error_message, :provider_used, :price_impact_bps)`

	if _, err := sqlx.NamedExecContext(ctx, ext, query, record); err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExistsError("EXECUTION")
		}
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

// AppendExecution appends a record outside of an order update
func (r *OrderRepository) AppendExecution(ctx context.Context, record *entities.ExecutionRecord) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "INSERT", Table: "execution_records"})
	err := insertExecution(ctx, r.db, record)
	tracing.EndSpan(span, err)
	return err
}

// ListExecutions returns the order's records, newest first. A zero limit returns all.
func (r *OrderRepository) ListExecutions(ctx context.Context, orderID uuid.UUID, limit int) ([]*entities.ExecutionRecord, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "execution_records"})

	query := `SELECT ` + executionColumns + `
		FROM execution_records
		WHERE order_id = $1
		ORDER BY executed_at DESC, cycle_index DESC`
	args := []interface{}{orderID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	records := make([]*entities.ExecutionRecord, 0)
	err := r.db.SelectContext(ctx, &records, query, args...)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return records, nil
}

// HasSuccessfulExecution reports whether the cycle already settled
func (r *OrderRepository) HasSuccessfulExecution(ctx context.Context, orderID uuid.UUID, cycleIndex int) (bool, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "execution_records"})

	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM execution_records
			WHERE order_id = $1 AND cycle_index = $2 AND status = $3
		)`, orderID, cycleIndex, entities.ExecutionStatusSuccess)
	tracing.EndSpan(span, err)
	if err != nil {
		return false, fmt.Errorf("failed to check execution: %w", err)
	}
	return exists, nil
}

type statusTotals struct {
	Status    entities.OrderStatus `db:"status"`
	Orders    int                  `db:"orders"`
	Committed int64                `db:"committed"`
	Executed  int64                `db:"executed"`
	Remaining int64                `db:"remaining"`
}

type executionTotals struct {
	Successful int   `db:"successful"`
	Failed     int   `db:"failed"`
	Fees       int64 `db:"fees"`
}

// Stats aggregates the owner's orders and executions
func (r *OrderRepository) Stats(ctx context.Context, owner string) (*entities.OrderStats, error) {
	ctx, cancel := r.scanContext(ctx)
	defer cancel()
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "recurring_orders"})

	var totals []statusTotals
	err := r.db.SelectContext(ctx, &totals, `
		SELECT status,
			COUNT(*) AS orders,
			COALESCE(SUM(total_amount), 0) AS committed,
			COALESCE(SUM(executed_amount), 0) AS executed,
			COALESCE(SUM(remaining_amount), 0) AS remaining
		FROM recurring_orders
		WHERE lower(owner_identity) = lower($1)
		GROUP BY status`, owner)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("failed to aggregate orders: %w", err)
	}

	var executions executionTotals
	err = r.db.GetContext(ctx, &executions, `
		SELECT
			COUNT(*) FILTER (WHERE e.status = 'success') AS successful,
			COUNT(*) FILTER (WHERE e.status = 'failed') AS failed,
			COALESCE(SUM(e.fee_amount) FILTER (WHERE e.status = 'success'), 0) AS fees
		FROM execution_records e
		JOIN recurring_orders o ON o.id = e.order_id
		WHERE lower(o.owner_identity) = lower($1)`, owner)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}

	stats := &entities.OrderStats{
		OwnerIdentity:        owner,
		ByStatus:             make(map[entities.OrderStatus]int),
		TotalFees:            executions.Fees,
		SuccessfulExecutions: executions.Successful,
		FailedExecutions:     executions.Failed,
	}
	for _, t := range totals {
		stats.TotalOrders += t.Orders
		stats.ByStatus[t.Status] = t.Orders
		stats.TotalCommitted += t.Committed
		stats.TotalExecuted += t.Executed
		stats.TotalRemaining += t.Remaining
	}
	return stats, nil
}
