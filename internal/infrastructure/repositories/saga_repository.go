package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	"github.com/rail-service/dca_service/pkg/tracing"
)

// SagaRepository stores approve-then-swap markers, one row per order
type SagaRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type sagaMarkerRow struct {
	OrderID           uuid.UUID          `db:"order_id"`
	CycleIndex        int                `db:"cycle_index"`
	Phase             entities.SagaPhase `db:"phase"`
	ApprovalReference *string            `db:"approval_reference"`
	SwapReference     *string            `db:"swap_reference"`
	Intent            string             `db:"intent"`
	CreatedAt         time.Time          `db:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at"`
}

// NewSagaRepository creates a new saga marker repository
func NewSagaRepository(db *sqlx.DB, logger *zap.Logger) *SagaRepository {
	return &SagaRepository{db: db, logger: logger}
}

// SaveMarker upserts the order's marker
func (r *SagaRepository) SaveMarker(ctx context.Context, marker *entities.SagaMarker) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "UPSERT", Table: "saga_markers"})

	intent, err := json.Marshal(marker.Intent)
	if err != nil {
		tracing.EndSpan(span, err)
		return fmt.Errorf("failed to encode swap intent: %w", err)
	}

	row := sagaMarkerRow{
		OrderID:           marker.OrderID,
		CycleIndex:        marker.CycleIndex,
		Phase:             marker.Phase,
		ApprovalReference: marker.ApprovalReference,
		SwapReference:     marker.SwapReference,
		Intent:            string(intent),
		CreatedAt:         marker.CreatedAt,
		UpdatedAt:         marker.UpdatedAt,
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO saga_markers (order_id, cycle_index, phase, approval_reference, swap_reference, intent, created_at, updated_at)
		VALUES (:order_id, :cycle_index, :phase, :approval_reference, :swap_reference, :intent, :created_at, :updated_at)
		ON CONFLICT (order_id) DO UPDATE SET
			cycle_index = EXCLUDED.cycle_index,
			phase = EXCLUDED.phase,
			approval_reference = EXCLUDED.approval_reference,
			swap_reference = EXCLUDED.swap_reference,
			intent = EXCLUDED.intent,
			updated_at = EXCLUDED.updated_at`, &row)
	tracing.EndSpan(span, err)
	if err != nil {
		r.logger.Error("Failed to save saga marker",
			zap.String("order_id", marker.OrderID.String()),
			zap.String("phase", string(marker.Phase)),
			zap.Error(err))
		return fmt.Errorf("failed to save saga marker: %w", err)
	}
	return nil
}

// GetMarker returns the order's marker, or nil when none exists
func (r *SagaRepository) GetMarker(ctx context.Context, orderID uuid.UUID) (*entities.SagaMarker, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "saga_markers"})

	var row sagaMarkerRow
	err := r.db.GetContext(ctx, &row, `
		SELECT order_id, cycle_index, phase, approval_reference, swap_reference, intent, created_at, updated_at
		FROM saga_markers
		WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.EndSpan(span, nil)
		return nil, nil
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get saga marker: %w", err)
	}

	marker := &entities.SagaMarker{
		OrderID:           row.OrderID,
		CycleIndex:        row.CycleIndex,
		Phase:             row.Phase,
		ApprovalReference: row.ApprovalReference,
		SwapReference:     row.SwapReference,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Intent), &marker.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode swap intent: %w", err)
	}
	return marker, nil
}

// DeleteMarker removes the order's marker
func (r *SagaRepository) DeleteMarker(ctx context.Context, orderID uuid.UUID) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "DELETE", Table: "saga_markers"})

	_, err := r.db.ExecContext(ctx, `DELETE FROM saga_markers WHERE order_id = $1`, orderID)
	tracing.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("failed to delete saga marker: %w", err)
	}
	return nil
}
