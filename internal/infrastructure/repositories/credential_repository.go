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
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/internal/domain/services/credential"
	"github.com/rail-service/dca_service/pkg/tracing"
)

// CredentialRepository stores automation keys and delegated credentials
type CredentialRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ credential.Repository = (*CredentialRepository)(nil)

type credentialRow struct {
	entities.DelegatedCredential
	CapabilitiesJSON string `db:"capabilities"`
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *sqlx.DB, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, logger: logger}
}

// SaveKey stores an encrypted automation key
func (r *CredentialRepository) SaveKey(ctx context.Context, key *entities.AutomationKey) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "INSERT", Table: "automation_keys"})

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO automation_keys (identity, owner_identity, encrypted_private_key, created_at)
		VALUES (:identity, :owner_identity, :encrypted_private_key, :created_at)`, key)
	tracing.EndSpan(span, err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExistsError("AUTOMATION_KEY")
		}
		return fmt.Errorf("failed to save automation key: %w", err)
	}
	return nil
}

// GetKey returns an automation key by identity
func (r *CredentialRepository) GetKey(ctx context.Context, identity string) (*entities.AutomationKey, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "automation_keys"})

	var key entities.AutomationKey
	err := r.db.GetContext(ctx, &key, `
		SELECT identity, owner_identity, encrypted_private_key, created_at
		FROM automation_keys
		WHERE lower(identity) = lower($1)`, identity)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.EndSpan(span, nil)
		return nil, apperrors.NotFoundError("AUTOMATION_KEY")
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get automation key: %w", err)
	}
	return &key, nil
}

// CreateCredential stores a credential with its capabilities as JSONB
func (r *CredentialRepository) CreateCredential(ctx context.Context, cred *entities.DelegatedCredential) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "INSERT", Table: "delegated_credentials"})

	capabilities, err := json.Marshal(cred.Capabilities)
	if err != nil {
		tracing.EndSpan(span, err)
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}

	row := credentialRow{DelegatedCredential: *cred, CapabilitiesJSON: string(capabilities)}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO delegated_credentials (
			id, order_id, owner_identity, automation_identity, capabilities,
			status, token, valid_from, valid_until, created_at, revoked_at
		) VALUES (
			:id, :order_id, :owner_identity, :automation_identity, :capabilities,
			:status, :token, :valid_from, :valid_until, :created_at, :revoked_at
		)`, &row)
	tracing.EndSpan(span, err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ConflictError("credential", "an active credential is already bound to this identity")
		}
		r.logger.Error("Failed to create credential",
			zap.String("identity", cred.AutomationIdentity),
			zap.Error(err))
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetCredential returns the most recently issued credential for identity
func (r *CredentialRepository) GetCredential(ctx context.Context, identity string) (*entities.DelegatedCredential, error) {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "SELECT", Table: "delegated_credentials"})

	var row credentialRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, order_id, owner_identity, automation_identity, capabilities,
			status, token, valid_from, valid_until, created_at, revoked_at
		FROM delegated_credentials
		WHERE lower(automation_identity) = lower($1)
		ORDER BY created_at DESC
		LIMIT 1`, identity)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.EndSpan(span, nil)
		return nil, apperrors.NotFoundError("CREDENTIAL")
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred := row.DelegatedCredential
	if err := json.Unmarshal([]byte(row.CapabilitiesJSON), &cred.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return &cred, nil
}

// UpdateCredentialStatus sets a credential's status and revocation time
func (r *CredentialRepository) UpdateCredentialStatus(ctx context.Context, id uuid.UUID, status entities.CredentialStatus, at time.Time) error {
	ctx, span := tracing.StartDBSpan(ctx, tracing.DBSpanConfig{Operation: "UPDATE", Table: "delegated_credentials"})

	result, err := r.db.ExecContext(ctx, `
		UPDATE delegated_credentials SET status = $2, revoked_at = $3
		WHERE id = $1`, id, status, at)
	tracing.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFoundError("CREDENTIAL")
	}
	return nil
}
