package dca

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/dca_service/internal/domain/entities"
	"github.com/rail-service/dca_service/internal/domain/services/credential"
)

// OrderMutator edits a fresh copy of the order inside CompareAndUpdate
type OrderMutator = entities.OrderMutator

// OrderStore persists recurring orders and their execution log
type OrderStore interface {
	Create(ctx context.Context, order *entities.RecurringOrder) error
	Get(ctx context.Context, id uuid.UUID) (*entities.RecurringOrder, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*entities.RecurringOrder, error)
	ListByOwner(ctx context.Context, owner string) ([]*entities.RecurringOrder, error)
	// CompareAndUpdate applies mutate if the stored version equals expectedVersion,
	// bumps the version and appends records atomically. A moved version is a ConflictError.
	CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate OrderMutator, records ...*entities.ExecutionRecord) (*entities.RecurringOrder, error)
	AppendExecution(ctx context.Context, record *entities.ExecutionRecord) error
	ListExecutions(ctx context.Context, orderID uuid.UUID, limit int) ([]*entities.ExecutionRecord, error)
	HasSuccessfulExecution(ctx context.Context, orderID uuid.UUID, cycleIndex int) (bool, error)
	Stats(ctx context.Context, owner string) (*entities.OrderStats, error)
}

// SagaStore persists in-progress approve-then-swap sequences
type SagaStore interface {
	SaveMarker(ctx context.Context, marker *entities.SagaMarker) error
	// GetMarker returns nil when no marker exists
	GetMarker(ctx context.Context, orderID uuid.UUID) (*entities.SagaMarker, error)
	DeleteMarker(ctx context.Context, orderID uuid.UUID) error
}

// CredentialAuthority issues and enforces delegated credentials
type CredentialAuthority interface {
	NewAutomationIdentity(ctx context.Context, owner string) (*entities.AutomationKey, error)
	Issue(ctx context.Context, req credential.IssueRequest) (*entities.DelegatedCredential, error)
	Get(ctx context.Context, identity string) (*entities.DelegatedCredential, error)
	Revoke(ctx context.Context, identity, owner string) (*entities.DelegatedCredential, error)
	Void(ctx context.Context, identity string) error
	Authorize(ctx context.Context, identity string, actions []entities.Action, spent int64, now time.Time) error
	SignCall(ctx context.Context, identity string, call entities.SettlementCall) (*entities.SignedCall, error)
}

// SwapProvider quotes swaps and talks to the settlement layer
type SwapProvider interface {
	Quote(ctx context.Context, req entities.QuoteRequest) (*entities.Quote, error)
	Balance(ctx context.Context, identity, asset string) (int64, error)
	Allowance(ctx context.Context, identity, asset, spender string) (int64, error)
	Submit(ctx context.Context, call *entities.SignedCall) (string, error)
	Receipt(ctx context.Context, reference string) (*entities.Receipt, error)
}

// OrderLease is a per-order mutual exclusion with a TTL
type OrderLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Release(ctx context.Context, key, token string) error
}

// EventPublisher emits execution events after they are persisted
type EventPublisher interface {
	Publish(ctx context.Context, event *entities.ExecutionEvent) error
}

// CycleExecutor runs one cycle of an order
type CycleExecutor interface {
	ExecuteCycle(ctx context.Context, orderID uuid.UUID, opts ExecuteOptions) (*entities.ExecutionRecord, error)
}
