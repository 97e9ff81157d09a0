package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

// MemoryStore is an in-process implementation of the order, saga and
// credential stores. Values are cloned on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[uuid.UUID]*entities.RecurringOrder
	executions  map[uuid.UUID][]*entities.ExecutionRecord
	markers     map[uuid.UUID]*entities.SagaMarker
	keys        map[string]*entities.AutomationKey
	credentials map[string][]*entities.DelegatedCredential
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[uuid.UUID]*entities.RecurringOrder),
		executions:  make(map[uuid.UUID][]*entities.ExecutionRecord),
		markers:     make(map[uuid.UUID]*entities.SagaMarker),
		keys:        make(map[string]*entities.AutomationKey),
		credentials: make(map[string][]*entities.DelegatedCredential),
	}
}

func identityKey(identity string) string {
	return strings.ToLower(identity)
}

// Create stores a new order
func (s *MemoryStore) Create(ctx context.Context, order *entities.RecurringOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return apperrors.AlreadyExistsError("ORDER")
	}
	if order.Version == 0 {
		order.Version = 1
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

// Get returns an order by ID
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*entities.RecurringOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, apperrors.NotFoundError("ORDER")
	}
	return order.Clone(), nil
}

// ListDue returns executable orders scheduled at or before now, plus paused or
// terminal orders that still carry a submitted swap, earliest first
func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*entities.RecurringOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*entities.RecurringOrder
	for id, order := range s.orders {
		if order.IsExecutable() && order.IsDue(now) {
			due = append(due, order.Clone())
			continue
		}
		if marker := s.markers[id]; !order.IsExecutable() && marker != nil && marker.Phase == entities.SagaPhaseSwapSubmitted {
			due = append(due, order.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecutionAt.Before(due[j].NextExecutionAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListByOwner returns the owner's orders, newest first
func (s *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*entities.RecurringOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]*entities.RecurringOrder, 0)
	for _, order := range s.orders {
		if strings.EqualFold(order.OwnerIdentity, owner) {
			orders = append(orders, order.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// CompareAndUpdate applies mutate when the stored version matches expectedVersion
func (s *MemoryStore) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate entities.OrderMutator, records ...*entities.ExecutionRecord) (*entities.RecurringOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return nil, apperrors.NotFoundError("ORDER")
	}
	if current.Version != expectedVersion {
		return nil, apperrors.ConflictError("order", "version has moved")
	}

	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := s.checkUniqueSuccess(record); err != nil {
			return nil, err
		}
	}

	updated.Version = current.Version + 1
	s.orders[id] = updated
	for _, record := range records {
		s.executions[record.OrderID] = append(s.executions[record.OrderID], record.Clone())
	}
	return updated.Clone(), nil
}

func (s *MemoryStore) checkUniqueSuccess(record *entities.ExecutionRecord) error {
	if !record.IsSuccess() {
		return nil
	}
	for _, existing := range s.executions[record.OrderID] {
		if existing.IsSuccess() && existing.CycleIndex == record.CycleIndex {
			return apperrors.AlreadyExistsError("EXECUTION")
		}
	}
	return nil
}

// AppendExecution appends a record outside of an order update
func (s *MemoryStore) AppendExecution(ctx context.Context, record *entities.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUniqueSuccess(record); err != nil {
		return err
	}
	s.executions[record.OrderID] = append(s.executions[record.OrderID], record.Clone())
	return nil
}

// ListExecutions returns the order's records, newest first
func (s *MemoryStore) ListExecutions(ctx context.Context, orderID uuid.UUID, limit int) ([]*entities.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.executions[orderID]
	records := make([]*entities.ExecutionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		records = append(records, all[i].Clone())
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// HasSuccessfulExecution reports whether the cycle already settled
func (s *MemoryStore) HasSuccessfulExecution(ctx context.Context, orderID uuid.UUID, cycleIndex int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.executions[orderID] {
		if record.IsSuccess() && record.CycleIndex == cycleIndex {
			return true, nil
		}
	}
	return false, nil
}

// Stats aggregates the owner's orders and executions
func (s *MemoryStore) Stats(ctx context.Context, owner string) (*entities.OrderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &entities.OrderStats{
		OwnerIdentity: owner,
		ByStatus:      make(map[entities.OrderStatus]int),
	}
	for _, order := range s.orders {
		if !strings.EqualFold(order.OwnerIdentity, owner) {
			continue
		}
		stats.TotalOrders++
		stats.ByStatus[order.Status]++
		stats.TotalCommitted += order.TotalAmount
		stats.TotalExecuted += order.ExecutedAmount
		stats.TotalRemaining += order.RemainingAmount

		for _, record := range s.executions[order.ID] {
			if record.IsSuccess() {
				stats.SuccessfulExecutions++
				stats.TotalFees += record.FeeAmount
			} else {
				stats.FailedExecutions++
			}
		}
	}
	return stats, nil
}

// SaveMarker upserts the order's saga marker
func (s *MemoryStore) SaveMarker(ctx context.Context, marker *entities.SagaMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[marker.OrderID] = marker.Clone()
	return nil
}

// GetMarker returns the order's saga marker or nil
func (s *MemoryStore) GetMarker(ctx context.Context, orderID uuid.UUID) (*entities.SagaMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markers[orderID].Clone(), nil
}

// DeleteMarker removes the order's saga marker
func (s *MemoryStore) DeleteMarker(ctx context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, orderID)
	return nil
}

// SaveKey stores an automation key
func (s *MemoryStore) SaveKey(ctx context.Context, key *entities.AutomationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := identityKey(key.Identity)
	if _, exists := s.keys[k]; exists {
		return apperrors.AlreadyExistsError("AUTOMATION_KEY")
	}
	cp := *key
	s.keys[k] = &cp
	return nil
}

// GetKey returns an automation key by identity
func (s *MemoryStore) GetKey(ctx context.Context, identity string) (*entities.AutomationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[identityKey(identity)]
	if !ok {
		return nil, apperrors.NotFoundError("AUTOMATION_KEY")
	}
	cp := *key
	return &cp, nil
}

// CreateCredential stores a credential
func (s *MemoryStore) CreateCredential(ctx context.Context, cred *entities.DelegatedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := identityKey(cred.AutomationIdentity)
	s.credentials[k] = append(s.credentials[k], cred.Clone())
	return nil
}

// GetCredential returns the most recently issued credential for identity
func (s *MemoryStore) GetCredential(ctx context.Context, identity string) (*entities.DelegatedCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := s.credentials[identityKey(identity)]
	if len(creds) == 0 {
		return nil, apperrors.NotFoundError("CREDENTIAL")
	}
	return creds[len(creds)-1].Clone(), nil
}

// UpdateCredentialStatus sets a credential's status
func (s *MemoryStore) UpdateCredentialStatus(ctx context.Context, id uuid.UUID, status entities.CredentialStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, creds := range s.credentials {
		for _, cred := range creds {
			if cred.ID == id {
				cred.Status = status
				t := at
				cred.RevokedAt = &t
				return nil
			}
		}
	}
	return apperrors.NotFoundError("CREDENTIAL")
}
