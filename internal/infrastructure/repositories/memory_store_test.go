package repositories

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

func newStoredOrder(t *testing.T, store *MemoryStore, next time.Time) *entities.RecurringOrder {
	t.Helper()
	order := &entities.RecurringOrder{
		ID:                uuid.New(),
		OwnerIdentity:     "0x1111111111111111111111111111111111111111",
		ExecutionIdentity: "0x2222222222222222222222222222222222222222",
		SellAsset:         "0x3333333333333333333333333333333333333333",
		BuyAsset:          "0x4444444444444444444444444444444444444444",
		TotalAmount:       100,
		RemainingAmount:   100,
		Frequency:         entities.FrequencyDaily,
		TotalCycles:       5,
		Status:            entities.OrderStatusActive,
		NextExecutionAt:   next,
		CreatedAt:         next,
	}
	require.NoError(t, store.Create(context.Background(), order))
	return order
}

func TestMemoryStore_CompareAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newStoredOrder(t, store, time.Now())

	updated, err := store.CompareAndUpdate(ctx, order.ID, 1, func(o *entities.RecurringOrder) error {
		o.Status = entities.OrderStatusPaused
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.CompareAndUpdate(ctx, order.ID, 1, func(o *entities.RecurringOrder) error { return nil })
	assert.True(t, apperrors.IsConflict(err))

	_, err = store.CompareAndUpdate(ctx, uuid.New(), 1, func(o *entities.RecurringOrder) error { return nil })
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryStore_CompareAndUpdateIsAtomicWithRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newStoredOrder(t, store, time.Now())

	success := func() *entities.ExecutionRecord {
		return &entities.ExecutionRecord{ID: uuid.New(), OrderID: order.ID, CycleIndex: 0, Status: entities.ExecutionStatusSuccess, AmountIn: 20}
	}

	_, err := store.CompareAndUpdate(ctx, order.ID, 1, func(o *entities.RecurringOrder) error {
		o.RecordCycle(20, time.Now())
		return nil
	}, success())
	require.NoError(t, err)

	_, err = store.CompareAndUpdate(ctx, order.ID, 2, func(o *entities.RecurringOrder) error {
		o.RecordCycle(20, time.Now())
		return nil
	}, success())
	assert.True(t, apperrors.IsAlreadyExists(err))

	current, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.CyclesCompleted, "rejected record must not apply the mutation")

	ok, err := store.HasSuccessfulExecution(ctx, order.ID, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newStoredOrder(t, store, time.Now())

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CompareAndUpdate(ctx, order.ID, 1, func(o *entities.RecurringOrder) error {
				o.CyclesCompleted++
				return nil
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryStore_ListDue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	late := newStoredOrder(t, store, now.Add(-time.Hour))
	early := newStoredOrder(t, store, now.Add(-2*time.Hour))
	newStoredOrder(t, store, now.Add(time.Hour))
	paused := newStoredOrder(t, store, now.Add(-time.Hour))
	_, err := store.CompareAndUpdate(ctx, paused.ID, 1, func(o *entities.RecurringOrder) error {
		o.Status = entities.OrderStatusPaused
		return nil
	})
	require.NoError(t, err)

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	due, err = store.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryStore_ListDueIncludesSubmittedSwaps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	cancelled := newStoredOrder(t, store, now.Add(time.Hour))
	_, err := store.CompareAndUpdate(ctx, cancelled.ID, 1, func(o *entities.RecurringOrder) error {
		o.Status = entities.OrderStatusCancelled
		return nil
	})
	require.NoError(t, err)
	approving := newStoredOrder(t, store, now.Add(-time.Hour))
	_, err = store.CompareAndUpdate(ctx, approving.ID, 1, func(o *entities.RecurringOrder) error {
		o.Status = entities.OrderStatusPaused
		return nil
	})
	require.NoError(t, err)

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	ref := "0xswap"
	require.NoError(t, store.SaveMarker(ctx, &entities.SagaMarker{OrderID: cancelled.ID, Phase: entities.SagaPhaseSwapSubmitted, SwapReference: &ref}))
	require.NoError(t, store.SaveMarker(ctx, &entities.SagaMarker{OrderID: approving.ID, Phase: entities.SagaPhasePendingSwap}))

	due, err = store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "only a submitted swap needs settling")
	assert.Equal(t, cancelled.ID, due[0].ID)
}

func TestMemoryStore_ClonesOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newStoredOrder(t, store, time.Now())

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	got.Status = entities.OrderStatusCancelled

	again, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderStatusActive, again.Status)
}

func TestMemoryStore_Markers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := uuid.New()

	marker, err := store.GetMarker(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, marker)

	ref := "0xabc"
	require.NoError(t, store.SaveMarker(ctx, &entities.SagaMarker{OrderID: id, Phase: entities.SagaPhaseSwapSubmitted, SwapReference: &ref}))
	marker, err = store.GetMarker(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "0xabc", *marker.SwapReference)

	require.NoError(t, store.DeleteMarker(ctx, id))
	marker, err = store.GetMarker(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newStoredOrder(t, store, time.Now())

	code := "provider_error"
	_, err := store.CompareAndUpdate(ctx, order.ID, 1, func(o *entities.RecurringOrder) error {
		o.RecordCycle(20, time.Now())
		return nil
	},
		&entities.ExecutionRecord{ID: uuid.New(), OrderID: order.ID, CycleIndex: 0, Status: entities.ExecutionStatusSuccess, AmountIn: 20, FeeAmount: 1},
		&entities.ExecutionRecord{ID: uuid.New(), OrderID: order.ID, CycleIndex: 1, Status: entities.ExecutionStatusFailed, ErrorCode: &code},
	)
	require.NoError(t, err)

	stats, err := store.Stats(ctx, order.OwnerIdentity)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalOrders)
	assert.Equal(t, int64(100), stats.TotalCommitted)
	assert.Equal(t, int64(20), stats.TotalExecuted)
	assert.Equal(t, int64(80), stats.TotalRemaining)
	assert.Equal(t, int64(1), stats.TotalFees)
	assert.Equal(t, 1, stats.SuccessfulExecutions)
	assert.Equal(t, 1, stats.FailedExecutions)
}
