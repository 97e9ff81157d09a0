package dca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

func TestPipeline_RunsOrderToCompletion(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	require.Equal(t, 5, order.TotalCycles)

	for i := 0; i < 5; i++ {
		record, err := h.runDue(t, order)
		require.NoError(t, err, "cycle %d", i)
		require.NotNil(t, record)
		assert.Equal(t, i, record.CycleIndex)
		assert.Equal(t, int64(20), record.AmountIn)
		assert.Equal(t, int64(40), record.AmountOut)
		assert.True(t, record.IsSuccess())
	}

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCompleted, final.Status)
	assert.Equal(t, 5, final.CyclesCompleted)
	assert.Equal(t, int64(100), final.ExecutedAmount)
	assert.Equal(t, int64(0), final.RemainingAmount)

	cred, err := h.issuer.Get(context.Background(), order.ExecutionIdentity)
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusVoided, cred.Status)

	assert.Contains(t, h.events.types(), entities.EventOrderCompleted)
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 5)

	record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{Manual: true})
	assert.NoError(t, err)
	assert.Nil(t, record, "completed orders are never executed again")
}

func TestPipeline_RemainderGoesToFinalCycle(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 3)

	var amounts []int64
	for i := 0; i < 3; i++ {
		record, err := h.runDue(t, order)
		require.NoError(t, err)
		amounts = append(amounts, record.AmountIn)
	}
	assert.Equal(t, []int64{33, 33, 34}, amounts)
	assert.Equal(t, entities.OrderStatusCompleted, h.order(t, order).Status)
}

func TestPipeline_NotDueIsNoop(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Empty(t, h.provider.submissions(entities.OperationSwap))
}

func TestPipeline_SkipsApprovalWithSufficientAllowance(t *testing.T) {
	h := newHarness(t)
	h.provider.set(func(f *fakeProvider) { f.allowance = 1000 })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	_, err := h.runDue(t, order)
	require.NoError(t, err)
	assert.Empty(t, h.provider.submissions(entities.OperationApprove))
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 1)
}

func TestPipeline_InsufficientFundsAndRecovery(t *testing.T) {
	h := newHarness(t)
	h.provider.set(func(f *fakeProvider) { f.balance = 10 })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	record, err := h.runDue(t, order)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance))
	require.NotNil(t, record)
	assert.Equal(t, apperrors.CodeInsufficientBalance, *record.ErrorCode)

	current := h.order(t, order)
	assert.Equal(t, entities.OrderStatusInsufficientFunds, current.Status)
	assert.Equal(t, 0, current.CyclesCompleted)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), current.NextExecutionAt)
	assert.Empty(t, h.provider.submissions(entities.OperationSwap))

	h.provider.set(func(f *fakeProvider) { f.balance = 1000 })
	record, err = h.runDue(t, order)
	require.NoError(t, err)
	assert.True(t, record.IsSuccess())
	assert.Equal(t, 0, record.CycleIndex)

	current = h.order(t, order)
	assert.Equal(t, entities.OrderStatusActive, current.Status)
	assert.Equal(t, 1, current.CyclesCompleted)
}

func TestPipeline_ConcurrentExecutionIsExclusive(t *testing.T) {
	h := newHarness(t)
	swapped := make(chan string, 1)
	h.provider.set(func(f *fakeProvider) {
		f.holdSwaps = true
		f.onSwap = swapped
	})
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	h.clock.Set(h.order(t, order).NextExecutionAt)

	type outcome struct {
		record *entities.ExecutionRecord
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
		first <- outcome{record, err}
	}()

	select {
	case <-swapped:
	case <-time.After(2 * time.Second):
		t.Fatal("swap was never submitted")
	}

	record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
	assert.Nil(t, record)
	assert.True(t, errors.Is(err, apperrors.ErrExecutionInFlight))

	h.provider.set(func(f *fakeProvider) { f.holdSwaps = false })
	got := <-first
	require.NoError(t, got.err)
	require.NotNil(t, got.record)
	assert.True(t, got.record.IsSuccess())

	records, err := h.store.ListExecutions(context.Background(), order.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 1)
	assert.Equal(t, 1, h.order(t, order).CyclesCompleted)
}

func TestPipeline_CancelDuringSettlement(t *testing.T) {
	h := newHarness(t)
	swapped := make(chan string, 1)
	h.provider.set(func(f *fakeProvider) {
		f.balance = 100
		f.holdSwaps = true
		f.onSwap = swapped
	})
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	h.clock.Set(h.order(t, order).NextExecutionAt)

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
		done <- err
	}()

	select {
	case <-swapped:
	case <-time.After(2 * time.Second):
		t.Fatal("swap was never submitted")
	}

	cancelled, err := h.service.Cancel(context.Background(), order.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderStatusCancelled, cancelled.Status)

	h.provider.set(func(f *fakeProvider) { f.holdSwaps = false })
	require.NoError(t, <-done)

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCancelled, final.Status, "a landed swap never revives a cancelled order")
	assert.Equal(t, 1, final.CyclesCompleted)
	assert.Equal(t, int64(20), final.ExecutedAmount)
	assert.Equal(t, int64(80), final.RemainingAmount)

	transfers := h.provider.submissions(entities.OperationTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, testOwner, transfers[0].Call.Recipient)

	h.clock.Set(final.NextExecutionAt.Add(time.Hour))
	record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 1)
}

func TestPipeline_CancelDuringApprovalSkipsSwap(t *testing.T) {
	h := newHarness(t)
	approved := make(chan string, 1)
	h.provider.set(func(f *fakeProvider) {
		f.balance = 100
		f.holdApprove = true
		f.onApprove = approved
	})
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	h.clock.Set(h.order(t, order).NextExecutionAt)

	type outcome struct {
		record *entities.ExecutionRecord
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
		done <- outcome{record, err}
	}()

	select {
	case <-approved:
	case <-time.After(2 * time.Second):
		t.Fatal("approval was never submitted")
	}

	_, err := h.service.Cancel(context.Background(), order.ID, testOwner)
	require.NoError(t, err)

	h.provider.set(func(f *fakeProvider) { f.holdApprove = false })
	result := <-done
	require.NoError(t, result.err)
	assert.Nil(t, result.record)

	assert.Empty(t, h.provider.submissions(entities.OperationSwap))

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCancelled, final.Status)
	assert.Equal(t, 0, final.CyclesCompleted)
	assert.Equal(t, int64(0), final.ExecutedAmount)

	marker, err := h.store.GetMarker(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Nil(t, marker)

	transfers := h.provider.submissions(entities.OperationTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, testOwner, transfers[0].Call.Recipient)

	cred, err := h.issuer.Get(context.Background(), final.ExecutionIdentity)
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusVoided, cred.Status)
}

func TestPipeline_UntrustedTargetIsRejected(t *testing.T) {
	h := newHarness(t)
	h.provider.set(func(f *fakeProvider) { f.target = testRogue })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	record, err := h.runDue(t, order)
	require.Error(t, err)
	assert.True(t, apperrors.IsSecurityError(err))
	require.NotNil(t, record)
	assert.Equal(t, apperrors.CodeUntrustedTarget, *record.ErrorCode)
	assert.Empty(t, h.provider.submissions(entities.OperationApprove))
	assert.Empty(t, h.provider.submissions(entities.OperationSwap))

	current := h.order(t, order)
	assert.Equal(t, entities.OrderStatusActive, current.Status)
	assert.Equal(t, 0, current.CyclesCompleted)
}

func TestPipeline_QuoteMismatchIsRejected(t *testing.T) {
	cases := []struct {
		name   string
		tamper func(q *entities.Quote)
	}{
		{"wrong buy asset", func(q *entities.Quote) { q.BuyAsset = "0x00000000000000000000000000000000000000ee" }},
		{"wrong sell asset", func(q *entities.Quote) { q.SellAsset = testBuy }},
		{"wrong amount in", func(q *entities.Quote) { q.AmountIn++ }},
		{"no minimum out", func(q *entities.Quote) { q.MinAmountOut = 0 }},
		{"minimum above expected", func(q *entities.Quote) { q.MinAmountOut = q.ExpectedAmountOut + 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.provider.set(func(f *fakeProvider) { f.tamper = tc.tamper })
			order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

			record, err := h.runDue(t, order)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrQuoteMismatch))
			assert.True(t, apperrors.IsSecurityError(err))
			require.NotNil(t, record)
			assert.Equal(t, apperrors.CodeQuoteMismatch, *record.ErrorCode)
			assert.Empty(t, h.provider.submissions(entities.OperationApprove))
			assert.Empty(t, h.provider.submissions(entities.OperationSwap))

			current := h.order(t, order)
			assert.Equal(t, 0, current.CyclesCompleted)
			assert.Equal(t, int64(0), current.ExecutedAmount)

			_, err = h.pipeline.Plan(context.Background(), current)
			assert.True(t, errors.Is(err, apperrors.ErrQuoteMismatch))
		})
	}
}

func TestPipeline_CapabilityDenial(t *testing.T) {
	h := newHarness(t, func(cfg *PipelineConfig) {
		cfg.TrustedRouters = append(cfg.TrustedRouters, testRouter2)
	})
	h.provider.set(func(f *fakeProvider) { f.target = testRouter2 })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	record, err := h.runDue(t, order)
	require.Error(t, err)
	assert.True(t, apperrors.IsForbidden(err))
	require.NotNil(t, record)
	assert.Equal(t, apperrors.CodePermissionDenied, *record.ErrorCode)
	assert.Empty(t, h.provider.submissions(entities.OperationSwap))
}

func TestPipeline_RejectedSwapClearsMarker(t *testing.T) {
	h := newHarness(t)
	h.provider.set(func(f *fakeProvider) { f.rejectSwaps = true })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	record, err := h.runDue(t, order)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSettlementRejected, *record.ErrorCode)

	marker, err := h.store.GetMarker(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Nil(t, marker)
	assert.Equal(t, 0, h.order(t, order).CyclesCompleted)
}

func TestPipeline_ProviderOutageDefersCycle(t *testing.T) {
	h := newHarness(t)
	h.provider.set(func(f *fakeProvider) { f.quoteErr = errors.New("connection refused") })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	record, err := h.runDue(t, order)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, apperrors.CodeProviderError, *record.ErrorCode)

	current := h.order(t, order)
	assert.Equal(t, entities.OrderStatusActive, current.Status)
	assert.True(t, current.NextExecutionAt.After(h.clock.Now()))
}

func TestPipeline_SettlementTimeoutThenReconciliation(t *testing.T) {
	h := newHarness(t, func(cfg *PipelineConfig) {
		cfg.SettlementTimeout = 20 * time.Millisecond
	})
	h.provider.set(func(f *fakeProvider) { f.holdSwaps = true })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	ctx := context.Background()

	record, err := h.runDue(t, order)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSettlementTimeout, *record.ErrorCode)

	marker, err := h.store.GetMarker(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, entities.SagaPhaseSwapSubmitted, marker.Phase)
	assert.Equal(t, 0, marker.CycleIndex)

	record, err = h.runDue(t, order)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSettlementUnresolved))
	assert.Equal(t, apperrors.CodeSettlementUnresolved, *record.ErrorCode)
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 1, "no second swap while the first is unresolved")

	marker, err = h.store.GetMarker(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, marker)

	h.provider.set(func(f *fakeProvider) { f.holdSwaps = false })
	record, err = h.runDue(t, order)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsSuccess())
	assert.Equal(t, 0, record.CycleIndex)
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 1)

	marker, err = h.store.GetMarker(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, marker)
	assert.Equal(t, 1, h.order(t, order).CyclesCompleted)
}

func TestPipeline_CancelReconcilesLandedSwap(t *testing.T) {
	h := newHarness(t, func(cfg *PipelineConfig) {
		cfg.SettlementTimeout = 20 * time.Millisecond
	})
	h.provider.set(func(f *fakeProvider) { f.holdSwaps = true })
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	_, err := h.runDue(t, order)
	require.Error(t, err)

	h.provider.set(func(f *fakeProvider) { f.holdSwaps = false })
	cancelled, err := h.service.Cancel(context.Background(), order.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 1, cancelled.CyclesCompleted)
	assert.Equal(t, int64(20), cancelled.ExecutedAmount)

	ok, err := h.store.HasSuccessfulExecution(context.Background(), order.ID, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPipeline_StaleMarkerIsDiscarded(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	ctx := context.Background()

	ref := "0xstale"
	require.NoError(t, h.store.SaveMarker(ctx, &entities.SagaMarker{
		OrderID:       order.ID,
		CycleIndex:    3,
		Phase:         entities.SagaPhaseSwapSubmitted,
		SwapReference: &ref,
	}))

	record, err := h.runDue(t, order)
	require.NoError(t, err)
	assert.Equal(t, 0, record.CycleIndex)

	marker, err := h.store.GetMarker(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestPipeline_ExpiredOrderCompletes(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	h.clock.Set(order.ExpiresAt.Add(time.Hour))
	record, err := h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Nil(t, record)

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCompleted, final.Status)
	assert.Equal(t, int64(100), final.RemainingAmount)
	assert.Contains(t, h.events.types(), entities.EventOrderExpired)
	assert.Empty(t, h.provider.submissions(entities.OperationSwap))
}

func TestPipeline_Plan(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	plan, err := h.pipeline.Plan(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.CycleIndex)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, entities.OperationApprove, plan.Actions[0].Operation)
	assert.Equal(t, testSell, plan.Actions[0].Target)
	assert.Equal(t, entities.OperationSwap, plan.Actions[1].Operation)
	assert.Equal(t, testRouter, plan.Actions[1].Target)

	h.provider.set(func(f *fakeProvider) { f.target = testRogue })
	_, err = h.pipeline.Plan(context.Background(), order)
	assert.True(t, errors.Is(err, apperrors.ErrUntrustedTarget))
}

func TestPipeline_PendingSwapSettlesAfterCancel(t *testing.T) {
	h := newHarness(t, func(cfg *PipelineConfig) {
		cfg.SettlementTimeout = 20 * time.Millisecond
	})
	h.provider.set(func(f *fakeProvider) {
		f.balance = 100
		f.holdSwaps = true
	})
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)
	ctx := context.Background()

	_, err := h.runDue(t, order)
	require.True(t, errors.Is(err, apperrors.ErrSettlementTimeout))

	cancelled, err := h.service.Cancel(ctx, order.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.CyclesCompleted)
	assert.Empty(t, h.provider.submissions(entities.OperationTransfer), "no sweep while a swap is outstanding")

	cred, err := h.issuer.Get(ctx, order.ExecutionIdentity)
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusActive, cred.Status)

	due, err := h.store.ListDue(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "a cancelled order with a submitted swap stays schedulable")
	assert.Equal(t, order.ID, due[0].ID)

	h.provider.set(func(f *fakeProvider) { f.holdSwaps = false })
	record, err := h.pipeline.ExecuteCycle(ctx, order.ID, ExecuteOptions{})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsSuccess())
	assert.Len(t, h.provider.submissions(entities.OperationSwap), 1)

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCancelled, final.Status)
	assert.Equal(t, 1, final.CyclesCompleted)
	assert.Equal(t, int64(20), final.ExecutedAmount)

	marker, err := h.store.GetMarker(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, marker)

	transfers := h.provider.submissions(entities.OperationTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, testOwner, transfers[0].Call.Recipient)

	cred, err = h.issuer.Get(ctx, order.ExecutionIdentity)
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusVoided, cred.Status)

	due, err = h.store.ListDue(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPipeline_FinalSwapCompletesPausedOrder(t *testing.T) {
	h := newHarness(t)
	swapped := make(chan string, 1)
	h.provider.set(func(f *fakeProvider) {
		f.holdSwaps = true
		f.onSwap = swapped
	})
	order := h.createOrder(t, 100, entities.FrequencyDaily, 1)
	require.Equal(t, 1, order.TotalCycles)
	h.clock.Set(h.order(t, order).NextExecutionAt)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.ExecuteCycle(ctx, order.ID, ExecuteOptions{})
		done <- err
	}()

	select {
	case <-swapped:
	case <-time.After(2 * time.Second):
		t.Fatal("swap was never submitted")
	}

	paused, err := h.service.Pause(ctx, order.ID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderStatusPaused, paused.Status)

	h.provider.set(func(f *fakeProvider) { f.holdSwaps = false })
	require.NoError(t, <-done)

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCompleted, final.Status)
	assert.Equal(t, 1, final.CyclesCompleted)
	assert.Equal(t, int64(0), final.RemainingAmount)

	cred, err := h.issuer.Get(ctx, order.ExecutionIdentity)
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusVoided, cred.Status)
	assert.Contains(t, h.events.types(), entities.EventOrderCompleted)
}

func TestPipeline_EighteenDecimalAmounts(t *testing.T) {
	h := newHarness(t)
	h.provider.set(func(f *fakeProvider) { f.balance = 30_000_000_000_000_000 })
	bps := 1000
	order, err := h.service.Create(context.Background(), testOwner, &entities.CreateOrderRequest{
		SellAsset:      testSell,
		BuyAsset:       testBuy,
		TotalAmount:    20_000_000_000_000_000,
		Frequency:      entities.FrequencyDaily,
		DurationDays:   1,
		FeeBasisPoints: &bps,
	})
	require.NoError(t, err)

	record, err := h.runDue(t, order)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsSuccess())
	assert.Equal(t, int64(20_000_000_000_000_000), record.AmountIn)
	assert.Equal(t, int64(2_000_000_000_000_000), record.FeeAmount)

	swaps := h.provider.submissions(entities.OperationSwap)
	require.Len(t, swaps, 1)
	assert.Equal(t, int64(18_000_000_000_000_000), swaps[0].Call.Amount)

	final := h.order(t, order)
	assert.Equal(t, entities.OrderStatusCompleted, final.Status)
	assert.Equal(t, int64(20_000_000_000_000_000), final.ExecutedAmount)
}
