package dca

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

func TestExecuteNow_BypassesSchedule(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	result, err := h.service.ExecuteNow(context.Background(), order.ID, testOwner)
	require.NoError(t, err)
	require.NotNil(t, result.Record)
	assert.Nil(t, result.Pending)
	assert.True(t, result.Record.IsSuccess())
	assert.Equal(t, 1, h.order(t, order).CyclesCompleted)
}

func TestExecuteNow_ReturnsPendingAuthorizationWhenRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	_, err := h.issuer.Revoke(ctx, order.ExecutionIdentity, testOwner)
	require.NoError(t, err)

	result, err := h.service.ExecuteNow(ctx, order.ID, testOwner)
	require.NoError(t, err)
	assert.Nil(t, result.Record)
	require.NotNil(t, result.Pending)

	pending := result.Pending
	assert.Equal(t, order.ID, pending.OrderID)
	assert.Equal(t, 0, pending.CycleIndex)
	assert.Equal(t, order.ExecutionIdentity, pending.AutomationIdentity)
	require.Len(t, pending.Actions, 2)

	approve := pending.Actions[0]
	assert.Equal(t, entities.OperationApprove, approve.Operation)
	assert.Equal(t, testRouter, approve.Counterparty)
	assert.Equal(t, int64(20), approve.Amount)
	assert.Equal(t, "0.000020", approve.DisplayAmount)
	assert.Contains(t, approve.Purpose, "cycle 1 of 5")

	assert.Equal(t, entities.OperationSwap, pending.Actions[1].Operation)

	assert.Empty(t, h.provider.submissions(entities.OperationApprove))
	records, err := h.store.ListExecutions(ctx, order.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, records, "a pending authorization changes nothing")
}

func TestExecuteNow_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createOrder(t, 100, entities.FrequencyDaily, 5)

	_, err := h.service.ExecuteNow(ctx, order.ID, testStrange)
	assert.True(t, apperrors.IsForbidden(err))

	_, err = h.service.Pause(ctx, order.ID, testOwner)
	require.NoError(t, err)
	_, err = h.service.ExecuteNow(ctx, order.ID, testOwner)
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   int64
		decimals int32
		want     string
	}{
		{1500000, 6, "1.500000"},
		{1, 6, "0.000001"},
		{42, 0, "42"},
		{0, 2, "0.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.amount, tt.decimals))
	}
}
