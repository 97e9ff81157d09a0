package dca

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	"github.com/rail-service/dca_service/internal/domain/services/credential"
	"github.com/rail-service/dca_service/internal/infrastructure/cache"
	"github.com/rail-service/dca_service/internal/infrastructure/repositories"
	"github.com/rail-service/dca_service/pkg/crypto"
	"github.com/rail-service/dca_service/pkg/retry"
)

const (
	testOwner   = "0x1111111111111111111111111111111111111111"
	testSell    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testBuy     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	testRouter  = "0xcccccccccccccccccccccccccccccccccccccccc"
	testRouter2 = "0xdddddddddddddddddddddddddddddddddddddddd"
	testRogue   = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	testStrange = "0x9999999999999999999999999999999999999999"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeProvider confirms every call unless swaps are held or rejected
type fakeProvider struct {
	mu          sync.Mutex
	balance     int64
	allowance   int64
	target      string
	quoteErr    error
	holdSwaps   bool
	holdApprove bool
	rejectSwaps bool
	seq         int
	calls       map[string]*entities.SignedCall
	submitted   []*entities.SignedCall
	onSwap      chan string
	onApprove   chan string
	tamper      func(*entities.Quote)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		balance: 1000,
		target:  testRouter,
		calls:   make(map[string]*entities.SignedCall),
	}
}

func (f *fakeProvider) Quote(ctx context.Context, req entities.QuoteRequest) (*entities.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	f.seq++
	quote := &entities.Quote{
		ID:                fmt.Sprintf("quote-%d", f.seq),
		Provider:          "fake",
		SellAsset:         req.SellAsset,
		BuyAsset:          req.BuyAsset,
		AmountIn:          req.AmountIn,
		ExpectedAmountOut: req.AmountIn * 2,
		MinAmountOut:      req.AmountIn * 2 * 99 / 100,
		Target:            f.target,
		CallData:          "0x",
		ExpiresAt:         time.Now().Add(time.Minute),
	}
	if f.tamper != nil {
		f.tamper(quote)
	}
	return quote, nil
}

func (f *fakeProvider) Balance(ctx context.Context, identity, asset string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeProvider) Allowance(ctx context.Context, identity, asset, spender string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowance, nil
}

func (f *fakeProvider) Submit(ctx context.Context, call *entities.SignedCall) (string, error) {
	if err := credential.VerifySignedCall(call); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.seq++
	ref := fmt.Sprintf("0xref%d", f.seq)
	f.calls[ref] = call
	f.submitted = append(f.submitted, call)
	var notify chan string
	switch call.Call.Operation {
	case entities.OperationSwap:
		notify = f.onSwap
	case entities.OperationApprove:
		notify = f.onApprove
	}
	f.mu.Unlock()

	if notify != nil {
		select {
		case notify <- ref:
		default:
		}
	}
	return ref, nil
}

func (f *fakeProvider) Receipt(ctx context.Context, reference string) (*entities.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call, ok := f.calls[reference]
	if !ok {
		return nil, fmt.Errorf("unknown reference %s", reference)
	}
	if call.Call.Operation == entities.OperationApprove && f.holdApprove {
		return &entities.Receipt{Reference: reference, Status: entities.ReceiptStatusPending}, nil
	}
	if call.Call.Operation == entities.OperationSwap {
		switch {
		case f.holdSwaps:
			return &entities.Receipt{Reference: reference, Status: entities.ReceiptStatusPending}, nil
		case f.rejectSwaps:
			return &entities.Receipt{Reference: reference, Status: entities.ReceiptStatusFailed, Reason: "slippage"}, nil
		}
	}
	return &entities.Receipt{
		Reference: reference,
		Status:    entities.ReceiptStatusConfirmed,
		AmountOut: call.Call.Amount * 2,
	}, nil
}

func (f *fakeProvider) set(fn func(f *fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProvider) submissions(op entities.Operation) []*entities.SignedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.SignedCall
	for _, c := range f.submitted {
		if c.Call.Operation == op {
			out = append(out, c)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*entities.ExecutionEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, event *entities.ExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store    *repositories.MemoryStore
	issuer   *credential.Issuer
	provider *fakeProvider
	events   *recordingPublisher
	pipeline *Pipeline
	service  *OrderService
	clock    *testClock
}

func testRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newHarness(t *testing.T, tweaks ...func(*PipelineConfig)) *harness {
	t.Helper()

	logger := zap.NewNop()
	store := repositories.NewMemoryStore()
	cipher, err := crypto.NewCipher("test-master-key")
	require.NoError(t, err)
	issuer := credential.NewIssuer(store, cipher, "test-token-secret", logger)
	provider := newFakeProvider()
	events := &recordingPublisher{}
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	cfg := PipelineConfig{
		LeaseTTL:            time.Minute,
		SettlementTimeout:   2 * time.Second,
		ApprovalTimeout:     2 * time.Second,
		ReceiptPollInterval: time.Millisecond,
		TrustedRouters:      []string{testRouter},
		ConflictRetry:       testRetryPolicy(),
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	pipeline, err := NewPipeline(store, store, issuer, provider, cache.NewMemoryLease(), events, cfg, logger)
	require.NoError(t, err)
	pipeline.now = clock.Now

	service := NewOrderService(store, store, issuer, pipeline, OrderServiceConfig{
		StartDelay:      time.Minute,
		TrustedRouters:  []string{testRouter},
		AssetDecimals:   map[string]int32{testSell: 6, testBuy: 18},
		DefaultDecimals: 18,
		ConflictRetry:   testRetryPolicy(),
	}, logger)
	service.now = clock.Now

	return &harness{
		store:    store,
		issuer:   issuer,
		provider: provider,
		events:   events,
		pipeline: pipeline,
		service:  service,
		clock:    clock,
	}
}

func (h *harness) createOrder(t *testing.T, total int64, freq entities.Frequency, days int) *entities.RecurringOrder {
	t.Helper()
	order, err := h.service.Create(context.Background(), testOwner, &entities.CreateOrderRequest{
		SellAsset:    testSell,
		BuyAsset:     testBuy,
		TotalAmount:  total,
		Frequency:    freq,
		DurationDays: days,
	})
	require.NoError(t, err)
	return order
}

func (h *harness) order(t *testing.T, order *entities.RecurringOrder) *entities.RecurringOrder {
	t.Helper()
	current, err := h.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	return current
}

// runDue moves the clock to the order's next execution time and runs a scheduled cycle
func (h *harness) runDue(t *testing.T, order *entities.RecurringOrder) (*entities.ExecutionRecord, error) {
	t.Helper()
	current := h.order(t, order)
	h.clock.Set(current.NextExecutionAt)
	return h.pipeline.ExecuteCycle(context.Background(), order.ID, ExecuteOptions{})
}
