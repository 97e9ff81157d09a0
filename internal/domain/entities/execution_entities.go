package entities

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the outcome of one cycle attempt
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// ExecutionRecord is the append-only audit entry for a cycle attempt
type ExecutionRecord struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	OrderID             uuid.UUID       `json:"order_id" db:"order_id"`
	CycleIndex          int             `json:"cycle_index" db:"cycle_index"`
	ExecutedAt          time.Time       `json:"executed_at" db:"executed_at"`
	AmountIn            int64           `json:"amount_in" db:"amount_in"`
	FeeAmount           int64           `json:"fee_amount" db:"fee_amount"`
	AmountOut           int64           `json:"amount_out" db:"amount_out"`
	SettlementReference *string         `json:"settlement_reference,omitempty" db:"settlement_reference"`
	Status              ExecutionStatus `json:"status" db:"status"`
	ErrorCode           *string         `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage        *string         `json:"error_message,omitempty" db:"error_message"`
	ProviderUsed        *string         `json:"provider_used,omitempty" db:"provider_used"`
	PriceImpactBps      *int            `json:"price_impact_bps,omitempty" db:"price_impact_bps"`
}

// IsSuccess reports whether the cycle settled
func (r *ExecutionRecord) IsSuccess() bool {
	return r.Status == ExecutionStatusSuccess
}

// Clone returns a copy of the record
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// QuoteRequest asks the provider for a swap route
type QuoteRequest struct {
	SellAsset string `json:"sell_asset"`
	BuyAsset  string `json:"buy_asset"`
	AmountIn  int64  `json:"amount_in"`
	Taker     string `json:"taker"`
}

// Quote is a priced swap route. Target is the contract that will receive the swap call.
type Quote struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	SellAsset         string    `json:"sell_asset"`
	BuyAsset          string    `json:"buy_asset"`
	AmountIn          int64     `json:"amount_in"`
	ExpectedAmountOut int64     `json:"expected_amount_out"`
	MinAmountOut      int64     `json:"min_amount_out"`
	Target            string    `json:"target"`
	CallData          string    `json:"call_data,omitempty"`
	PriceImpactBps    *int      `json:"price_impact_bps,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// ReceiptStatus is the settlement layer's view of a submitted transaction
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "pending"
	ReceiptStatusConfirmed ReceiptStatus = "confirmed"
	ReceiptStatusFailed    ReceiptStatus = "failed"
)

// IsFinal reports whether the receipt will not change again
func (s ReceiptStatus) IsFinal() bool {
	return s == ReceiptStatusConfirmed || s == ReceiptStatusFailed
}

// Receipt describes a submitted settlement transaction
type Receipt struct {
	Reference string        `json:"reference"`
	Status    ReceiptStatus `json:"status"`
	AmountOut int64         `json:"amount_out"`
	Reason    string        `json:"reason,omitempty"`
}

// SagaPhase marks how far an approve-then-swap sequence progressed
type SagaPhase string

const (
	SagaPhasePendingSwap   SagaPhase = "pending_swap"
	SagaPhaseSwapSubmitted SagaPhase = "swap_submitted"
)

// SwapIntent is the accounting fixed when a cycle started
type SwapIntent struct {
	Quote       Quote `json:"quote"`
	CycleAmount int64 `json:"cycle_amount"`
	FeeAmount   int64 `json:"fee_amount"`
	NetAmount   int64 `json:"net_amount"`
}

// SagaMarker persists an in-progress cycle so it can be resumed after a crash or timeout
type SagaMarker struct {
	OrderID           uuid.UUID  `json:"order_id" db:"order_id"`
	CycleIndex        int        `json:"cycle_index" db:"cycle_index"`
	Phase             SagaPhase  `json:"phase" db:"phase"`
	ApprovalReference *string    `json:"approval_reference,omitempty" db:"approval_reference"`
	SwapReference     *string    `json:"swap_reference,omitempty" db:"swap_reference"`
	Intent            SwapIntent `json:"intent" db:"-"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of the marker
func (m *SagaMarker) Clone() *SagaMarker {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ApprovalReference != nil {
		s := *m.ApprovalReference
		cp.ApprovalReference = &s
	}
	if m.SwapReference != nil {
		s := *m.SwapReference
		cp.SwapReference = &s
	}
	if m.Intent.Quote.PriceImpactBps != nil {
		v := *m.Intent.Quote.PriceImpactBps
		cp.Intent.Quote.PriceImpactBps = &v
	}
	return &cp
}

// PendingAction is one human-readable line of a clear-signing payload
type PendingAction struct {
	Operation     Operation `json:"operation"`
	Counterparty  string    `json:"counterparty"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	DisplayAmount string    `json:"display_amount"`
	Purpose       string    `json:"purpose"`
}

// PendingAuthorization is returned when a manual execution needs the owner to
// sign a fresh grant before it can run
type PendingAuthorization struct {
	OrderID            uuid.UUID       `json:"order_id"`
	CycleIndex         int             `json:"cycle_index"`
	AutomationIdentity string          `json:"automation_identity"`
	Reason             string          `json:"reason"`
	Actions            []PendingAction `json:"actions"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// ExecuteResult is the outcome of a manual execution request. Exactly one of
// Record or Pending is set unless the request was a no-op.
type ExecuteResult struct {
	Record  *ExecutionRecord      `json:"record,omitempty"`
	Pending *PendingAuthorization `json:"pending_authorization,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Execution event types
const (
	EventExecutionSucceeded = "dca.execution.succeeded"
	EventExecutionFailed    = "dca.execution.failed"
	EventOrderCompleted     = "dca.order.completed"
	EventOrderExpired       = "dca.order.expired"
	EventOrderCancelled     = "dca.order.cancelled"
)

// ExecutionEvent is published after a cycle or lifecycle change is persisted
type ExecutionEvent struct {
	ID            uuid.UUID   `json:"id"`
	Type          string      `json:"type"`
	OrderID       uuid.UUID   `json:"order_id"`
	OwnerIdentity string      `json:"owner_identity"`
	CycleIndex    int         `json:"cycle_index"`
	OrderStatus   OrderStatus `json:"order_status"`
	AmountIn      int64       `json:"amount_in,omitempty"`
	AmountOut     int64       `json:"amount_out,omitempty"`
	ErrorCode     string      `json:"error_code,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}
