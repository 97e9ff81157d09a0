package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of a recurring order
type OrderStatus string

const (
	OrderStatusActive            OrderStatus = "active"
	OrderStatusPaused            OrderStatus = "paused"
	OrderStatusInsufficientFunds OrderStatus = "insufficient_funds"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusActive:            {OrderStatusPaused, OrderStatusInsufficientFunds, OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusPaused:            {OrderStatusActive, OrderStatusCancelled},
	OrderStatusInsufficientFunds: {OrderStatusActive, OrderStatusCancelled},
}

// IsValid reports whether s is a known status
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusActive, OrderStatusPaused, OrderStatusInsufficientFunds,
		OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// IsExecutable reports whether the pipeline may run a cycle in this status
func (s OrderStatus) IsExecutable() bool {
	return s == OrderStatusActive || s == OrderStatusInsufficientFunds
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Frequency is the cadence of a recurring order
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// IsValid reports whether f is a supported cadence
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Period returns the fixed interval between cycles. A month is 30 days.
func (f Frequency) Period() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// TotalCycles returns the number of cycles that fit in durationDays
func (f Frequency) TotalCycles(durationDays int) int {
	if durationDays <= 0 {
		return 0
	}
	switch f {
	case FrequencyHourly:
		return durationDays * 24
	case FrequencyDaily:
		return durationDays
	case FrequencyWeekly:
		return (durationDays + 6) / 7
	case FrequencyMonthly:
		return (durationDays + 29) / 30
	default:
		return 0
	}
}

// MaxFeeBasisPoints caps the protocol fee at 10%
const MaxFeeBasisPoints = 1000

// RecurringOrder is a standing instruction to buy BuyAsset with SellAsset on a fixed cadence
type RecurringOrder struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	OwnerIdentity     string      `json:"owner_identity" db:"owner_identity"`
	ExecutionIdentity string      `json:"execution_identity" db:"execution_identity"`
	SellAsset         string      `json:"sell_asset" db:"sell_asset"`
	BuyAsset          string      `json:"buy_asset" db:"buy_asset"`
	TotalAmount       int64       `json:"total_amount" db:"total_amount"`
	ExecutedAmount    int64       `json:"executed_amount" db:"executed_amount"`
	RemainingAmount   int64       `json:"remaining_amount" db:"remaining_amount"`
	Frequency         Frequency   `json:"frequency" db:"frequency"`
	TotalCycles       int         `json:"total_cycles" db:"total_cycles"`
	CyclesCompleted   int         `json:"cycles_completed" db:"cycles_completed"`
	FeeBasisPoints    int         `json:"fee_basis_points" db:"fee_basis_points"`
	Status            OrderStatus `json:"status" db:"status"`
	NextExecutionAt   time.Time   `json:"next_execution_at" db:"next_execution_at"`
	LastExecutedAt    *time.Time  `json:"last_executed_at,omitempty" db:"last_executed_at"`
	ExpiresAt         time.Time   `json:"expires_at" db:"expires_at"`
	Version           int64       `json:"version" db:"version"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// OrderMutator edits a fresh copy of an order inside a compare-and-update
type OrderMutator = func(order *RecurringOrder) error

// Clone returns a deep copy of the order
func (o *RecurringOrder) Clone() *RecurringOrder {
	if o == nil {
		return nil
	}
	cp := *o
	if o.LastExecutedAt != nil {
		t := *o.LastExecutedAt
		cp.LastExecutedAt = &t
	}
	return &cp
}

// Period returns the order's cycle interval
func (o *RecurringOrder) Period() time.Duration {
	return o.Frequency.Period()
}

// Advance returns the next execution time one period after from
func (o *RecurringOrder) Advance(from time.Time) time.Time {
	return from.Add(o.Period())
}

// CycleAmount returns the sell amount for the given zero-based cycle.
// The final cycle absorbs the integer division remainder.
func (o *RecurringOrder) CycleAmount(index int) int64 {
	if o.TotalCycles <= 0 || index < 0 || index >= o.TotalCycles {
		return 0
	}
	base := o.TotalAmount / int64(o.TotalCycles)
	if index == o.TotalCycles-1 {
		return o.TotalAmount - base*int64(o.TotalCycles-1)
	}
	return base
}

// NextCycleAmount returns the amount for the next pending cycle
func (o *RecurringOrder) NextCycleAmount() int64 {
	return o.CycleAmount(o.CyclesCompleted)
}

// Fee returns the protocol fee for amount, floored. The product is taken in
// decimal so amounts near the int64 limit do not wrap.
func (o *RecurringOrder) Fee(amount int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(o.FeeBasisPoints))).
		Shift(-4).
		Floor().
		IntPart()
}

// NetAmount returns amount minus the protocol fee
func (o *RecurringOrder) NetAmount(amount int64) int64 {
	return amount - o.Fee(amount)
}

// IsTerminal reports whether the order can no longer change
func (o *RecurringOrder) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsExecutable reports whether a cycle may run
func (o *RecurringOrder) IsExecutable() bool {
	return o.Status.IsExecutable()
}

// IsDue reports whether the order is scheduled at or before now
func (o *RecurringOrder) IsDue(now time.Time) bool {
	return !o.NextExecutionAt.After(now)
}

// IsExpired reports whether the order has outlived its window with cycles left
func (o *RecurringOrder) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt) && o.CyclesCompleted < o.TotalCycles
}

// CanTransitionTo reports whether the order may move to next
func (o *RecurringOrder) CanTransitionTo(next OrderStatus) bool {
	return o.Status.CanTransitionTo(next)
}

// TransitionTo moves the order to next if the state machine allows it
func (o *RecurringOrder) TransitionTo(next OrderStatus, now time.Time) error {
	if o.Status == next {
		return nil
	}
	if !o.CanTransitionTo(next) {
		return fmt.Errorf("cannot transition order from %s to %s", o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// RecordCycle applies a settled cycle to the counters and completes the order when
// the last cycle lands, even if the owner paused it meanwhile. A cancelled order
// keeps its status; an earlier cycle landing on a paused order keeps it paused.
func (o *RecurringOrder) RecordCycle(amountIn int64, executedAt time.Time) {
	o.ExecutedAmount += amountIn
	o.RemainingAmount = o.TotalAmount - o.ExecutedAmount
	o.CyclesCompleted++
	t := executedAt
	o.LastExecutedAt = &t
	o.NextExecutionAt = o.Advance(executedAt)
	o.UpdatedAt = executedAt

	if o.Status == OrderStatusInsufficientFunds {
		o.Status = OrderStatusActive
	}
	if o.CyclesCompleted >= o.TotalCycles {
		if o.Status == OrderStatusPaused {
			o.Status = OrderStatusActive
		}
		if o.Status == OrderStatusActive {
			o.Status = OrderStatusCompleted
		}
	}
}

// Validate checks the order's accounting invariants
func (o *RecurringOrder) Validate() error {
	if o.OwnerIdentity == "" || o.ExecutionIdentity == "" {
		return fmt.Errorf("owner and execution identities are required")
	}
	if o.SellAsset == "" || o.BuyAsset == "" {
		return fmt.Errorf("sell and buy assets are required")
	}
	if o.SellAsset == o.BuyAsset {
		return fmt.Errorf("sell and buy assets must differ")
	}
	if !o.Frequency.IsValid() {
		return fmt.Errorf("unsupported frequency %q", o.Frequency)
	}
	if o.TotalCycles <= 0 {
		return fmt.Errorf("total cycles must be positive")
	}
	if o.TotalAmount < int64(o.TotalCycles) {
		return fmt.Errorf("total amount %d is too small for %d cycles", o.TotalAmount, o.TotalCycles)
	}
	if o.FeeBasisPoints < 0 || o.FeeBasisPoints > MaxFeeBasisPoints {
		return fmt.Errorf("fee basis points must be between 0 and %d", MaxFeeBasisPoints)
	}
	if o.ExecutedAmount+o.RemainingAmount != o.TotalAmount {
		return fmt.Errorf("executed plus remaining must equal total")
	}
	if o.CyclesCompleted > o.TotalCycles {
		return fmt.Errorf("cycles completed exceeds total cycles")
	}
	return nil
}

// CreateOrderRequest is the owner's request to start a recurring order
type CreateOrderRequest struct {
	FundingIdentity string    `json:"funding_identity,omitempty" validate:"omitempty,eth_addr"`
	SellAsset       string    `json:"sell_asset" validate:"required,eth_addr"`
	BuyAsset        string    `json:"buy_asset" validate:"required,eth_addr,nefield=SellAsset"`
	TotalAmount     int64     `json:"total_amount" validate:"required,gt=0"`
	Frequency       Frequency `json:"frequency" validate:"required,oneof=hourly daily weekly monthly"`
	DurationDays    int       `json:"duration_days" validate:"required,gt=0,lte=3650"`
	FeeBasisPoints  *int      `json:"fee_basis_points,omitempty" validate:"omitempty,gte=0,lte=1000"`
}

// OrderStats aggregates an owner's orders and executions
type OrderStats struct {
	OwnerIdentity        string              `json:"owner_identity"`
	TotalOrders          int                 `json:"total_orders"`
	ByStatus             map[OrderStatus]int `json:"by_status"`
	TotalCommitted       int64               `json:"total_committed"`
	TotalExecuted        int64               `json:"total_executed"`
	TotalRemaining       int64               `json:"total_remaining"`
	TotalFees            int64               `json:"total_fees"`
	SuccessfulExecutions int                 `json:"successful_executions"`
	FailedExecutions     int                 `json:"failed_executions"`
}
