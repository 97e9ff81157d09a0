package errors

import (
	"context"
	"errors"
	"fmt"
)

// Recurring order and execution errors
var (
	ErrInvalidCapability   = fmt.Errorf("invalid capability: %w", ErrInvalidInput)
	ErrPermissionDenied    = fmt.Errorf("permission denied: %w", ErrForbidden)
	ErrUntrustedTarget     = errors.New("untrusted settlement target")
	ErrQuoteMismatch       = errors.New("quote does not match the cycle intent")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrProviderUnavailable = fmt.Errorf("provider unavailable: %w", ErrServiceUnavailable)
	ErrSettlementRejected  = errors.New("settlement rejected")
	ErrSettlementTimeout   = errors.New("settlement confirmation timed out")
	// ErrSettlementUnresolved marks a reconciliation that still found the swap pending
	ErrSettlementUnresolved = fmt.Errorf("settlement outcome unresolved: %w", ErrSettlementTimeout)
	ErrExecutionInFlight    = fmt.Errorf("execution already in flight: %w", ErrConflict)
	ErrInvalidTransition    = fmt.Errorf("invalid status transition: %w", ErrInvalidInput)
)

// Execution record codes persisted with failed cycles
const (
	CodeInsufficientBalance  = "insufficient_balance"
	CodeUntrustedTarget      = "untrusted_target"
	CodeQuoteMismatch        = "quote_mismatch"
	CodePermissionDenied     = "permission_denied"
	CodeProviderError        = "provider_error"
	CodeSettlementRejected   = "settlement_rejected"
	CodeSettlementTimeout    = "settlement_timeout"
	CodeSettlementUnresolved = "settlement_unresolved"
	CodeInternalError        = "internal_error"
)

// InvalidCapabilityError reports a malformed capability or issuance window
func InvalidCapabilityError(index int, reason string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidCapability,
		Code:    "INVALID_CAPABILITY",
		Message: fmt.Sprintf("invalid capability: %s", reason),
		Details: map[string]interface{}{
			"capability_index": index,
		},
	}
}

// PermissionDeniedError reports an action not covered by the delegated credential
func PermissionDeniedError(identity, reason string) *DomainError {
	return &DomainError{
		Err:     ErrPermissionDenied,
		Code:    "PERMISSION_DENIED",
		Message: fmt.Sprintf("permission denied: %s", reason),
		Details: map[string]interface{}{
			"identity": identity,
		},
	}
}

// UntrustedTargetError reports a quote pointing at a contract outside the allow-list
func UntrustedTargetError(target string) *DomainError {
	return &DomainError{
		Err:     ErrUntrustedTarget,
		Code:    "UNTRUSTED_TARGET",
		Message: fmt.Sprintf("settlement target %s is not an allow-listed router", target),
		Details: map[string]interface{}{
			"target": target,
		},
	}
}

// QuoteMismatchError reports a quote whose echoed terms differ from what the cycle asked for
func QuoteMismatchError(field string, want, got interface{}) *DomainError {
	return &DomainError{
		Err:     ErrQuoteMismatch,
		Code:    "QUOTE_MISMATCH",
		Message: fmt.Sprintf("quote %s mismatch: want %v, got %v", field, want, got),
		Details: map[string]interface{}{
			"field": field,
			"want":  want,
			"got":   got,
		},
	}
}

// InsufficientBalanceError reports a funding balance below the cycle amount
func InsufficientBalanceError(asset string, required, available int64) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientBalance,
		Code:    "INSUFFICIENT_BALANCE",
		Message: fmt.Sprintf("insufficient %s balance: required %d, available %d", asset, required, available),
		Details: map[string]interface{}{
			"asset":     asset,
			"required":  required,
			"available": available,
		},
		Retryable: true,
	}
}

// ProviderError wraps a quote or settlement provider failure
func ProviderError(provider string, err error) *DomainError {
	de := &DomainError{
		Err:       ErrProviderUnavailable,
		Code:      "PROVIDER_ERROR",
		Message:   fmt.Sprintf("%s provider error", provider),
		Retryable: true,
	}
	if err != nil {
		de.Message = fmt.Sprintf("%s provider error: %v", provider, err)
		de.Details = map[string]interface{}{"cause": err.Error()}
	}
	return de
}

// SettlementRejectedError reports a transaction the settlement layer refused or reverted
func SettlementRejectedError(reference, reason string) *DomainError {
	return &DomainError{
		Err:     ErrSettlementRejected,
		Code:    "SETTLEMENT_REJECTED",
		Message: fmt.Sprintf("settlement %s rejected: %s", reference, reason),
		Details: map[string]interface{}{
			"settlement_reference": reference,
		},
	}
}

// SettlementTimeoutError reports an ambiguous outcome. It is never treated as success.
func SettlementTimeoutError(reference string) *DomainError {
	return &DomainError{
		Err:     ErrSettlementTimeout,
		Code:    "SETTLEMENT_TIMEOUT",
		Message: fmt.Sprintf("settlement %s not confirmed before timeout", reference),
		Details: map[string]interface{}{
			"settlement_reference": reference,
		},
	}
}

// SettlementUnresolvedError reports a previously timed-out swap that is still pending
func SettlementUnresolvedError(reference string) *DomainError {
	return &DomainError{
		Err:     ErrSettlementUnresolved,
		Code:    "SETTLEMENT_UNRESOLVED",
		Message: fmt.Sprintf("settlement %s is still unresolved", reference),
		Details: map[string]interface{}{
			"settlement_reference": reference,
		},
	}
}

// ExecutionInFlightError reports a held per-order lease
func ExecutionInFlightError(orderID string) *DomainError {
	return &DomainError{
		Err:     ErrExecutionInFlight,
		Code:    "EXECUTION_IN_FLIGHT",
		Message: "an execution for this order is already in flight",
		Details: map[string]interface{}{
			"order_id": orderID,
		},
		Retryable: true,
	}
}

// InvalidTransitionError reports a status change the state machine forbids
func InvalidTransitionError(from, to string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidTransition,
		Code:    "INVALID_TRANSITION",
		Message: fmt.Sprintf("cannot transition order from %s to %s", from, to),
		Details: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	}
}

// IsSecurityError reports rejections that must abort a cycle and never be downgraded
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrUntrustedTarget) ||
		errors.Is(err, ErrQuoteMismatch) ||
		errors.Is(err, ErrPermissionDenied)
}

// IsTransient reports errors that defer to the next natural cycle
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ExecutionCode maps an error to the code stored on a failed execution record
func ExecutionCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrUntrustedTarget):
		return CodeUntrustedTarget
	case errors.Is(err, ErrQuoteMismatch):
		return CodeQuoteMismatch
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrSettlementUnresolved):
		return CodeSettlementUnresolved
	case errors.Is(err, ErrSettlementTimeout):
		return CodeSettlementTimeout
	case errors.Is(err, ErrSettlementRejected):
		return CodeSettlementRejected
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		return CodeProviderError
	default:
		return CodeInternalError
	}
}
