package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation is an action kind a delegated credential can permit
type Operation string

const (
	OperationApprove  Operation = "approve"
	OperationSwap     Operation = "swap"
	OperationTransfer Operation = "transfer"
)

// IsValid reports whether op is a known operation
func (op Operation) IsValid() bool {
	switch op {
	case OperationApprove, OperationSwap, OperationTransfer:
		return true
	}
	return false
}

// CredentialStatus represents the state of a delegated credential
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRevoked CredentialStatus = "revoked"
	CredentialStatusVoided  CredentialStatus = "voided"
)

// Capability grants a set of operations against one target, up to a cumulative value
type Capability struct {
	Target            string      `json:"target"`
	AllowedOperations []Operation `json:"allowed_operations"`
	ValueLimit        int64       `json:"value_limit"`
	ValidFrom         time.Time   `json:"valid_from"`
	ValidUntil        time.Time   `json:"valid_until"`
}

// Allows reports whether the capability names op
func (c Capability) Allows(op Operation) bool {
	for _, allowed := range c.AllowedOperations {
		if allowed == op {
			return true
		}
	}
	return false
}

// Action is a single operation the automation identity wants to perform
type Action struct {
	Operation Operation `json:"operation"`
	Target    string    `json:"target"`
	Value     int64     `json:"value"`
}

// DelegatedCredential is a capability-scoped grant from an owner to an automation identity
type DelegatedCredential struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	OrderID            uuid.UUID        `json:"order_id" db:"order_id"`
	OwnerIdentity      string           `json:"owner_identity" db:"owner_identity"`
	AutomationIdentity string           `json:"automation_identity" db:"automation_identity"`
	Capabilities       []Capability     `json:"capabilities" db:"-"`
	Status             CredentialStatus `json:"status" db:"status"`
	Token              string           `json:"-" db:"token"`
	ValidFrom          time.Time        `json:"valid_from" db:"valid_from"`
	ValidUntil         time.Time        `json:"valid_until" db:"valid_until"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	RevokedAt          *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
}

// IsActive reports whether the credential can still authorize actions
func (c *DelegatedCredential) IsActive() bool {
	return c.Status == CredentialStatusActive
}

// Clone returns a deep copy of the credential
func (c *DelegatedCredential) Clone() *DelegatedCredential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Capabilities = make([]Capability, len(c.Capabilities))
	for i, capability := range c.Capabilities {
		capability.AllowedOperations = append([]Operation(nil), capability.AllowedOperations...)
		cp.Capabilities[i] = capability
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// Authorize checks every action against the capability set. spent is the value
// already consumed under the credential; each action must fit within its own
// capability's limit on top of it.
func (c *DelegatedCredential) Authorize(actions []Action, spent int64, now time.Time) error {
	if !c.IsActive() {
		return fmt.Errorf("credential is %s", c.Status)
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return fmt.Errorf("credential is outside its validity window")
	}
	for _, action := range actions {
		if err := c.authorizeOne(action, spent, now); err != nil {
			return err
		}
	}
	return nil
}

// authorizeOne passes when any capability fits the action. The first
// rejection is reported when none does.
func (c *DelegatedCredential) authorizeOne(action Action, spent int64, now time.Time) error {
	if action.Value < 0 {
		return fmt.Errorf("%s value must not be negative", action.Operation)
	}
	var rejection error
	for _, capability := range c.Capabilities {
		if !strings.EqualFold(capability.Target, action.Target) || !capability.Allows(action.Operation) {
			continue
		}
		var err error
		switch {
		case now.Before(capability.ValidFrom) || now.After(capability.ValidUntil):
			err = fmt.Errorf("%s on %s is outside the capability window", action.Operation, action.Target)
		case spent > capability.ValueLimit || action.Value > capability.ValueLimit-spent:
			err = fmt.Errorf("%s on %s exceeds value limit: %d + %d > %d",
				action.Operation, action.Target, spent, action.Value, capability.ValueLimit)
		default:
			return nil
		}
		if rejection == nil {
			rejection = err
		}
	}
	if rejection != nil {
		return rejection
	}
	return fmt.Errorf("no capability covers %s on %s", action.Operation, action.Target)
}

// AutomationKey is the keypair behind an automation identity. The private key
// is only ever held encrypted at rest.
type AutomationKey struct {
	Identity            string    `json:"identity" db:"identity"`
	OwnerIdentity       string    `json:"owner_identity" db:"owner_identity"`
	EncryptedPrivateKey string    `json:"-" db:"encrypted_private_key"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// SettlementCall is the unsigned description of one settlement transaction
type SettlementCall struct {
	Operation Operation `json:"operation"`
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	Spender   string    `json:"spender,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	QuoteID   string    `json:"quote_id,omitempty"`
	CallData  string    `json:"call_data,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Cycle     int       `json:"cycle"`
}

// SignedCall is a settlement call signed by the automation key
type SignedCall struct {
	Call            SettlementCall `json:"call"`
	Signer          string         `json:"signer"`
	Digest          string         `json:"digest"`
	Signature       string         `json:"signature"`
	CredentialToken string         `json:"credential_token"`
}

// CreateAutomationIdentityResponse is returned when minting a funding identity
type CreateAutomationIdentityResponse struct {
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}
