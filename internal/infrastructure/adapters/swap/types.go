package swap

import "time"

// Transaction statuses reported by the settlement API
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// QuoteResponse represents a priced route from the provider
type QuoteResponse struct {
	QuoteID        string    `json:"quoteId"`
	Provider       string    `json:"provider"`
	SellToken      string    `json:"sellToken"`
	BuyToken       string    `json:"buyToken"`
	SellAmount     string    `json:"sellAmount"`
	BuyAmount      string    `json:"buyAmount"`
	MinBuyAmount   string    `json:"minBuyAmount"`
	To             string    `json:"to"`
	Data           string    `json:"data"`
	PriceImpactBps *int      `json:"priceImpactBps,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// AmountResponse carries a balance or allowance in base units
type AmountResponse struct {
	Amount string `json:"amount"`
}

// SubmitRequest is the body of a transaction submission
type SubmitRequest struct {
	Operation       string `json:"operation"`
	From            string `json:"from"`
	To              string `json:"to"`
	Token           string `json:"token"`
	Amount          string `json:"amount"`
	Spender         string `json:"spender,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	QuoteID         string `json:"quoteId,omitempty"`
	Data            string `json:"data,omitempty"`
	Digest          string `json:"digest"`
	Signature       string `json:"signature"`
	CredentialToken string `json:"credentialToken"`
}

// SubmitResponse identifies a submitted transaction
type SubmitResponse struct {
	Reference string `json:"reference"`
}

// TransactionResponse is the settlement state of a submitted transaction
type TransactionResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	AmountOut string `json:"amountOut,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
