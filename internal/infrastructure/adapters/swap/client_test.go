package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		RequestsPerSecond: 1000,
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
	}, zap.NewNop())
}

func TestNewClient(t *testing.T) {
	client := NewClient(Config{BaseURL: "https://swap.example"}, zap.NewNop())
	assert.Equal(t, defaultTimeout, client.config.Timeout)
	assert.Equal(t, defaultMaxRetries, client.config.MaxRetries)
	assert.Equal(t, float64(defaultRequestsPerSecond), client.config.RequestsPerSecond)
}

func TestQuote(t *testing.T) {
	t.Run("maps the quote", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/quote", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
			assert.Equal(t, "0xsell", r.URL.Query().Get("sellToken"))
			assert.Equal(t, "20", r.URL.Query().Get("sellAmount"))

			impact := 12
			json.NewEncoder(w).Encode(QuoteResponse{
				QuoteID:        "q-1",
				Provider:       "aggregator",
				SellToken:      "0xsell",
				BuyToken:       "0xbuy",
				SellAmount:     "20",
				BuyAmount:      "40",
				MinBuyAmount:   "39",
				To:             "0xrouter",
				Data:           "0xdeadbeef",
				PriceImpactBps: &impact,
			})
		}))
		defer server.Close()

		quote, err := newTestClient(server.URL).Quote(context.Background(), entities.QuoteRequest{
			SellAsset: "0xsell",
			BuyAsset:  "0xbuy",
			AmountIn:  20,
			Taker:     "0xtaker",
		})
		require.NoError(t, err)
		assert.Equal(t, "q-1", quote.ID)
		assert.Equal(t, int64(40), quote.ExpectedAmountOut)
		assert.Equal(t, int64(39), quote.MinAmountOut)
		assert.Equal(t, "0xrouter", quote.Target)
		require.NotNil(t, quote.PriceImpactBps)
		assert.Equal(t, 12, *quote.PriceImpactBps)
	})

	t.Run("rejects fractional amounts", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(QuoteResponse{SellAmount: "20", BuyAmount: "40.5", MinBuyAmount: "39"})
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).Quote(context.Background(), entities.QuoteRequest{AmountIn: 20})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestBalanceAndAllowance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/0xid/balances/0xsell":
			json.NewEncoder(w).Encode(AmountResponse{Amount: "1500000"})
		case "/v1/accounts/0xid/allowances/0xsell":
			assert.Equal(t, "0xrouter", r.URL.Query().Get("spender"))
			json.NewEncoder(w).Encode(AmountResponse{Amount: "0"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	balance, err := client.Balance(context.Background(), "0xid", "0xsell")
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), balance)

	allowance, err := client.Allowance(context.Background(), "0xid", "0xsell", "0xrouter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), allowance)
}

func TestBalanceAndAllowance_Saturate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/0xid/balances/0xsell":
			json.NewEncoder(w).Encode(AmountResponse{Amount: "25000000000000000000"})
		case "/v1/accounts/0xid/allowances/0xsell":
			json.NewEncoder(w).Encode(AmountResponse{
				Amount: "115792089237316195423570985008687907853269984665640564039457584007913129639935",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	balance, err := client.Balance(context.Background(), "0xid", "0xsell")
	require.NoError(t, err)
	assert.Equal(t, int64(maxInt64), balance)

	allowance, err := client.Allowance(context.Background(), "0xid", "0xsell", "0xrouter")
	require.NoError(t, err)
	assert.Equal(t, int64(maxInt64), allowance)

	_, err = parseHolding("-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = parseHolding("1.5")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSubmit(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "0xdigest", r.Header.Get("Idempotency-Key"))

		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		var body SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "swap", body.Operation)
		assert.Equal(t, "20", body.Amount)
		assert.Equal(t, "0xsig", body.Signature)
		assert.Equal(t, "token", body.CredentialToken)
		json.NewEncoder(w).Encode(SubmitResponse{Reference: "0xtx"})
	}))
	defer server.Close()

	ref, err := newTestClient(server.URL).Submit(context.Background(), &entities.SignedCall{
		Call: entities.SettlementCall{
			Operation: entities.OperationSwap,
			From:      "0xid",
			Target:    "0xrouter",
			Asset:     "0xsell",
			Amount:    20,
		},
		Digest:          "0xdigest",
		Signature:       "0xsig",
		CredentialToken: "token",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xtx", ref)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts), "5xx is retried with the same idempotency key")
}

func TestReceipt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transactions/0xconfirmed":
			json.NewEncoder(w).Encode(TransactionResponse{Reference: "0xconfirmed", Status: TxStatusConfirmed, AmountOut: "40"})
		case "/v1/transactions/0xfailed":
			json.NewEncoder(w).Encode(TransactionResponse{Reference: "0xfailed", Status: TxStatusFailed, Reason: "reverted"})
		case "/v1/transactions/0xpending":
			json.NewEncoder(w).Encode(TransactionResponse{Reference: "0xpending", Status: TxStatusPending})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ErrorResponse{Code: "not_found", Message: "unknown transaction"})
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	tests := []struct {
		ref       string
		status    entities.ReceiptStatus
		amountOut int64
	}{
		{"0xconfirmed", entities.ReceiptStatusConfirmed, 40},
		{"0xfailed", entities.ReceiptStatusFailed, 0},
		{"0xpending", entities.ReceiptStatusPending, 0},
		{"0xunknown", entities.ReceiptStatusPending, 0},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			receipt, err := client.Receipt(context.Background(), tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.status, receipt.Status)
			assert.Equal(t, tt.amountOut, receipt.AmountOut)
		})
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("returns API error on 4xx without retry", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ErrorResponse{Code: "bad_pair", Message: "unsupported pair"})
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).Quote(context.Background(), entities.QuoteRequest{AmountIn: 1})
		require.Error(t, err)

		var apiErr *ErrorResponse
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "bad_pair", apiErr.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("gives up after retries on 5xx", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).Balance(context.Background(), "0xid", "0xsell")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server error")
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})
}

func TestErrorResponse(t *testing.T) {
	err := &ErrorResponse{StatusCode: 404, Code: "not_found", Message: "missing"}
	assert.True(t, err.IsNotFound())
	assert.False(t, err.IsRateLimited())
	assert.Contains(t, err.Error(), "swap API error [404]")
}
