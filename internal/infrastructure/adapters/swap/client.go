package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rail-service/dca_service/internal/domain/entities"
	"github.com/rail-service/dca_service/internal/domain/services/dca"
	"github.com/rail-service/dca_service/pkg/security"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultMaxRetries        = 3
	defaultRetryBackoff      = 500 * time.Millisecond
	defaultRequestsPerSecond = 10
)

// Config represents swap client configuration
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	RetryBackoff      time.Duration
}

// Client talks to the swap quote and settlement API
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	logger         *zap.Logger
}

var _ dca.SwapProvider = (*Client)(nil)

// NewClient creates a new swap API client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaultRequestsPerSecond
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = defaultRetryBackoff
	}

	cbSettings := gobreaker.Settings{
		Name:        "SwapAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// 4xx answers mean the API is up
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *ErrorResponse
			return errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Swap API circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:         logger,
	}
}

// Quote prices a swap of req.AmountIn for the taker
func (c *Client) Quote(ctx context.Context, req entities.QuoteRequest) (*entities.Quote, error) {
	query := url.Values{}
	query.Set("sellToken", req.SellAsset)
	query.Set("buyToken", req.BuyAsset)
	query.Set("sellAmount", strconv.FormatInt(req.AmountIn, 10))
	query.Set("taker", req.Taker)

	var resp QuoteResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/quote?"+query.Encode(), nil, "", &resp); err != nil {
		return nil, fmt.Errorf("get quote failed: %w", err)
	}

	amountIn, err := parseAmount(resp.SellAmount)
	if err != nil {
		return nil, err
	}
	amountOut, err := parseAmount(resp.BuyAmount)
	if err != nil {
		return nil, err
	}
	minOut, err := parseAmount(resp.MinBuyAmount)
	if err != nil {
		return nil, err
	}

	return &entities.Quote{
		ID:                resp.QuoteID,
		Provider:          resp.Provider,
		SellAsset:         resp.SellToken,
		BuyAsset:          resp.BuyToken,
		AmountIn:          amountIn,
		ExpectedAmountOut: amountOut,
		MinAmountOut:      minOut,
		Target:            resp.To,
		CallData:          resp.Data,
		PriceImpactBps:    resp.PriceImpactBps,
		ExpiresAt:         resp.ExpiresAt,
	}, nil
}

// Balance returns identity's balance of asset in base units
func (c *Client) Balance(ctx context.Context, identity, asset string) (int64, error) {
	endpoint := fmt.Sprintf("/v1/accounts/%s/balances/%s", url.PathEscape(identity), url.PathEscape(asset))
	var resp AmountResponse
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, "", &resp); err != nil {
		return 0, fmt.Errorf("get balance failed: %w", err)
	}
	return parseHolding(resp.Amount)
}

// Allowance returns how much of asset spender may move on identity's behalf
func (c *Client) Allowance(ctx context.Context, identity, asset, spender string) (int64, error) {
	endpoint := fmt.Sprintf("/v1/accounts/%s/allowances/%s?spender=%s",
		url.PathEscape(identity), url.PathEscape(asset), url.QueryEscape(spender))
	var resp AmountResponse
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, "", &resp); err != nil {
		return 0, fmt.Errorf("get allowance failed: %w", err)
	}
	return parseHolding(resp.Amount)
}

// Submit relays a signed settlement call. The call digest doubles as the
// idempotency key so retried submissions never settle twice.
func (c *Client) Submit(ctx context.Context, call *entities.SignedCall) (string, error) {
	body := SubmitRequest{
		Operation:       string(call.Call.Operation),
		From:            call.Call.From,
		To:              call.Call.Target,
		Token:           call.Call.Asset,
		Amount:          strconv.FormatInt(call.Call.Amount, 10),
		Spender:         call.Call.Spender,
		Recipient:       call.Call.Recipient,
		QuoteID:         call.Call.QuoteID,
		Data:            call.Call.CallData,
		Digest:          call.Digest,
		Signature:       call.Signature,
		CredentialToken: call.CredentialToken,
	}

	var resp SubmitResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/transactions", body, call.Digest, &resp); err != nil {
		return "", fmt.Errorf("submit transaction failed: %w", err)
	}
	if resp.Reference == "" {
		return "", fmt.Errorf("submit transaction failed: empty reference")
	}
	return resp.Reference, nil
}

// Receipt returns the settlement state of a submitted transaction. A reference
// the API does not know yet is reported as pending.
func (c *Client) Receipt(ctx context.Context, reference string) (*entities.Receipt, error) {
	var resp TransactionResponse
	err := c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(reference), nil, "", &resp)
	if err != nil {
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return &entities.Receipt{Reference: reference, Status: entities.ReceiptStatusPending}, nil
		}
		return nil, fmt.Errorf("get transaction failed: %w", err)
	}

	receipt := &entities.Receipt{
		Reference: reference,
		Reason:    resp.Reason,
	}
	switch resp.Status {
	case TxStatusConfirmed:
		receipt.Status = entities.ReceiptStatusConfirmed
		if resp.AmountOut != "" {
			out, err := parseAmount(resp.AmountOut)
			if err != nil {
				return nil, err
			}
			receipt.AmountOut = out
		}
	case TxStatusFailed:
		receipt.Status = entities.ReceiptStatusFailed
	default:
		receipt.Status = entities.ReceiptStatusPending
	}
	return receipt, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, idempotencyKey string, response interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, c.doRequestInternal(ctx, method, endpoint, body, idempotencyKey, response)
	})
	return err
}

func (c *Client) doRequestInternal(ctx context.Context, method, endpoint string, body interface{}, idempotencyKey string, response interface{}) error {
	fullURL := c.config.BaseURL + endpoint

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.config.APIKey != "" {
			req.Header.Set("X-API-Key", c.config.APIKey)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			continue
		}

		// Retry on 5xx and 429
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			c.logger.Debug("Swap API request will be retried",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			continue
		}

		if resp.StatusCode >= 400 {
			errResp := &ErrorResponse{StatusCode: resp.StatusCode}
			if json.Unmarshal(respBody, errResp) == nil && errResp.Message != "" {
				errResp.StatusCode = resp.StatusCode
				errResp.Message = security.MaskString(errResp.Message)
				return errResp
			}
			errResp.Message = security.MaskString(string(respBody))
			return errResp
		}

		if response != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, response); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

// parseAmount reads a base-unit integer that must fit in int64
func parseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(maxInt64)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d.IntPart(), nil
}

const maxInt64 = 1<<63 - 1

// parseHolding reads a balance or allowance. Values beyond int64, such as an
// unlimited approval, saturate at the int64 maximum since no order amount can
// exceed it.
func parseHolding(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() || d.IsNegative() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.GreaterThan(decimal.NewFromInt(maxInt64)) {
		return maxInt64, nil
	}
	return d.IntPart(), nil
}
