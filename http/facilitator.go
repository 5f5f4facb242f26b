package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/facilitator"
	"github.com/soulmarket/soul-x402/http/internal/helpers"
	"github.com/soulmarket/soul-x402/internal/retry"
)

// AuthorizationProvider returns an Authorization header value per request.
// It is called on every attempt, including retries, and must be safe for
// concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is invoked before a verify or settle operation.
// Return an error to abort the operation.
type OnBeforeFunc func(context.Context, x402.SignedPayment) error

// OnAfterVerifyFunc is invoked after a Verify operation completes.
type OnAfterVerifyFunc func(context.Context, x402.SignedPayment, *facilitator.VerifyResponse, error)

// OnAfterSettleFunc is invoked after a Settle or SettleAndBuy operation completes.
type OnAfterSettleFunc func(context.Context, x402.SignedPayment, *x402.SettlementResult, error)

// FacilitatorClient delegates verification and settlement to another
// marketplace instance's /payment and /payment-nonce endpoints.
type FacilitatorClient struct {
	// BaseURL is the remote service root (e.g., "https://market.example/api/x402").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts bounds reads (nonce, verify) and settlements.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the number of retries for read-only calls (default: 0).
	// Settlement calls are never retried.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// AuthorizationProvider takes precedence when both are set.
	Authorization string

	// AuthorizationProvider returns a per-request Authorization header value.
	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

func (c *FacilitatorClient) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// withTimeout applies d unless ctx already has a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// GetNonce reads the agent's next nonce through GET /payment-nonce.
func (c *FacilitatorClient) GetNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	return retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailableError, func() (*big.Int, error) {
		reqCtx, cancel := withTimeout(ctx, c.Timeouts.ReadTimeout)
		defer cancel()

		u := c.endpoint("/payment-nonce") + "?agent=" + url.QueryEscape(agent.Hex())
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, helpers.ParseErrorResponse(httpResp, unavailableOr(httpResp.StatusCode, x402.ErrNonceUnavailable))
		}

		var nonceResp facilitator.NonceResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&nonceResp); err != nil {
			return nil, fmt.Errorf("failed to decode nonce response: %w", err)
		}
		nonce, ok := new(big.Int).SetString(nonceResp.Nonce, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad nonce %q", x402.ErrNonceUnavailable, nonceResp.Nonce)
		}
		return nonce, nil
	})
}

// Verify checks a payment through the verify action.
func (c *FacilitatorClient) Verify(ctx context.Context, payment x402.SignedPayment) (*facilitator.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payment); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(facilitator.PaymentRequest{
		Action:    facilitator.ActionVerify,
		Payload:   payment.Payload,
		Signature: payment.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailableError, func() (*facilitator.VerifyResponse, error) {
		reqCtx, cancel := withTimeout(ctx, c.Timeouts.ReadTimeout)
		defer cancel()

		var verifyResp facilitator.VerifyResponse
		if err := c.post(reqCtx, data, x402.ErrInvalidSignature, &verifyResp); err != nil {
			return nil, err
		}
		if !verifyResp.Valid {
			return nil, fmt.Errorf("%w: %s", x402.ErrInvalidSignature, verifyResp.Error)
		}
		return &verifyResp, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payment, resp, resultErr)
	}
	return resp, resultErr
}

// Settle executes a bare settlement. It is not retried.
func (c *FacilitatorClient) Settle(ctx context.Context, payment x402.SignedPayment) (*x402.SettlementResult, error) {
	return c.settle(ctx, payment, facilitator.PaymentRequest{
		Action:    facilitator.ActionSettle,
		Payload:   payment.Payload,
		Signature: payment.Signature,
	})
}

// SettleAndBuy settles and purchases in one transaction. It is not retried:
// a lost response may still have settled, so callers reconcile first.
func (c *FacilitatorClient) SettleAndBuy(ctx context.Context, payment x402.SignedPayment, quantity uint64, recipient common.Address) (*x402.SettlementResult, error) {
	return c.settle(ctx, payment, facilitator.PaymentRequest{
		Action:    facilitator.ActionSettleAndBuy,
		Payload:   payment.Payload,
		Signature: payment.Signature,
		Quantity:  quantity,
		Recipient: recipient.Hex(),
	})
}

func (c *FacilitatorClient) settle(ctx context.Context, payment x402.SignedPayment, req facilitator.PaymentRequest) (*x402.SettlementResult, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payment); err != nil {
			return nil, err
		}
	}

	resp, resultErr := func() (*x402.SettlementResult, error) {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqCtx, cancel := withTimeout(ctx, c.Timeouts.RequestTimeout)
		defer cancel()

		var result x402.SettlementResult
		if err := c.post(reqCtx, data, x402.ErrContractRevert, &result); err != nil {
			return nil, err
		}
		if !result.Success {
			return &result, fmt.Errorf("%w: %s", x402.ErrContractRevert, result.Error)
		}
		return &result, nil
	}()

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payment, resp, resultErr)
	}
	return resp, resultErr
}

func (c *FacilitatorClient) post(ctx context.Context, data []byte, baseErr error, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/payment"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return helpers.ParseErrorResponse(httpResp, unavailableOr(httpResp.StatusCode, baseErr))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode payment response: %w", err)
	}
	return nil
}

// unavailableOr treats gateway-class statuses as an unreachable service.
func unavailableOr(status int, err error) error {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return x402.ErrFacilitatorUnavailable
	}
	return err
}

func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
