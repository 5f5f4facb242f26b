package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/http/internal/helpers"
)

// X402Transport is a RoundTripper that answers 402 Payment Required
// responses. It signs the returned requirements and resends the request
// exactly once; a second 402 is a hard failure.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []x402.Signer

	// AgentID is sent as X-Agent-Id. Defaults to the first signer's address.
	AgentID string

	// OnPaymentRequired is called when a 402 with valid requirements arrives.
	OnPaymentRequired x402.PaymentCallback

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

func (t *X402Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *X402Transport) agentID() string {
	if t.AgentID != "" {
		return t.AgentID
	}
	if len(t.Signers) > 0 {
		return t.Signers[0].Address().Hex()
	}
	return ""
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	resp, err := t.base().RoundTrip(t.prepare(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirements, err := helpers.ParsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	t.notify(t.OnPaymentRequired, x402.PaymentEventRequired, req, requirements, nil, 0)

	startTime := time.Now()
	payment, err := x402.SelectAndSign(t.Signers, requirements)
	if err != nil {
		t.notify(t.OnPaymentFailure, x402.PaymentEventFailure, req, requirements, err, time.Since(startTime))
		return nil, err
	}

	payloadHeader, sigHeader, err := helpers.BuildPaymentHeaders(payment)
	if err != nil {
		t.notify(t.OnPaymentFailure, x402.PaymentEventFailure, req, requirements, err, time.Since(startTime))
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build payment headers", err)
	}
	t.notify(t.OnPaymentAttempt, x402.PaymentEventAttempt, req, requirements, nil, 0)

	retry := t.prepare(req, body)
	retry.Header.Set(helpers.HeaderPaymentPayload, payloadHeader)
	retry.Header.Set(helpers.HeaderPaymentSignature, sigHeader)

	respRetry, err := t.base().RoundTrip(retry)
	duration := time.Since(startTime)
	if err != nil {
		t.notify(t.OnPaymentFailure, x402.PaymentEventFailure, req, requirements, err, duration)
		return nil, err
	}

	if respRetry.StatusCode == http.StatusPaymentRequired {
		reason := helpers.ParseErrorResponse(respRetry, x402.ErrPaymentMismatch)
		respRetry.Body.Close()
		err := x402.NewPaymentError(x402.ErrCodePaymentRequired, "payment rejected",
			fmt.Errorf("%w: %v", x402.ErrPaymentStillRequired, reason))
		t.notify(t.OnPaymentFailure, x402.PaymentEventFailure, req, requirements, err, duration)
		return nil, err
	}

	if respRetry.StatusCode >= http.StatusBadRequest {
		t.notify(t.OnPaymentFailure, x402.PaymentEventFailure, req, requirements,
			fmt.Errorf("paid request failed with status %d", respRetry.StatusCode), duration)
		return respRetry, nil
	}

	if t.OnPaymentSuccess != nil {
		event := t.event(x402.PaymentEventSuccess, req, requirements)
		event.Payer = payment.Payload.From.Hex()
		event.Duration = duration
		if settlement := helpers.ParseSettlement(respRetry.Header.Get(helpers.HeaderPaymentResponse)); settlement != nil {
			event.Transaction = settlement.TxHash
		}
		t.OnPaymentSuccess(event)
	}
	return respRetry, nil
}

// prepare clones req with a fresh body and the agent headers.
func (t *X402Transport) prepare(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if agent := t.agentID(); agent != "" {
		if clone.Header.Get(helpers.HeaderAgentID) == "" {
			clone.Header.Set(helpers.HeaderAgentID, agent)
		}
		if clone.Header.Get(helpers.HeaderAgentWallet) == "" {
			clone.Header.Set(helpers.HeaderAgentWallet, agent)
		}
	}
	return clone
}

func (t *X402Transport) event(typ x402.PaymentEventType, req *http.Request, requirements *x402.PaymentRequirements) x402.PaymentEvent {
	event := x402.EventFromRequirements(typ, requirements)
	event.Method = "HTTP"
	event.URL = req.URL.String()
	return event
}

func (t *X402Transport) notify(cb x402.PaymentCallback, typ x402.PaymentEventType, req *http.Request, requirements *x402.PaymentRequirements, err error, d time.Duration) {
	if cb == nil {
		return
	}
	event := t.event(typ, req, requirements)
	event.Error = err
	event.Duration = d
	cb(event)
}

// readBody drains and returns the request body so it can be replayed.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err == nil {
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
