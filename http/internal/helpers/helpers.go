// Package helpers provides internal HTTP utilities shared by the x402 client
// transport and server handlers.
package helpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/encoding"
)

// Header names of the marketplace payment protocol.
const (
	HeaderAgentID          = "X-Agent-Id"
	HeaderAgentWallet      = "X-Agent-Wallet"
	HeaderPaymentSignature = "X-Payment-Signature"
	HeaderPaymentPayload   = "X-Payment-Payload"
	HeaderPaymentRequired  = "X-Payment-Required"
	HeaderPaymentResponse  = "X-Payment-Response"
	HeaderFacilitator      = "X-Facilitator"
	HeaderNetwork          = "X-Network"
)

// maxErrorBody bounds how much of a 402 body is read.
const maxErrorBody = 1 << 20

// ErrNilPayment is returned when payment is nil in BuildPaymentHeaders.
var ErrNilPayment = errors.New("payment is nil")

// PaymentRequired is the JSON body of a 402 response.
type PaymentRequired struct {
	Message      string                    `json:"message"`
	Requirements *x402.PaymentRequirements `json:"requirements"`
	Soul         interface{}               `json:"soul"`
}

// ErrorBody is the JSON body of an error response.
type ErrorBody struct {
	Error string         `json:"error"`
	Code  x402.ErrorCode `json:"code,omitempty"`
}

// ParsePayment reads the signed payment from the request headers. It returns
// nil and no error when neither header is present; one header without the
// other is malformed.
func ParsePayment(r *http.Request) (*x402.SignedPayment, error) {
	sigHeader := r.Header.Get(HeaderPaymentSignature)
	payloadHeader := r.Header.Get(HeaderPaymentPayload)
	if sigHeader == "" && payloadHeader == "" {
		return nil, nil
	}
	if sigHeader == "" || payloadHeader == "" {
		return nil, fmt.Errorf("%w: both %s and %s are required", x402.ErrMalformedPayment, HeaderPaymentSignature, HeaderPaymentPayload)
	}

	payload, err := encoding.DecodePayload(payloadHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
	}
	sig, err := encoding.DecodeSignature(sigHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
	}
	return &x402.SignedPayment{Payload: payload, Signature: sig}, nil
}

// BuildPaymentHeaders returns the X-Payment-Payload and X-Payment-Signature
// values for a signed payment.
func BuildPaymentHeaders(payment *x402.SignedPayment) (payload, signature string, err error) {
	if payment == nil {
		return "", "", fmt.Errorf("BuildPaymentHeaders: %w", ErrNilPayment)
	}
	payload, err = encoding.EncodePayload(payment.Payload)
	if err != nil {
		return "", "", fmt.Errorf("BuildPaymentHeaders: encode payload: %w", err)
	}
	return payload, encoding.EncodeSignature(payment.Signature), nil
}

// SendPaymentRequired writes a 402 response carrying requirements in both the
// JSON body and the X-Payment-Required header.
func SendPaymentRequired(w http.ResponseWriter, requirements *x402.PaymentRequirements, soul interface{}, message string) error {
	if requirements != nil {
		encoded, err := encoding.EncodeRequirements(*requirements)
		if err != nil {
			return fmt.Errorf("encoding requirements header: %w", err)
		}
		w.Header().Set(HeaderPaymentRequired, encoded)
		w.Header().Set(HeaderFacilitator, requirements.Facilitator)
		w.Header().Set(HeaderNetwork, requirements.Network)
	}
	return WriteJSON(w, http.StatusPaymentRequired, PaymentRequired{
		Message:      message,
		Requirements: requirements,
		Soul:         soul,
	})
}

// ParsePaymentRequirements extracts requirements from a 402 response. The
// JSON body is preferred; the X-Payment-Required header is the fallback.
// The body is consumed but not closed.
func ParsePaymentRequirements(resp *http.Response) (*x402.PaymentRequirements, error) {
	if resp == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "missing response", x402.ErrInvalidRequirements)
	}

	if resp.Body != nil {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err == nil && len(bytes.TrimSpace(data)) > 0 {
			var body PaymentRequired
			if json.Unmarshal(data, &body) == nil && body.Requirements != nil && body.Requirements.Amount != "" {
				return body.Requirements, nil
			}
		}
	}

	header := resp.Header.Get(HeaderPaymentRequired)
	if header == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "no payment requirements in response", x402.ErrInvalidRequirements)
	}
	requirements, err := encoding.DecodeRequirements(header)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to decode payment requirements", err)
	}
	return &requirements, nil
}

// AddPaymentResponseHeader sets X-Payment-Response from a settlement result.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettlementResult) error {
	if settlement == nil {
		return nil
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
	return nil
}

// ParseSettlement decodes an X-Payment-Response header value.
// Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *x402.SettlementResult {
	if headerValue == "" {
		return nil
	}
	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}
	return &settlement
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}

// WriteError maps err onto its HTTP status and error code.
func WriteError(w http.ResponseWriter, err error) error {
	return WriteJSON(w, x402.StatusOf(err), ErrorBody{Error: err.Error(), Code: x402.CodeOf(err)})
}

// ParseErrorResponse turns a non-2xx response into an error wrapping the
// sentinel its code names, falling back to baseErr.
func ParseErrorResponse(resp *http.Response, baseErr error) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		if sentinel := x402.SentinelOf(body.Code); sentinel != nil {
			baseErr = sentinel
		}
		return fmt.Errorf("%w: status %d: %s", baseErr, resp.StatusCode, body.Error)
	}

	if len(data) > 0 && len(data) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(data))
	}
	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}
