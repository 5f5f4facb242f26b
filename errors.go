package x402

import (
	"errors"
	"net/http"
)

// Sentinel errors for x402 payment operations.
var (
	// ErrMissingIdentity indicates the request carries no agent identity.
	ErrMissingIdentity = errors.New("x402: missing agent identity")

	// ErrInvalidRequest indicates the purchase request body is missing or invalid.
	ErrInvalidRequest = errors.New("x402: invalid request")

	// ErrMalformedPayment indicates payment headers or fields could not be decoded.
	ErrMalformedPayment = errors.New("x402: malformed payment")

	// ErrInvalidSignature indicates the recovered signer does not match the payer.
	ErrInvalidSignature = errors.New("x402: invalid signature")

	// ErrPaymentExpired indicates the payload deadline has passed.
	ErrPaymentExpired = errors.New("x402: payment expired")

	// ErrPaymentMismatch indicates the payload does not match the quoted requirements.
	ErrPaymentMismatch = errors.New("x402: payment does not match requirements")

	// ErrPaymentStillRequired indicates the server answered a paid retry with another 402.
	ErrPaymentStillRequired = errors.New("x402: payment still required after retry")

	// ErrNonceReused indicates the settlement contract has already consumed the nonce.
	ErrNonceReused = errors.New("x402: nonce already used")

	// ErrNonceUnavailable indicates the payer's nonce could not be read from the contract.
	ErrNonceUnavailable = errors.New("x402: nonce unavailable")

	// ErrNotFound indicates the purchase target does not exist.
	ErrNotFound = errors.New("x402: not found")

	// ErrInsufficientSupply indicates the listing cannot cover the requested quantity.
	ErrInsufficientSupply = errors.New("x402: insufficient supply")

	// ErrSettlementUnconfigured indicates the server has no operator key or contract.
	ErrSettlementUnconfigured = errors.New("x402: settlement not configured")

	// ErrContractRevert indicates an on-chain failure.
	ErrContractRevert = errors.New("x402: contract reverted")

	// ErrSettlementTimeout indicates the finality wait was exceeded. The
	// transaction may still land; check on-chain status before any retry.
	ErrSettlementTimeout = errors.New("x402: settlement timeout")

	// ErrRateLimited indicates the agent exceeded its request budget.
	ErrRateLimited = errors.New("x402: rate limited")

	// ErrInvalidRequirements indicates the payment requirements from the server are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrNoValidSigner indicates the signer cannot satisfy the requirements.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy payment requirements")

	// ErrAmountExceeded indicates the payment amount exceeds the per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported or malformed network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrFacilitatorUnavailable indicates the remote payment service could not be reached.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	ErrCodeMissingIdentity        ErrorCode = "MISSING_IDENTITY"
	ErrCodeInvalidRequest         ErrorCode = "INVALID_REQUEST"
	ErrCodeMalformedPayment       ErrorCode = "MALFORMED_PAYMENT"
	ErrCodeInvalidSignature       ErrorCode = "INVALID_SIGNATURE"
	ErrCodePaymentExpired         ErrorCode = "PAYMENT_EXPIRED"
	ErrCodePaymentMismatch        ErrorCode = "PAYMENT_MISMATCH"
	ErrCodePaymentRequired        ErrorCode = "PAYMENT_REQUIRED"
	ErrCodeNonceReused            ErrorCode = "NONCE_REUSED"
	ErrCodeNonceUnavailable       ErrorCode = "NONCE_UNAVAILABLE"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
	ErrCodeInsufficientSupply     ErrorCode = "INSUFFICIENT_SUPPLY"
	ErrCodeSettlementUnconfigured ErrorCode = "SETTLEMENT_UNCONFIGURED"
	ErrCodeContractRevert         ErrorCode = "CONTRACT_REVERT"
	ErrCodeSettlementTimeout      ErrorCode = "SETTLEMENT_TIMEOUT"
	ErrCodeRateLimited            ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidRequirements    ErrorCode = "INVALID_REQUIREMENTS"
	ErrCodeNoValidSigner          ErrorCode = "NO_VALID_SIGNER"
	ErrCodeAmountExceeded         ErrorCode = "AMOUNT_EXCEEDED"
	ErrCodeSigningFailed          ErrorCode = "SIGNING_FAILED"
	ErrCodeNetworkError           ErrorCode = "NETWORK_ERROR"
	ErrCodeInternal               ErrorCode = "INTERNAL"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

type classification struct {
	err    error
	code   ErrorCode
	status int
}

// Order matters: more specific sentinels first.
var classifications = []classification{
	{ErrMissingIdentity, ErrCodeMissingIdentity, http.StatusUnauthorized},
	{ErrInvalidRequest, ErrCodeInvalidRequest, http.StatusBadRequest},
	{ErrMalformedPayment, ErrCodeMalformedPayment, http.StatusBadRequest},
	{ErrInvalidSignature, ErrCodeInvalidSignature, http.StatusUnauthorized},
	{ErrPaymentExpired, ErrCodePaymentExpired, http.StatusBadRequest},
	{ErrPaymentMismatch, ErrCodePaymentMismatch, http.StatusPaymentRequired},
	{ErrPaymentStillRequired, ErrCodePaymentRequired, http.StatusPaymentRequired},
	{ErrNonceReused, ErrCodeNonceReused, http.StatusConflict},
	{ErrNonceUnavailable, ErrCodeNonceUnavailable, http.StatusServiceUnavailable},
	{ErrNotFound, ErrCodeNotFound, http.StatusNotFound},
	{ErrInsufficientSupply, ErrCodeInsufficientSupply, http.StatusBadRequest},
	{ErrSettlementUnconfigured, ErrCodeSettlementUnconfigured, http.StatusInternalServerError},
	{ErrSettlementTimeout, ErrCodeSettlementTimeout, http.StatusGatewayTimeout},
	{ErrContractRevert, ErrCodeContractRevert, http.StatusPaymentRequired},
	{ErrRateLimited, ErrCodeRateLimited, http.StatusTooManyRequests},
	{ErrInvalidRequirements, ErrCodeInvalidRequirements, http.StatusBadGateway},
	{ErrNoValidSigner, ErrCodeNoValidSigner, http.StatusBadRequest},
	{ErrAmountExceeded, ErrCodeAmountExceeded, http.StatusBadRequest},
	{ErrSigningFailed, ErrCodeSigningFailed, http.StatusInternalServerError},
	{ErrFacilitatorUnavailable, ErrCodeNetworkError, http.StatusBadGateway},
}

// CodeOf returns the error code for err. A *PaymentError's own code wins over
// the sentinel it wraps.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	for _, c := range classifications {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ErrCodeInternal
}

// SentinelOf returns the sentinel error a wire error code stands for, or
// nil for unknown codes. PAYMENT_REQUIRED is a demand, not a failure, and
// has no sentinel.
func SentinelOf(code ErrorCode) error {
	if code == ErrCodePaymentRequired {
		return nil
	}
	for _, c := range classifications {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// StatusOf maps err to the HTTP status reported to agents.
func StatusOf(err error) int {
	for _, c := range classifications {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the same request may be retried as-is.
// Nonce reuse, signature and deadline failures are permanent. A settlement
// timeout is ambiguous and must be reconciled against on-chain state first.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNonceReused),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrPaymentExpired),
		errors.Is(err, ErrPaymentMismatch),
		errors.Is(err, ErrSettlementTimeout),
		errors.Is(err, ErrMalformedPayment),
		errors.Is(err, ErrSettlementUnconfigured):
		return false
	case errors.Is(err, ErrFacilitatorUnavailable),
		errors.Is(err, ErrNonceUnavailable),
		errors.Is(err, ErrRateLimited):
		return true
	default:
		return false
	}
}
