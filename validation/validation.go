// Package validation checks the structure of payment data before it reaches
// signing or verification. Failures here are malformed input, not rejected
// payments.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	x402 "github.com/soulmarket/soul-x402"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// paymentRefRegex matches a 0x-prefixed reference of at most 32 bytes
	paymentRefRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{1,64}$`)
)

// ValidateAmount validates that an amount string is a valid non-negative integer.
// Zero amounts are allowed; free purchase types still carry requirements.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}

	return nil
}

// ValidateNetwork validates a decimal chain id network string.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if _, err := x402.ParseNetwork(network); err != nil {
		return fmt.Errorf("invalid network %q: expected a decimal chain id", network)
	}
	return nil
}

// ValidateAddress validates an EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidatePaymentRequirements performs comprehensive validation of payment requirements.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAmount(req.Nonce); err != nil {
		return fmt.Errorf("invalid requirements: nonce %w", err)
	}

	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAddress(req.Recipient); err != nil {
		return fmt.Errorf("invalid requirements: recipient %w", err)
	}

	if err := ValidateAddress(req.Token); err != nil {
		return fmt.Errorf("invalid requirements: token %w", err)
	}

	if err := ValidateAddress(req.Facilitator); err != nil {
		return fmt.Errorf("invalid requirements: facilitator %w", err)
	}

	if req.Deadline <= 0 {
		return fmt.Errorf("invalid requirements: deadline must be positive: %d", req.Deadline)
	}

	if !paymentRefRegex.MatchString(req.PaymentRef) {
		return fmt.Errorf("invalid requirements: paymentRef %q", req.PaymentRef)
	}

	return nil
}

// ValidateSignedPayment validates a decoded payload and signature. It does
// not check the signature itself.
func ValidateSignedPayment(sp x402.SignedPayment) error {
	if len(sp.Signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sp.Signature))
	}

	p := sp.Payload
	if p.From == (x402.PaymentPayload{}).From {
		return fmt.Errorf("payload from cannot be the zero address")
	}
	if p.Amount == nil || p.Nonce == nil || p.Deadline == nil {
		return fmt.Errorf("payload amount, nonce and deadline are required")
	}
	if p.Amount.Sign() < 0 || p.Nonce.Sign() < 0 || p.Deadline.Sign() < 0 {
		return fmt.Errorf("payload integers cannot be negative")
	}

	return nil
}
