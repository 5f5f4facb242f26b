// Package verifier checks a signed payment off-chain: deadline first, then
// the EIP-712 signature against the claimed payer.
package verifier

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/internal/eip712"
)

// Verifier validates signed payments for one deployment domain.
type Verifier struct {
	domain x402.Domain
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// New returns a Verifier for domain.
func New(domain x402.Domain, opts ...Option) *Verifier {
	v := &Verifier{domain: domain, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Domain returns the signing domain payloads are checked against.
func (v *Verifier) Domain() x402.Domain {
	return v.domain
}

// Verify returns the recovered signer when the payment is valid.
//
// A payload is expired iff now >= deadline; that is checked before the
// signature so an expired payload fails with ErrPaymentExpired whatever its
// signature. A signature that does not recover to payload.From fails with
// ErrInvalidSignature.
func (v *Verifier) Verify(payload x402.PaymentPayload, signature []byte) (common.Address, error) {
	if payload.Deadline == nil {
		return common.Address{}, fmt.Errorf("%w: missing deadline", x402.ErrMalformedPayment)
	}
	now := big.NewInt(v.now().Unix())
	if now.Cmp(payload.Deadline) >= 0 {
		return common.Address{}, fmt.Errorf("%w: deadline %s", x402.ErrPaymentExpired, payload.Deadline)
	}

	signer, err := eip712.Recover(v.domain, payload, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}

	// common.Address compares bytes, so checksum casing never matters.
	if signer != payload.From {
		return common.Address{}, fmt.Errorf("%w: recovered %s, expected %s",
			x402.ErrInvalidSignature, signer.Hex(), payload.From.Hex())
	}
	return signer, nil
}

// PaymentHash returns the settlement identifier of a payload: its EIP-712
// digest under the verifier's domain.
func (v *Verifier) PaymentHash(payload x402.PaymentPayload) (common.Hash, error) {
	return eip712.Digest(v.domain, payload)
}
