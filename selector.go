package x402

import (
	"math/big"
)

// SelectAndSign signs requirements with the first signer, in configuration
// order, that can satisfy them within its per-call limit.
//
// It returns ErrNoValidSigner when no signer matches the network, token and
// facilitator, and ErrAmountExceeded when matching signers exist but the
// price is over every one of their limits.
func SelectAndSign(signers []Signer, requirements *PaymentRequirements) (*SignedPayment, error) {
	if len(signers) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}
	if requirements == nil {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "no payment requirements provided", ErrInvalidRequirements)
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", ErrInvalidRequirements).
			WithDetails("amount", requirements.Amount)
	}

	var selected Signer
	matched := 0
	for _, s := range signers {
		if !s.CanSign(requirements) {
			continue
		}
		matched++
		if limit := s.GetMaxAmount(); limit != nil && amount.Cmp(limit) > 0 {
			continue
		}
		selected = s
		break
	}

	if selected == nil {
		if matched > 0 {
			return nil, NewPaymentError(ErrCodeAmountExceeded, "price exceeds every signer limit", ErrAmountExceeded).
				WithDetails("amount", requirements.Amount)
		}
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy payment requirements", ErrNoValidSigner).
			WithDetails("network", requirements.Network).
			WithDetails("token", requirements.Token).
			WithDetails("facilitator", requirements.Facilitator)
	}

	payment, err := selected.Sign(requirements)
	if err != nil {
		if CodeOf(err) != ErrCodeInternal {
			return nil, err
		}
		return nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}
	return payment, nil
}
