package facilitator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/settlement"
	"github.com/soulmarket/soul-x402/validation"
	"github.com/soulmarket/soul-x402/verifier"
)

// Local verifies in process and settles through a Submitter.
type Local struct {
	verifier  *verifier.Verifier
	submitter *settlement.Submitter
}

var _ Interface = (*Local)(nil)

// NewLocal returns a Local facilitator.
func NewLocal(v *verifier.Verifier, s *settlement.Submitter) *Local {
	return &Local{verifier: v, submitter: s}
}

// GetNonce reads the agent's nonce from the facilitator contract.
func (l *Local) GetNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	if l.submitter == nil {
		return nil, x402.ErrSettlementUnconfigured
	}
	return l.submitter.GetNonce(ctx, agent)
}

// Verify checks structure, deadline and signature.
func (l *Local) Verify(_ context.Context, payment x402.SignedPayment) (*VerifyResponse, error) {
	if err := validation.ValidateSignedPayment(payment); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
	}
	signer, err := l.verifier.Verify(payment.Payload, payment.Signature)
	if err != nil {
		return nil, err
	}
	return &VerifyResponse{Valid: true, Signer: signer.Hex()}, nil
}

// Settle verifies then settles without a purchase.
func (l *Local) Settle(ctx context.Context, payment x402.SignedPayment) (*x402.SettlementResult, error) {
	if l.submitter == nil {
		return nil, x402.ErrSettlementUnconfigured
	}
	if _, err := l.Verify(ctx, payment); err != nil {
		return nil, err
	}
	return l.submitter.Settle(ctx, payment)
}

// SettleAndBuy verifies then settles and purchases in one transaction.
func (l *Local) SettleAndBuy(ctx context.Context, payment x402.SignedPayment, quantity uint64, recipient common.Address) (*x402.SettlementResult, error) {
	if l.submitter == nil {
		return nil, x402.ErrSettlementUnconfigured
	}
	if _, err := l.Verify(ctx, payment); err != nil {
		return nil, err
	}
	return l.submitter.SettleAndBuy(ctx, payment, quantity, recipient)
}

// Submitter returns the underlying submitter.
func (l *Local) Submitter() *settlement.Submitter {
	return l.submitter
}

// Verifier returns the underlying verifier.
func (l *Local) Verifier() *verifier.Verifier {
	return l.verifier
}
