package x402

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Signer creates signed payment payloads on behalf of an agent.
type Signer interface {
	// Address returns the payer address the signer signs for.
	Address() common.Address

	// ChainID returns the chain the signer is bound to.
	ChainID() int64

	// CanSign checks if this signer can satisfy the given payment requirements.
	CanSign(requirements *PaymentRequirements) bool

	// Sign builds the payload described by requirements and signs it.
	// Returns an error if signing fails or if the payment exceeds configured limits.
	Sign(requirements *PaymentRequirements) (*SignedPayment, error)

	// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
	GetMaxAmount() *big.Int
}
