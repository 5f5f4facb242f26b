// Package facilitator defines the payment verification and settlement
// service used by purchase flows.
//
// A facilitator reads nonces, verifies signed payments, and settles them on
// chain. Local runs all of that in process; the HTTP FacilitatorClient
// delegates to another instance's /payment API. Both satisfy Interface.
package facilitator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/soulmarket/soul-x402"
)

// Interface defines the facilitator contract for payment verification and settlement.
type Interface interface {
	// GetNonce returns the agent's next unused settlement nonce.
	GetNonce(ctx context.Context, agent common.Address) (*big.Int, error)

	// Verify checks deadline and signature without touching the chain.
	Verify(ctx context.Context, payment x402.SignedPayment) (*VerifyResponse, error)

	// Settle executes a verified payment on the blockchain with no purchase.
	Settle(ctx context.Context, payment x402.SignedPayment) (*x402.SettlementResult, error)

	// SettleAndBuy settles the payment and performs the purchase atomically.
	SettleAndBuy(ctx context.Context, payment x402.SignedPayment, quantity uint64, recipient common.Address) (*x402.SettlementResult, error)
}

// Actions accepted by POST /payment.
const (
	ActionVerify       = "verify"
	ActionSettle       = "settle"
	ActionSettleAndBuy = "settle_and_buy"
)

// PaymentRequest is the body of POST /payment.
type PaymentRequest struct {
	// Action is one of verify, settle or settle_and_buy.
	Action string `json:"action"`

	// Payload is the signed payment payload.
	Payload x402.PaymentPayload `json:"payload"`

	// Signature is the 65-byte EIP-712 signature, 0x-hex encoded.
	Signature hexutil.Bytes `json:"signature"`

	// Quantity is the purchase quantity for settle_and_buy (default 1).
	Quantity uint64 `json:"quantity,omitempty"`

	// Recipient receives the purchased items for settle_and_buy (default payer).
	Recipient string `json:"recipient,omitempty"`
}

// SignedPayment returns the payload and signature as a SignedPayment.
func (r PaymentRequest) SignedPayment() x402.SignedPayment {
	return x402.SignedPayment{Payload: r.Payload, Signature: r.Signature}
}

// VerifyResponse is the response to a verify action.
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Signer string `json:"signer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NonceResponse is the response of GET /payment-nonce.
type NonceResponse struct {
	Agent       string `json:"agent"`
	Nonce       string `json:"nonce"`
	Facilitator string `json:"facilitator"`
	ChainID     int64  `json:"chainId"`
}
