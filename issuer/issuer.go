// Package issuer builds the PaymentRequirements returned with a 402.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
)

// DefaultValidity is how long issued requirements stay signable.
const DefaultValidity = time.Hour

// NonceSource reads the payer's next unused nonce from the settlement contract.
type NonceSource interface {
	GetNonce(ctx context.Context, agent common.Address) (*big.Int, error)
}

// Intent identifies what the payer wants to buy.
type Intent struct {
	ItemID   uint64
	Quantity uint64
	Payer    common.Address
}

// Issuer computes payment requirements. Apart from the nonce read it has no
// side effects.
type Issuer struct {
	domain        x402.Domain
	token         common.Address
	recipient     common.Address
	nonces        NonceSource
	validity      time.Duration
	timeouts      x402.TimeoutConfig
	nonceFallback bool
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithValidity sets how far in the future the deadline is placed.
func WithValidity(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// WithTimeouts sets the timeouts; ReadTimeout bounds the nonce read.
func WithTimeouts(tc x402.TimeoutConfig) Option {
	return func(i *Issuer) {
		i.timeouts = tc
	}
}

// WithNonceFallback makes a failed nonce read issue nonce 0 instead of
// failing with ErrNonceUnavailable. A payload signed with a stale nonce is
// then rejected at settlement.
func WithNonceFallback(enabled bool) Option {
	return func(i *Issuer) {
		i.nonceFallback = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// New returns an Issuer. recipient is the sale contract payments go to.
func New(domain x402.Domain, token, recipient common.Address, nonces NonceSource, opts ...Option) *Issuer {
	i := &Issuer{
		domain:    domain,
		token:     token,
		recipient: recipient,
		nonces:    nonces,
		validity:  DefaultValidity,
		timeouts:  x402.DefaultTimeouts,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i
}

// Issue returns fresh requirements for intent at unitPrice per item.
func (i *Issuer) Issue(ctx context.Context, intent Intent, unitPrice *big.Int) (*x402.PaymentRequirements, error) {
	if unitPrice == nil || unitPrice.Sign() < 0 {
		return nil, fmt.Errorf("%w: unit price", x402.ErrInvalidAmount)
	}
	if intent.Quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", x402.ErrMalformedPayment)
	}

	amount := new(big.Int).Mul(unitPrice, new(big.Int).SetUint64(intent.Quantity))

	nonce, err := i.Nonce(ctx, intent.Payer)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentRequirements{
		Scheme:      x402.SchemeExact,
		Network:     i.domain.Network(),
		Token:       i.token.Hex(),
		Amount:      amount.String(),
		Recipient:   i.recipient.Hex(),
		Facilitator: i.domain.VerifyingContract.Hex(),
		Nonce:       nonce.String(),
		Deadline:    i.now().Add(i.validity).Unix(),
		PaymentRef:  x402.PaymentRefFromID(intent.ItemID).Hex(),
	}, nil
}

// Nonce reads the payer's next nonce, applying the fallback policy.
func (i *Issuer) Nonce(ctx context.Context, payer common.Address) (*big.Int, error) {
	if i.nonces == nil {
		return i.fallback(payer, x402.ErrSettlementUnconfigured)
	}

	readCtx, cancel := context.WithTimeout(ctx, i.timeouts.ReadTimeout)
	defer cancel()

	nonce, err := i.nonces.GetNonce(readCtx, payer)
	if err != nil {
		return i.fallback(payer, err)
	}
	if nonce == nil {
		return i.fallback(payer, fmt.Errorf("empty nonce"))
	}
	return nonce, nil
}

func (i *Issuer) fallback(payer common.Address, cause error) (*big.Int, error) {
	if !i.nonceFallback {
		return nil, fmt.Errorf("%w: %v", x402.ErrNonceUnavailable, cause)
	}
	i.logger.Warn("nonce read failed, issuing nonce 0",
		"payer", payer.Hex(),
		"error", cause)
	return new(big.Int), nil
}

// Domain returns the signing domain requirements are issued under.
func (i *Issuer) Domain() x402.Domain {
	return i.domain
}

// Token returns the payment token.
func (i *Issuer) Token() common.Address {
	return i.token
}

// Recipient returns the sale contract address.
func (i *Issuer) Recipient() common.Address {
	return i.recipient
}
