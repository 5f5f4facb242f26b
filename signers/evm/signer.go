// Package evm provides the secp256k1 agent signer for payment payloads.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/internal/eip712"
)

type Signer struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      int64
	tokens       []common.Address
	facilitators []common.Address
	maxAmount    *big.Int
}

type Option func(*Signer) error

// NewSigner creates a signer for chainID from a hex private key (0x optional).
func NewSigner(chainID int64, privateKeyHex string, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(chainID, privateKey, opts...)
}

// NewSignerFromKey creates a signer for chainID from an existing key.
func NewSignerFromKey(chainID int64, key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, x402.ErrInvalidKey
	}
	if chainID <= 0 {
		return nil, x402.ErrInvalidNetwork
	}

	s := &Signer{
		privateKey: key,
		chainID:    chainID,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// WithMaxAmount caps the amount of any single payment.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		if amount != nil && amount.Sign() < 0 {
			return x402.ErrInvalidAmount
		}
		s.maxAmount = amount
		return nil
	}
}

// WithTokens restricts the tokens the signer will pay with.
// Without it any token is accepted.
func WithTokens(tokens ...string) Option {
	return func(s *Signer) error {
		for _, t := range tokens {
			if !common.IsHexAddress(t) {
				return fmt.Errorf("invalid token address %q", t)
			}
			s.tokens = append(s.tokens, common.HexToAddress(t))
		}
		return nil
	}
}

// WithFacilitators restricts the verifying contracts the signer will sign for.
// Without it any facilitator named in the requirements is accepted.
func WithFacilitators(facilitators ...string) Option {
	return func(s *Signer) error {
		for _, f := range facilitators {
			if !common.IsHexAddress(f) {
				return fmt.Errorf("invalid facilitator address %q", f)
			}
			s.facilitators = append(s.facilitators, common.HexToAddress(f))
		}
		return nil
	}
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) ChainID() int64 {
	return s.chainID
}

func (s *Signer) CanSign(requirements *x402.PaymentRequirements) bool {
	if requirements == nil {
		return false
	}
	if requirements.Scheme != "" && requirements.Scheme != x402.SchemeExact {
		return false
	}

	chainID, err := x402.ParseNetwork(requirements.Network)
	if err != nil || chainID != s.chainID {
		return false
	}

	if !common.IsHexAddress(requirements.Facilitator) || !common.IsHexAddress(requirements.Token) {
		return false
	}
	if !allowed(s.tokens, requirements.Token) {
		return false
	}
	return allowed(s.facilitators, requirements.Facilitator)
}

func (s *Signer) Sign(requirements *x402.PaymentRequirements) (*x402.SignedPayment, error) {
	if !s.CanSign(requirements) {
		return nil, x402.ErrNoValidSigner
	}

	payload, err := requirements.Payload(s.address)
	if err != nil {
		return nil, err
	}

	if s.maxAmount != nil && payload.Amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	domain := x402.NewDomain(s.chainID, common.HexToAddress(requirements.Facilitator))
	signature, err := eip712.Sign(s.privateKey, domain, *payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}

	return &x402.SignedPayment{
		Payload:   *payload,
		Signature: signature,
	}, nil
}

func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

func allowed(list []common.Address, addr string) bool {
	if len(list) == 0 {
		return true
	}
	want := common.HexToAddress(addr)
	for _, a := range list {
		if a == want {
			return true
		}
	}
	return false
}
