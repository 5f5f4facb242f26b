// Package settlement submits verified payments to the facilitator contract
// and waits for them to be mined.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/chain"
	"github.com/soulmarket/soul-x402/internal/eip712"
)

// Contract is the facilitator surface the submitter needs.
// *chain.Facilitator implements it.
type Contract interface {
	GetNonce(ctx context.Context, agent common.Address) (*big.Int, error)
	IsNonceUsed(ctx context.Context, agent common.Address, nonce *big.Int) (bool, error)
	IsSettled(ctx context.Context, paymentHash common.Hash) (bool, error)
	Settle(opts *bind.TransactOpts, sp x402.SignedPayment) (*types.Transaction, error)
	SettleAndBuy(opts *bind.TransactOpts, sp x402.SignedPayment, quantity *big.Int, recipient common.Address) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// SoulContract is the Soul NFT surface used for forks.
// *chain.SoulNFT implements it.
type SoulContract interface {
	ForkSoul(opts *bind.TransactOpts, parent *big.Int, metadataURI string, initialSupply *big.Int) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	ParseSoulCreated(receipt *types.Receipt) (*chain.SoulCreated, error)
}

// Submitter sends settlement transactions signed with the operator key.
type Submitter struct {
	contract Contract
	souls    SoulContract
	domain   x402.Domain
	operator *ecdsa.PrivateKey
	timeouts x402.TimeoutConfig
	logger   *slog.Logger
}

// Option configures a Submitter.
type Option func(*Submitter) error

// WithOperatorKey sets the hex private key that pays gas for settlements.
func WithOperatorKey(hexKey string) Option {
	return func(s *Submitter) error {
		if hexKey == "" {
			return nil
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.operator = key
		return nil
	}
}

// WithOperator sets the operator key directly.
func WithOperator(key *ecdsa.PrivateKey) Option {
	return func(s *Submitter) error {
		s.operator = key
		return nil
	}
}

// WithSoulContract enables forks.
func WithSoulContract(souls SoulContract) Option {
	return func(s *Submitter) error {
		s.souls = souls
		return nil
	}
}

// WithTimeouts sets the read and finality timeouts.
func WithTimeouts(tc x402.TimeoutConfig) Option {
	return func(s *Submitter) error {
		if err := tc.Validate(); err != nil {
			return err
		}
		s.timeouts = tc
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) error {
		s.logger = logger
		return nil
	}
}

// New returns a Submitter for the facilitator in domain. A nil contract or
// missing operator key is not an error here; settlement calls then fail with
// ErrSettlementUnconfigured.
func New(contract Contract, domain x402.Domain, opts ...Option) (*Submitter, error) {
	s := &Submitter{
		contract: contract,
		domain:   domain,
		timeouts: x402.DefaultTimeouts,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Configured reports whether settlement can be attempted.
func (s *Submitter) Configured() bool {
	return s.contract != nil && s.operator != nil
}

// Operator returns the operator address, or the zero address when unset.
func (s *Submitter) Operator() common.Address {
	if s.operator == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(s.operator.PublicKey)
}

// GetNonce reads the agent's next nonce. It needs no operator key.
func (s *Submitter) GetNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	if s.contract == nil {
		return nil, x402.ErrSettlementUnconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.ReadTimeout)
	defer cancel()
	return s.contract.GetNonce(ctx, agent)
}

// Settle submits a bare settlement. Agent purchases use SettleAndBuy.
func (s *Submitter) Settle(ctx context.Context, sp x402.SignedPayment) (*x402.SettlementResult, error) {
	return s.submit(ctx, sp, "settle", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return s.contract.Settle(opts, sp)
	})
}

// SettleAndBuy settles the payment and transfers quantity items to recipient
// in one transaction. Either both happen or neither does.
func (s *Submitter) SettleAndBuy(ctx context.Context, sp x402.SignedPayment, quantity uint64, recipient common.Address) (*x402.SettlementResult, error) {
	if quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", x402.ErrMalformedPayment)
	}
	qty := new(big.Int).SetUint64(quantity)
	return s.submit(ctx, sp, "settleAndBuy", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return s.contract.SettleAndBuy(opts, sp, qty, recipient)
	})
}

func (s *Submitter) submit(ctx context.Context, sp x402.SignedPayment, method string, send func(*bind.TransactOpts) (*types.Transaction, error)) (*x402.SettlementResult, error) {
	if !s.Configured() {
		return nil, x402.ErrSettlementUnconfigured
	}

	paymentHash, err := eip712.Digest(s.domain, sp.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(s.operator, s.domain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := send(opts)
	if err != nil {
		err = chain.DecodeError(err)
		s.logger.Warn("settlement submission failed",
			"method", method,
			"payer", sp.Payload.From.Hex(),
			"nonce", sp.Payload.Nonce,
			"error", err)
		return nil, err
	}

	s.logger.Info("settlement submitted",
		"method", method,
		"tx", tx.Hash().Hex(),
		"payer", sp.Payload.From.Hex(),
		"nonce", sp.Payload.Nonce)

	receipt, err := s.wait(ctx, tx, s.contract.WaitMined)
	if err != nil {
		return nil, err
	}

	result := &x402.SettlementResult{
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		PaymentHash: paymentHash.Hex(),
		TxHash:      tx.Hash().Hex(),
	}
	if !result.Success {
		result.Error = "transaction reverted"
		// A transaction that lost a nonce race reverts in the block.
		if used, err := s.Status(ctx, sp.Payload.From, sp.Payload.Nonce); err == nil && used {
			result.Error = "nonce already used"
			return result, x402.NewPaymentError(x402.ErrCodeNonceReused, "settlement lost nonce race", x402.ErrNonceReused).
				WithDetails("txHash", result.TxHash)
		}
		return result, x402.NewPaymentError(x402.ErrCodeContractRevert, "settlement reverted", x402.ErrContractRevert).
			WithDetails("txHash", result.TxHash)
	}
	return result, nil
}

// wait blocks for the receipt under the finality timeout. Exceeding it is
// reported as ErrSettlementTimeout with the tx hash; the transaction is not
// resubmitted.
func (s *Submitter) wait(ctx context.Context, tx *types.Transaction, waitMined func(context.Context, *types.Transaction) (*types.Receipt, error)) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeouts.FinalityTimeout)
	defer cancel()

	receipt, err := waitMined(waitCtx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			s.logger.Error("settlement not final within timeout",
				"tx", tx.Hash().Hex(),
				"timeout", s.timeouts.FinalityTimeout)
			return nil, x402.NewPaymentError(x402.ErrCodeSettlementTimeout, "settlement not final", x402.ErrSettlementTimeout).
				WithDetails("txHash", tx.Hash().Hex())
		}
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}

// Status reports whether the contract has consumed (payer, nonce). Use it to
// reconcile after ErrSettlementTimeout before any retry.
func (s *Submitter) Status(ctx context.Context, payer common.Address, nonce *big.Int) (bool, error) {
	if s.contract == nil {
		return false, x402.ErrSettlementUnconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.ReadTimeout)
	defer cancel()
	return s.contract.IsNonceUsed(ctx, payer, nonce)
}

// IsSettled reports whether a payment hash has been settled.
func (s *Submitter) IsSettled(ctx context.Context, paymentHash common.Hash) (bool, error) {
	if s.contract == nil {
		return false, x402.ErrSettlementUnconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.ReadTimeout)
	defer cancel()
	return s.contract.IsSettled(ctx, paymentHash)
}

// ForkResult is the outcome of a fork transaction.
type ForkResult struct {
	TxHash  string
	Created *chain.SoulCreated
}

// Fork mints a new soul derived from parent, signed by the operator.
func (s *Submitter) Fork(ctx context.Context, parent *big.Int, metadataURI string, initialSupply uint64) (*ForkResult, error) {
	if s.souls == nil || s.operator == nil {
		return nil, x402.ErrSettlementUnconfigured
	}

	opts, err := bind.NewKeyedTransactorWithChainID(s.operator, s.domain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := s.souls.ForkSoul(opts, parent, metadataURI, new(big.Int).SetUint64(initialSupply))
	if err != nil {
		return nil, chain.DecodeError(err)
	}

	s.logger.Info("fork submitted", "tx", tx.Hash().Hex(), "parent", parent)

	receipt, err := s.wait(ctx, tx, s.souls.WaitMined)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, x402.NewPaymentError(x402.ErrCodeContractRevert, "fork reverted", x402.ErrContractRevert).
			WithDetails("txHash", tx.Hash().Hex())
	}

	created, err := s.souls.ParseSoulCreated(receipt)
	if err != nil {
		// The soul exists on chain; only the event decode failed.
		s.logger.Warn("fork mined without SoulCreated event", "tx", tx.Hash().Hex(), "error", err)
	}
	return &ForkResult{TxHash: tx.Hash().Hex(), Created: created}, nil
}
