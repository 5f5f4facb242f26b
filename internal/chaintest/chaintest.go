// Package chaintest provides in-memory stand-ins for the marketplace
// contracts and the well-known Anvil keys used across tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/chain"
)

// Anvil default accounts. Well-known test keys - NEVER use in production.
const (
	AgentKey    = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	OtherKey    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	OperatorKey = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

// Deployment addresses used by tests.
var (
	FacilitatorAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	SoulNFTAddress     = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	Sale               = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	Token              = common.HexToAddress("0xFBD84ab1526BfbA7533b1EC2842894eE92777777")
)

// Key parses one of the hex keys above.
func Key(hex string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		panic(err)
	}
	return key
}

// Address returns the address of a hex key.
func Address(hex string) common.Address {
	return crypto.PubkeyToAddress(Key(hex).PublicKey)
}

type nonceKey struct {
	payer common.Address
	nonce string
}

// Purchase records one successful settleAndBuy.
type Purchase struct {
	Payer     common.Address
	Ref       x402.PaymentRef
	Quantity  uint64
	Recipient common.Address
}

// Facilitator consumes nonces the way the contract does: the first
// transaction for a (payer, nonce) wins and later ones revert with
// NonceAlreadyUsed.
type Facilitator struct {
	mu        sync.Mutex
	used      map[nonceKey]bool
	txCount   uint64
	purchases []Purchase
	settles   int

	// NonceErr fails every GetNonce call.
	NonceErr error

	// SendErr fails every submission.
	SendErr error

	// Status is the receipt status of mined transactions.
	Status uint64

	// Block makes WaitMined wait until its context is done.
	Block bool
}

// NewFacilitator returns a fake with every receipt successful.
func NewFacilitator() *Facilitator {
	return &Facilitator{used: make(map[nonceKey]bool), Status: types.ReceiptStatusSuccessful}
}

func (f *Facilitator) GetNonce(_ context.Context, agent common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NonceErr != nil {
		return nil, f.NonceErr
	}
	n := int64(0)
	for f.used[nonceKey{agent, big.NewInt(n).String()}] {
		n++
	}
	return big.NewInt(n), nil
}

func (f *Facilitator) IsNonceUsed(_ context.Context, agent common.Address, nonce *big.Int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[nonceKey{agent, nonce.String()}], nil
}

func (f *Facilitator) IsSettled(context.Context, common.Hash) (bool, error) {
	return false, nil
}

func (f *Facilitator) consume(sp x402.SignedPayment) (*types.Transaction, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	key := nonceKey{sp.Payload.From, sp.Payload.Nonce.String()}
	if f.used[key] {
		return nil, errors.New("execution reverted: NonceAlreadyUsed()")
	}
	f.txCount++
	tx := types.NewTx(&types.LegacyTx{Nonce: f.txCount, GasPrice: big.NewInt(1), Gas: 21000})
	if f.Status != types.ReceiptStatusSuccessful {
		// Mines as reverted, so nothing is consumed.
		return tx, errReverted
	}
	f.used[key] = true
	return tx, nil
}

// errReverted marks a transaction that is sent but will revert when mined.
var errReverted = errors.New("reverted in block")

// MarkUsed consumes (payer, nonce) as another transaction would.
func (f *Facilitator) MarkUsed(payer common.Address, nonce *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[nonceKey{payer, nonce.String()}] = true
}

func (f *Facilitator) Settle(_ *bind.TransactOpts, sp x402.SignedPayment) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.consume(sp)
	if errors.Is(err, errReverted) {
		return tx, nil
	}
	if err == nil {
		f.settles++
	}
	return tx, err
}

func (f *Facilitator) SettleAndBuy(_ *bind.TransactOpts, sp x402.SignedPayment, quantity *big.Int, recipient common.Address) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.consume(sp)
	if errors.Is(err, errReverted) {
		return tx, nil
	}
	if err == nil {
		f.purchases = append(f.purchases, Purchase{
			Payer:     sp.Payload.From,
			Ref:       sp.Payload.PaymentRef,
			Quantity:  quantity.Uint64(),
			Recipient: recipient,
		})
	}
	return tx, err
}

func (f *Facilitator) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	block, status := f.Block, f.Status
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &types.Receipt{Status: status, TxHash: tx.Hash()}, nil
}

// Purchases returns the settleAndBuy calls that succeeded.
func (f *Facilitator) Purchases() []Purchase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Purchase(nil), f.purchases...)
}

// Settles returns the number of bare settlements that succeeded.
func (f *Facilitator) Settles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settles
}

// SoulNFT records forks and reports a SoulCreated event for each.
type SoulNFT struct {
	mu     sync.Mutex
	nextID int64
	forks  []Fork

	// SendErr fails every fork.
	SendErr error
}

// Fork records one forkSoul call.
type Fork struct {
	Parent      *big.Int
	MetadataURI string
	Supply      *big.Int
}

// NewSoulNFT returns a fake whose next minted token id is nextID.
func NewSoulNFT(nextID int64) *SoulNFT {
	return &SoulNFT{nextID: nextID}
}

func (s *SoulNFT) ForkSoul(_ *bind.TransactOpts, parent *big.Int, metadataURI string, supply *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.forks = append(s.forks, Fork{Parent: parent, MetadataURI: metadataURI, Supply: supply})
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(s.forks)), GasPrice: big.NewInt(1), Gas: 21000}), nil
}

func (s *SoulNFT) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

func (s *SoulNFT) ParseSoulCreated(*types.Receipt) (*chain.SoulCreated, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.forks[len(s.forks)-1]
	created := &chain.SoulCreated{
		TokenID:    big.NewInt(s.nextID),
		Creator:    Address(OperatorKey),
		ParentID:   last.Parent,
		Generation: big.NewInt(1),
	}
	s.nextID++
	return created, nil
}

// Forks returns the recorded forkSoul calls.
func (s *SoulNFT) Forks() []Fork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fork(nil), s.forks...)
}
