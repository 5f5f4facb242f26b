package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/soulmarket/soul-x402"
)

// Backend is what the bindings need from a node: calls, transactions and
// receipts. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Dial connects to a JSON-RPC endpoint and checks it serves chainID.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if got.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("%w: node serves chain %s, expected %d", x402.ErrInvalidNetwork, got, chainID)
	}
	return client, nil
}

// Facilitator is a binding to the x402 facilitator contract.
type Facilitator struct {
	address  common.Address
	backend  Backend
	contract *bind.BoundContract
}

// NewFacilitator binds the facilitator at address.
func NewFacilitator(address common.Address, backend Backend) *Facilitator {
	return &Facilitator{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, facilitatorABI, backend, backend, backend),
	}
}

// Address returns the contract address.
func (f *Facilitator) Address() common.Address {
	return f.address
}

// GetNonce returns the agent's next unused nonce.
func (f *Facilitator) GetNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", agent); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// IsNonceUsed reports whether the contract has consumed (agent, nonce).
func (f *Facilitator) IsNonceUsed(ctx context.Context, agent common.Address, nonce *big.Int) (bool, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isNonceUsed", agent, orZero(nonce)); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// IsSettled reports whether a payment hash has been settled.
func (f *Facilitator) IsSettled(ctx context.Context, paymentHash common.Hash) (bool, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isSettled", paymentHash); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// DomainSeparator returns the contract's EIP-712 domain separator.
func (f *Facilitator) DomainSeparator(ctx context.Context) (common.Hash, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDomainSeparator"); err != nil {
		return common.Hash{}, err
	}
	return common.Hash(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}

// Verify asks the contract to check a signed payment.
func (f *Facilitator) Verify(ctx context.Context, sp x402.SignedPayment) (bool, common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "verify", toTuple(sp.Payload), []byte(sp.Signature)); err != nil {
		return false, common.Address{}, err
	}
	valid := *abi.ConvertType(out[0], new(bool)).(*bool)
	signer := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	return valid, signer, nil
}

// Settle submits a bare settlement.
func (f *Facilitator) Settle(opts *bind.TransactOpts, sp x402.SignedPayment) (*types.Transaction, error) {
	return f.contract.Transact(opts, "settle", toTuple(sp.Payload), []byte(sp.Signature))
}

// SettleAndBuy submits settlement and purchase in one transaction.
func (f *Facilitator) SettleAndBuy(opts *bind.TransactOpts, sp x402.SignedPayment, quantity *big.Int, recipient common.Address) (*types.Transaction, error) {
	return f.contract.Transact(opts, "settleAndBuy", toTuple(sp.Payload), []byte(sp.Signature), orZero(quantity), recipient)
}

// WaitMined blocks until tx has a receipt or ctx is done.
func (f *Facilitator) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, f.backend, tx)
}
