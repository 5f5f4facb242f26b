package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SoulCreated is the decoded SoulCreated event.
type SoulCreated struct {
	TokenID    *big.Int
	Creator    common.Address
	ParentID   *big.Int
	Generation *big.Int
}

// SoulNFT is a binding to the Soul NFT contract.
type SoulNFT struct {
	address  common.Address
	backend  Backend
	contract *bind.BoundContract
}

// NewSoulNFT binds the Soul NFT at address.
func NewSoulNFT(address common.Address, backend Backend) *SoulNFT {
	return &SoulNFT{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, soulNFTABI, backend, backend, backend),
	}
}

// Address returns the contract address.
func (s *SoulNFT) Address() common.Address {
	return s.address
}

// ForkSoul mints a new soul derived from parent.
func (s *SoulNFT) ForkSoul(opts *bind.TransactOpts, parent *big.Int, metadataURI string, initialSupply *big.Int) (*types.Transaction, error) {
	return s.contract.Transact(opts, "forkSoul", orZero(parent), metadataURI, orZero(initialSupply))
}

// WaitMined blocks until tx has a receipt or ctx is done.
func (s *SoulNFT) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, s.backend, tx)
}

// ParseSoulCreated finds the SoulCreated event in receipt.
func (s *SoulNFT) ParseSoulCreated(receipt *types.Receipt) (*SoulCreated, error) {
	return ParseSoulCreated(s.address, receipt)
}

// ParseSoulCreated finds the first SoulCreated event emitted by contract in
// receipt. A zero contract matches any emitter.
func ParseSoulCreated(contract common.Address, receipt *types.Receipt) (*SoulCreated, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}
	event := soulNFTABI.Events["SoulCreated"]

	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) != 3 || log.Topics[0] != event.ID {
			continue
		}
		if contract != (common.Address{}) && log.Address != contract {
			continue
		}

		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode SoulCreated: %w", err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("failed to decode SoulCreated: %d values", len(values))
		}

		return &SoulCreated{
			TokenID:    new(big.Int).SetBytes(log.Topics[1].Bytes()),
			Creator:    common.BytesToAddress(log.Topics[2].Bytes()),
			ParentID:   values[0].(*big.Int),
			Generation: values[1].(*big.Int),
		}, nil
	}
	return nil, fmt.Errorf("SoulCreated event not found in transaction %s", receipt.TxHash.Hex())
}
