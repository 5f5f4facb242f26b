package x402

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol constants for the EIP-712 signing domain.
const (
	// DomainName is the EIP-712 domain name.
	DomainName = "SoulMarketplace"

	// DomainVersion is the EIP-712 domain version.
	DomainVersion = "1"

	// PrimaryType is the EIP-712 primary type of the signed struct.
	PrimaryType = "PaymentPayload"
)

// Domain is the EIP-712 signing domain. Name and Version are protocol
// constants; ChainID and VerifyingContract identify the deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the protocol domain for a deployment.
func NewDomain(chainID int64, facilitator common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: facilitator,
	}
}

// Network returns the chain id as the decimal string used in requirements.
func (d Domain) Network() string {
	if d.ChainID == nil {
		return "0"
	}
	return d.ChainID.String()
}

// ChainIDInt64 returns the chain id, or 0 when unset or out of range.
func (d Domain) ChainIDInt64() int64 {
	if d.ChainID == nil || !d.ChainID.IsInt64() {
		return 0
	}
	return d.ChainID.Int64()
}

// ParseNetwork parses a requirements network string into a chain id.
func ParseNetwork(network string) (int64, error) {
	id, err := strconv.ParseInt(network, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidNetwork
	}
	return id, nil
}
