// Package chain binds the marketplace contracts: the x402 facilitator that
// settles signed payments and the Soul NFT that mints forks.
package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
)

const payloadTupleJSON = `{"components":[
	{"name":"from","type":"address"},
	{"name":"to","type":"address"},
	{"name":"token","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"nonce","type":"uint256"},
	{"name":"deadline","type":"uint256"},
	{"name":"paymentRef","type":"bytes32"}
],"name":"payload","type":"tuple"}`

// FacilitatorABI is the ABI of the x402 facilitator contract.
const FacilitatorABI = `[
{"inputs":[` + payloadTupleJSON + `,{"name":"signature","type":"bytes"}],
 "name":"verify","outputs":[{"name":"valid","type":"bool"},{"name":"signer","type":"address"}],
 "stateMutability":"view","type":"function"},
{"inputs":[` + payloadTupleJSON + `,{"name":"signature","type":"bytes"}],
 "name":"settle","outputs":[{"name":"paymentHash","type":"bytes32"}],
 "stateMutability":"nonpayable","type":"function"},
{"inputs":[` + payloadTupleJSON + `,{"name":"signature","type":"bytes"},{"name":"purchaseAmount","type":"uint256"},{"name":"recipient","type":"address"}],
 "name":"settleAndBuy","outputs":[{"name":"paymentHash","type":"bytes32"}],
 "stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"agent","type":"address"}],
 "name":"getNonce","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"agent","type":"address"},{"name":"nonce","type":"uint256"}],
 "name":"isNonceUsed","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"paymentHash","type":"bytes32"}],
 "name":"isSettled","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getDomainSeparator","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"NonceAlreadyUsed","type":"error"},
{"inputs":[],"name":"PaymentExpired","type":"error"},
{"inputs":[],"name":"InvalidSignature","type":"error"},
{"inputs":[],"name":"InsufficientBalance","type":"error"},
{"inputs":[],"name":"InsufficientSupply","type":"error"}
]`

// SoulNFTABI is the subset of the Soul NFT ABI used for forking.
const SoulNFTABI = `[
{"anonymous":false,"inputs":[
	{"indexed":true,"name":"tokenId","type":"uint256"},
	{"indexed":true,"name":"creator","type":"address"},
	{"indexed":false,"name":"parentId","type":"uint256"},
	{"indexed":false,"name":"generation","type":"uint256"}],
 "name":"SoulCreated","type":"event"},
{"inputs":[{"name":"parentTokenId","type":"uint256"},{"name":"metadataUri","type":"string"},{"name":"initialSupply","type":"uint256"}],
 "name":"forkSoul","outputs":[{"name":"newTokenId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	facilitatorABI = mustParse(FacilitatorABI)
	soulNFTABI     = mustParse(SoulNFTABI)
)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}

// payloadTuple mirrors the on-chain PaymentPayload struct. Field names match
// the ABI component names so the encoder can map them.
type payloadTuple struct {
	From       common.Address
	To         common.Address
	Token      common.Address
	Amount     *big.Int
	Nonce      *big.Int
	Deadline   *big.Int
	PaymentRef [32]byte
}

func toTuple(p x402.PaymentPayload) payloadTuple {
	return payloadTuple{
		From:       p.From,
		To:         p.To,
		Token:      p.Token,
		Amount:     orZero(p.Amount),
		Nonce:      orZero(p.Nonce),
		Deadline:   orZero(p.Deadline),
		PaymentRef: p.PaymentRef,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
