// Package eip712 builds, signs, and recovers the typed-data digest of a
// PaymentPayload.
package eip712

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/soulmarket/soul-x402"
)

// SignatureLength is the length of an r ‖ s ‖ v signature.
const SignatureLength = 65

var errSignatureLength = errors.New("signature must be 65 bytes")

// Types is the EIP-712 type set. The PaymentPayload layout is part of the
// protocol: seven fields, in this order.
var Types = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	x402.PrimaryType: []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "paymentRef", Type: "bytes32"},
	},
}

// TypedData returns the typed data for payload under domain.
func TypedData(domain x402.Domain, payload x402.PaymentPayload) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       Types,
		PrimaryType: x402.PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(orZero(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":       payload.From.Hex(),
			"to":         payload.To.Hex(),
			"token":      payload.Token.Hex(),
			"amount":     (*math.HexOrDecimal256)(orZero(payload.Amount)),
			"nonce":      (*math.HexOrDecimal256)(orZero(payload.Nonce)),
			"deadline":   (*math.HexOrDecimal256)(orZero(payload.Deadline)),
			"paymentRef": payload.PaymentRef.Hex(),
		},
	}
}

// Digest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(payload)).
func Digest(domain x402.Domain, payload x402.PaymentPayload) (common.Hash, error) {
	typedData := TypedData(domain, payload)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(x402.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256Hash(rawData), nil
}

// Sign signs payload under domain. The returned signature has v in {27, 28}.
func Sign(privateKey *ecdsa.PrivateKey, domain x402.Domain, payload x402.PaymentPayload) ([]byte, error) {
	digest, err := Digest(domain, payload)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest.Bytes(), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	signature[64] += 27
	return signature, nil
}

// Recover returns the address that produced signature over payload under
// domain. v may be 0/1 or 27/28.
func Recover(domain x402.Domain, payload x402.PaymentPayload, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, errSignatureLength
	}

	digest, err := Digest(domain, payload)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", signature[64])
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
