// Package x402 implements the x402 agent payment protocol used by the Soul
// Marketplace.
//
// Agents pay for marketplace actions by signing an EIP-712 PaymentPayload
// under a fixed domain:
//   - name "SoulMarketplace", version "1"
//   - chainId and verifyingContract (the settlement facilitator) per deployment
//
// A purchase request without payment is answered with 402 Payment Required and
// a PaymentRequirements body; the agent signs a payload matching those
// requirements and retries once. The server verifies the signature and
// deadline off-chain, then settles atomically on-chain.
//
// Import path: github.com/soulmarket/soul-x402
package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SchemeExact is the only payment scheme: the payload amount must equal the
// quoted price exactly.
const SchemeExact = "exact"

// PaymentPayload is the unit that gets signed. Field order matches the
// EIP-712 struct layout and must not change.
type PaymentPayload struct {
	// From is the payer (the agent's signing address).
	From common.Address

	// To is the recipient (the sale contract).
	To common.Address

	// Token is the payment token contract.
	Token common.Address

	// Amount is the exact price in the token's smallest unit.
	Amount *big.Int

	// Nonce is the payer's next unused nonce on the settlement contract.
	Nonce *big.Int

	// Deadline is the unix timestamp at or after which the payload is invalid.
	Deadline *big.Int

	// PaymentRef binds the payment to a purchase intent.
	PaymentRef PaymentRef
}

// paymentPayloadJSON is the wire form: bigints as decimal strings.
type paymentPayloadJSON struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Token      string          `json:"token"`
	Amount     json.RawMessage `json:"amount"`
	Nonce      json.RawMessage `json:"nonce"`
	Deadline   json.RawMessage `json:"deadline"`
	PaymentRef string          `json:"paymentRef"`
}

// MarshalJSON encodes the payload with decimal-string integers.
func (p PaymentPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		From       string `json:"from"`
		To         string `json:"to"`
		Token      string `json:"token"`
		Amount     string `json:"amount"`
		Nonce      string `json:"nonce"`
		Deadline   string `json:"deadline"`
		PaymentRef string `json:"paymentRef"`
	}{
		From:       p.From.Hex(),
		To:         p.To.Hex(),
		Token:      p.Token.Hex(),
		Amount:     bigString(p.Amount),
		Nonce:      bigString(p.Nonce),
		Deadline:   bigString(p.Deadline),
		PaymentRef: p.PaymentRef.Hex(),
	})
}

// UnmarshalJSON decodes the wire form. Integer fields may be JSON numbers or
// decimal (or 0x-hex) strings.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var raw paymentPayloadJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if p.From, err = parseAddress("from", raw.From); err != nil {
		return err
	}
	if p.To, err = parseAddress("to", raw.To); err != nil {
		return err
	}
	if p.Token, err = parseAddress("token", raw.Token); err != nil {
		return err
	}
	if p.Amount, err = parseUint("amount", raw.Amount); err != nil {
		return err
	}
	if p.Nonce, err = parseUint("nonce", raw.Nonce); err != nil {
		return err
	}
	if p.Deadline, err = parseUint("deadline", raw.Deadline); err != nil {
		return err
	}
	if p.PaymentRef, err = ParsePaymentRef(raw.PaymentRef); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching a signed value.
func (p PaymentPayload) Clone() PaymentPayload {
	c := p
	c.Amount = cloneBig(p.Amount)
	c.Nonce = cloneBig(p.Nonce)
	c.Deadline = cloneBig(p.Deadline)
	return c
}

// PaymentRequirements is the server's advertisement of what a valid payload
// must contain. It is computed fresh for every request and never persisted.
type PaymentRequirements struct {
	// Scheme is always "exact".
	Scheme string `json:"scheme"`

	// Network is the numeric chain id as a decimal string (e.g. "143").
	Network string `json:"network"`

	// Token is the payment token address.
	Token string `json:"token"`

	// Amount is the exact price in smallest units, as a decimal string.
	Amount string `json:"amount"`

	// Recipient is the sale contract address.
	Recipient string `json:"recipient"`

	// Facilitator is the settlement contract, also the EIP-712 verifying contract.
	Facilitator string `json:"facilitator"`

	// Nonce is the payer's next usable nonce, as a decimal string.
	Nonce string `json:"nonce"`

	// Deadline is the unix timestamp after which a payload built from these
	// requirements is rejected.
	Deadline int64 `json:"deadline"`

	// PaymentRef is the 32-byte purchase reference, 0x-hex encoded.
	PaymentRef string `json:"paymentRef"`
}

// Payload builds the PaymentPayload a client with address from should sign
// for these requirements.
func (r *PaymentRequirements) Payload(from common.Address) (*PaymentPayload, error) {
	if r.Scheme != "" && r.Scheme != SchemeExact {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequirements, r.Scheme)
	}
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidRequirements, r.Amount)
	}
	nonce, ok := new(big.Int).SetString(r.Nonce, 10)
	if !ok || nonce.Sign() < 0 {
		return nil, fmt.Errorf("%w: nonce %q", ErrInvalidRequirements, r.Nonce)
	}
	if !common.IsHexAddress(r.Recipient) || !common.IsHexAddress(r.Token) {
		return nil, fmt.Errorf("%w: recipient or token is not an address", ErrInvalidRequirements)
	}
	ref, err := ParsePaymentRef(r.PaymentRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}

	return &PaymentPayload{
		From:       from,
		To:         common.HexToAddress(r.Recipient),
		Token:      common.HexToAddress(r.Token),
		Amount:     amount,
		Nonce:      nonce,
		Deadline:   big.NewInt(r.Deadline),
		PaymentRef: ref,
	}, nil
}

// SignedPayment is a payload plus its EIP-712 signature. It is consumed at
// most once by settlement.
type SignedPayment struct {
	Payload   PaymentPayload `json:"payload"`
	Signature hexutil.Bytes  `json:"signature"`
}

// SettlementResult is the terminal outcome of one settlement attempt.
type SettlementResult struct {
	// Success reports whether the settlement transaction succeeded on-chain.
	Success bool `json:"success"`

	// PaymentHash is the settlement identifier (the payload's EIP-712 digest).
	PaymentHash string `json:"paymentHash,omitempty"`

	// TxHash is the settlement transaction hash.
	TxHash string `json:"txHash,omitempty"`

	// Error is a human-readable failure reason.
	Error string `json:"error,omitempty"`
}

// PaymentRef is a fixed-width reference binding a payment to a purchase intent.
type PaymentRef [32]byte

// PaymentRefFromID left-pads id to 32 bytes.
func PaymentRefFromID(id uint64) PaymentRef {
	var ref PaymentRef
	new(big.Int).SetUint64(id).FillBytes(ref[:])
	return ref
}

// ParsePaymentRef decodes a 0x-prefixed hex reference of at most 32 bytes,
// left-padding shorter values.
func ParsePaymentRef(s string) (PaymentRef, error) {
	var ref PaymentRef
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" {
		return ref, fmt.Errorf("paymentRef is empty")
	}
	if len(h) > 64 {
		return ref, fmt.Errorf("paymentRef longer than 32 bytes")
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hexutil.Decode("0x" + h)
	if err != nil {
		return ref, fmt.Errorf("paymentRef: %w", err)
	}
	copy(ref[32-len(b):], b)
	return ref, nil
}

// Hex returns the 0x-prefixed 64-character encoding.
func (r PaymentRef) Hex() string {
	return hexutil.Encode(r[:])
}

// ID decodes the reference as a big-endian integer. ok is false when the value
// does not fit in a uint64.
func (r PaymentRef) ID() (id uint64, ok bool) {
	v := new(big.Int).SetBytes(r[:])
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

// Equal compares two references.
func (r PaymentRef) Equal(o PaymentRef) bool {
	return bytes.Equal(r[:], o[:])
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative, has more precision than
// decimals allows, or decimals is negative.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if !value.IsInt() {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseUint(field string, raw json.RawMessage) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, fmt.Errorf("%s: missing", field)
	}
	s = strings.Trim(s, `"`)

	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = v.SetString(s[2:], 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid unsigned integer %q", field, s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%s: exceeds uint256", field)
	}
	return v, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
