package evm

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/internal/eip712"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

const (
	testToken       = "0xFBD84ab1526BfbA7533b1EC2842894eE92777777"
	testFacilitator = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testRecipient   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:      x402.SchemeExact,
		Network:     "143",
		Token:       testToken,
		Amount:      "1000000",
		Recipient:   testRecipient,
		Facilitator: testFacilitator,
		Nonce:       "3",
		Deadline:    1900000000,
		PaymentRef:  x402.PaymentRefFromID(7).Hex(),
	}
}

func TestNewSigner(t *testing.T) {
	t.Run("with 0x prefix", func(t *testing.T) {
		signer, err := NewSigner(143, "0x"+testPrivateKey)
		if err != nil {
			t.Fatalf("Failed to create signer: %v", err)
		}
		if signer.Address().Hex() != testAddress {
			t.Errorf("Expected address %s, got %s", testAddress, signer.Address().Hex())
		}
		if signer.ChainID() != 143 {
			t.Errorf("Expected chain 143, got %d", signer.ChainID())
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := NewSigner(143, "not-a-key")
		if !errors.Is(err, x402.ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("invalid chain", func(t *testing.T) {
		_, err := NewSigner(0, testPrivateKey)
		if !errors.Is(err, x402.ErrInvalidNetwork) {
			t.Errorf("Expected ErrInvalidNetwork, got %v", err)
		}
	})

	t.Run("invalid token option", func(t *testing.T) {
		if _, err := NewSigner(143, testPrivateKey, WithTokens("0xwrong")); err == nil {
			t.Error("Expected error for invalid token address")
		}
	})
}

func TestCanSign(t *testing.T) {
	signer, err := NewSigner(143, testPrivateKey, WithTokens(testToken), WithFacilitators(testFacilitator))
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	tests := []struct {
		name     string
		mutate   func(r *x402.PaymentRequirements)
		expected bool
	}{
		{"valid requirements", func(r *x402.PaymentRequirements) {}, true},
		{"empty scheme", func(r *x402.PaymentRequirements) { r.Scheme = "" }, true},
		{"wrong network", func(r *x402.PaymentRequirements) { r.Network = "10143" }, false},
		{"malformed network", func(r *x402.PaymentRequirements) { r.Network = "eip155:143" }, false},
		{"wrong scheme", func(r *x402.PaymentRequirements) { r.Scheme = "upto" }, false},
		{"wrong token", func(r *x402.PaymentRequirements) { r.Token = testRecipient }, false},
		{"unknown facilitator", func(r *x402.PaymentRequirements) { r.Facilitator = testRecipient }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequirements()
			tt.mutate(req)
			if got := signer.CanSign(req); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestSign(t *testing.T) {
	signer, err := NewSigner(143, testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	req := testRequirements()
	signed, err := signer.Sign(req)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	p := signed.Payload
	if p.From.Hex() != testAddress {
		t.Errorf("Expected from %s, got %s", testAddress, p.From.Hex())
	}
	if p.To != common.HexToAddress(testRecipient) {
		t.Errorf("Expected to %s, got %s", testRecipient, p.To.Hex())
	}
	if p.Amount.Cmp(big.NewInt(1000000)) != 0 {
		t.Errorf("Expected amount 1000000, got %s", p.Amount)
	}
	if p.Nonce.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("Expected nonce 3, got %s", p.Nonce)
	}
	if p.Deadline.Int64() != req.Deadline {
		t.Errorf("Expected deadline %d, got %s", req.Deadline, p.Deadline)
	}
	if p.PaymentRef != x402.PaymentRefFromID(7) {
		t.Errorf("Expected paymentRef %s, got %s", x402.PaymentRefFromID(7).Hex(), p.PaymentRef.Hex())
	}

	domain := x402.NewDomain(143, common.HexToAddress(testFacilitator))
	addr, err := eip712.Recover(domain, p, signed.Signature)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if addr != signer.Address() {
		t.Errorf("Expected signature by %s, recovered %s", signer.Address().Hex(), addr.Hex())
	}
}

func TestSignErrors(t *testing.T) {
	t.Run("max amount exceeded", func(t *testing.T) {
		signer, _ := NewSigner(143, testPrivateKey, WithMaxAmount(big.NewInt(999999)))
		_, err := signer.Sign(testRequirements())
		if !errors.Is(err, x402.ErrAmountExceeded) {
			t.Errorf("Expected ErrAmountExceeded, got %v", err)
		}
	})

	t.Run("amount at limit", func(t *testing.T) {
		signer, _ := NewSigner(143, testPrivateKey, WithMaxAmount(big.NewInt(1000000)))
		if _, err := signer.Sign(testRequirements()); err != nil {
			t.Errorf("Expected success at the limit, got %v", err)
		}
	})

	t.Run("cannot sign", func(t *testing.T) {
		signer, _ := NewSigner(10143, testPrivateKey)
		_, err := signer.Sign(testRequirements())
		if !errors.Is(err, x402.ErrNoValidSigner) {
			t.Errorf("Expected ErrNoValidSigner, got %v", err)
		}
	})

	t.Run("bad amount", func(t *testing.T) {
		signer, _ := NewSigner(143, testPrivateKey)
		req := testRequirements()
		req.Amount = "1.5"
		_, err := signer.Sign(req)
		if !errors.Is(err, x402.ErrInvalidRequirements) {
			t.Errorf("Expected ErrInvalidRequirements, got %v", err)
		}
	})
}
