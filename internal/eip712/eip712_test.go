package eip712

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/soulmarket/soul-x402"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

var testFacilitator = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testPayload() x402.PaymentPayload {
	return x402.PaymentPayload{
		From:       common.HexToAddress(testAddress),
		To:         common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Token:      common.HexToAddress("0xFBD84ab1526BfbA7533b1EC2842894eE92777777"),
		Amount:     big.NewInt(1000000),
		Nonce:      big.NewInt(0),
		Deadline:   big.NewInt(1900000000),
		PaymentRef: x402.PaymentRefFromID(7),
	}
}

func TestDigest(t *testing.T) {
	domain := x402.NewDomain(x402.ChainIDMonad, testFacilitator)

	t.Run("deterministic", func(t *testing.T) {
		d1, err := Digest(domain, testPayload())
		if err != nil {
			t.Fatalf("Digest failed: %v", err)
		}
		d2, err := Digest(domain, testPayload())
		if err != nil {
			t.Fatalf("Digest failed: %v", err)
		}
		if d1 != d2 {
			t.Errorf("digest not deterministic: %s != %s", d1.Hex(), d2.Hex())
		}
	})

	t.Run("domain separates chains", func(t *testing.T) {
		d1, _ := Digest(domain, testPayload())
		d2, _ := Digest(x402.NewDomain(x402.ChainIDMonadTestnet, testFacilitator), testPayload())
		if d1 == d2 {
			t.Error("digests for different chain ids must differ")
		}
	})

	t.Run("domain separates facilitators", func(t *testing.T) {
		d1, _ := Digest(domain, testPayload())
		other := x402.NewDomain(x402.ChainIDMonad, common.HexToAddress("0x0000000000000000000000000000000000000001"))
		d2, _ := Digest(other, testPayload())
		if d1 == d2 {
			t.Error("digests for different verifying contracts must differ")
		}
	})
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	domain := x402.NewDomain(x402.ChainIDMonad, testFacilitator)
	payload := testPayload()

	sig, err := Sign(key, domain, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("Expected %d byte signature, got %d", SignatureLength, len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("Expected v in {27, 28}, got %d", sig[64])
	}

	t.Run("recovers signer", func(t *testing.T) {
		addr, err := Recover(domain, payload, sig)
		if err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if !strings.EqualFold(addr.Hex(), testAddress) {
			t.Errorf("Expected %s, got %s", testAddress, addr.Hex())
		}
	})

	t.Run("accepts v in {0, 1}", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] -= 27
		addr, err := Recover(domain, payload, raw)
		if err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if !strings.EqualFold(addr.Hex(), testAddress) {
			t.Errorf("Expected %s, got %s", testAddress, addr.Hex())
		}
	})

	t.Run("does not mutate signature", func(t *testing.T) {
		v := sig[64]
		if _, err := Recover(domain, payload, sig); err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if sig[64] != v {
			t.Errorf("Recover modified the caller's signature")
		}
	})

	t.Run("wrong chain recovers a different address", func(t *testing.T) {
		addr, err := Recover(x402.NewDomain(x402.ChainIDMonadTestnet, testFacilitator), payload, sig)
		if err == nil && strings.EqualFold(addr.Hex(), testAddress) {
			t.Error("signature must not verify under a different domain")
		}
	})

	t.Run("rejects bad length", func(t *testing.T) {
		if _, err := Recover(domain, payload, sig[:64]); err == nil {
			t.Error("Expected error for 64 byte signature")
		}
	})

	t.Run("rejects bad recovery id", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] = 35
		if _, err := Recover(domain, payload, raw); err == nil {
			t.Error("Expected error for recovery id 35")
		}
	})
}

func TestTypedDataLayout(t *testing.T) {
	fields := Types[x402.PrimaryType]
	want := []string{"from", "to", "token", "amount", "nonce", "deadline", "paymentRef"}
	if len(fields) != len(want) {
		t.Fatalf("Expected %d fields, got %d", len(want), len(fields))
	}
	for i, name := range want {
		if fields[i].Name != name {
			t.Errorf("field %d: expected %s, got %s", i, name, fields[i].Name)
		}
	}
}
