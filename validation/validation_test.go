package validation

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
		errMsg  string
	}{
		{name: "valid positive amount", amount: "1000000"},
		{name: "valid zero amount", amount: "0"},
		{name: "valid large amount", amount: "999999999999999999999999999"},
		{name: "empty amount", amount: "", wantErr: true, errMsg: "cannot be empty"},
		{name: "negative amount", amount: "-100", wantErr: true, errMsg: "cannot be negative"},
		{name: "invalid format - letters", amount: "abc", wantErr: true, errMsg: "invalid amount format"},
		{name: "invalid format - decimal", amount: "1.5", wantErr: true, errMsg: "invalid amount format"},
		{name: "invalid format - hex", amount: "0x100", wantErr: true, errMsg: "invalid amount format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.amount)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not contain %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateNetwork(t *testing.T) {
	for _, network := range []string{"143", "10143", "31337"} {
		if err := ValidateNetwork(network); err != nil {
			t.Errorf("ValidateNetwork(%q) = %v", network, err)
		}
	}
	for _, network := range []string{"", "eip155:143", "-1", "0", "monad"} {
		if err := ValidateNetwork(network); err == nil {
			t.Errorf("ValidateNetwork(%q) should fail", network)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, addr := range []string{"", "0x123", "f39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "0xZZ9Fd6e51aad88F6F4ce6aB8827279cffFb92266"} {
		if err := ValidateAddress(addr); err == nil {
			t.Errorf("ValidateAddress(%q) should fail", addr)
		}
	}
}

func validRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:      x402.SchemeExact,
		Network:     "143",
		Token:       "0xFBD84ab1526BfbA7533b1EC2842894eE92777777",
		Amount:      "1000000",
		Recipient:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Facilitator: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Nonce:       "0",
		Deadline:    1900000000,
		PaymentRef:  x402.PaymentRefFromID(7).Hex(),
	}
}

func TestValidatePaymentRequirements(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *x402.PaymentRequirements)
		wantErr string
	}{
		{name: "valid", mutate: func(r *x402.PaymentRequirements) {}},
		{name: "empty scheme", mutate: func(r *x402.PaymentRequirements) { r.Scheme = "" }, wantErr: "scheme cannot be empty"},
		{name: "unknown scheme", mutate: func(r *x402.PaymentRequirements) { r.Scheme = "upto" }, wantErr: "unsupported scheme"},
		{name: "bad amount", mutate: func(r *x402.PaymentRequirements) { r.Amount = "1.0" }, wantErr: "invalid amount format"},
		{name: "bad nonce", mutate: func(r *x402.PaymentRequirements) { r.Nonce = "" }, wantErr: "nonce"},
		{name: "bad network", mutate: func(r *x402.PaymentRequirements) { r.Network = "eip155:143" }, wantErr: "invalid network"},
		{name: "bad recipient", mutate: func(r *x402.PaymentRequirements) { r.Recipient = "0x1" }, wantErr: "recipient"},
		{name: "bad token", mutate: func(r *x402.PaymentRequirements) { r.Token = "" }, wantErr: "token"},
		{name: "bad facilitator", mutate: func(r *x402.PaymentRequirements) { r.Facilitator = "nope" }, wantErr: "facilitator"},
		{name: "zero deadline", mutate: func(r *x402.PaymentRequirements) { r.Deadline = 0 }, wantErr: "deadline"},
		{name: "bad paymentRef", mutate: func(r *x402.PaymentRequirements) { r.PaymentRef = "7" }, wantErr: "paymentRef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirements()
			tt.mutate(&req)
			err := ValidatePaymentRequirements(req)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateSignedPayment(t *testing.T) {
	valid := func() x402.SignedPayment {
		return x402.SignedPayment{
			Payload: x402.PaymentPayload{
				From:     common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
				Amount:   big.NewInt(1),
				Nonce:    big.NewInt(0),
				Deadline: big.NewInt(1900000000),
			},
			Signature: make([]byte, 65),
		}
	}

	if err := ValidateSignedPayment(valid()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sp := valid()
	sp.Signature = sp.Signature[:64]
	if err := ValidateSignedPayment(sp); err == nil {
		t.Error("expected error for short signature")
	}

	sp = valid()
	sp.Payload.From = common.Address{}
	if err := ValidateSignedPayment(sp); err == nil {
		t.Error("expected error for zero from")
	}

	sp = valid()
	sp.Payload.Nonce = nil
	if err := ValidateSignedPayment(sp); err == nil {
		t.Error("expected error for missing nonce")
	}
}
