package x402

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testPayer       = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testSale        = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	testToken       = common.HexToAddress("0xFBD84ab1526BfbA7533b1EC2842894eE92777777")
	testFacilitator = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func TestPaymentPayloadJSON(t *testing.T) {
	payload := PaymentPayload{
		From:       testPayer,
		To:         testSale,
		Token:      testToken,
		Amount:     big.NewInt(1500000),
		Nonce:      big.NewInt(0),
		Deadline:   big.NewInt(1800000000),
		PaymentRef: PaymentRefFromID(42),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	for _, want := range []string{`"amount":"1500000"`, `"nonce":"0"`, `"deadline":"1800000000"`, `"from":"` + testPayer.Hex() + `"`} {
		if !strings.Contains(s, want) {
			t.Errorf("Marshal() = %s; missing %s", s, want)
		}
	}

	var decoded PaymentPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.From != payload.From || decoded.To != payload.To || decoded.Token != payload.Token {
		t.Errorf("addresses = %+v; want %+v", decoded, payload)
	}
	if decoded.Amount.Cmp(payload.Amount) != 0 || decoded.Nonce.Sign() != 0 || decoded.Deadline.Cmp(payload.Deadline) != 0 {
		t.Errorf("integers = %v %v %v", decoded.Amount, decoded.Nonce, decoded.Deadline)
	}
	if !decoded.PaymentRef.Equal(payload.PaymentRef) {
		t.Errorf("PaymentRef = %s; want %s", decoded.PaymentRef.Hex(), payload.PaymentRef.Hex())
	}
}

func TestPaymentPayloadUnmarshalIntegerForms(t *testing.T) {
	const head = `{"from":"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266","to":"0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0","token":"0xFBD84ab1526BfbA7533b1EC2842894eE92777777",`

	tests := []struct {
		name    string
		body    string
		amount  int64
		wantErr bool
	}{
		{"number", `"amount":1000,"nonce":1,"deadline":2,"paymentRef":"0x01"}`, 1000, false},
		{"decimal string", `"amount":"1000","nonce":"1","deadline":"2","paymentRef":"0x01"}`, 1000, false},
		{"hex string", `"amount":"0x3e8","nonce":"0x1","deadline":"0x2","paymentRef":"0x01"}`, 1000, false},
		{"negative", `"amount":"-1","nonce":"1","deadline":"2","paymentRef":"0x01"}`, 0, true},
		{"null amount", `"amount":null,"nonce":"1","deadline":"2","paymentRef":"0x01"}`, 0, true},
		{"not a number", `"amount":"ten","nonce":"1","deadline":"2","paymentRef":"0x01"}`, 0, true},
		{"over uint256", `"amount":"0x1` + strings.Repeat("0", 64) + `","nonce":"1","deadline":"2","paymentRef":"0x01"}`, 0, true},
		{"missing ref", `"amount":"1","nonce":"1","deadline":"2"}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p PaymentPayload
			err := json.Unmarshal([]byte(head+tt.body), &p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && p.Amount.Int64() != tt.amount {
				t.Errorf("Amount = %v; want %d", p.Amount, tt.amount)
			}
		})
	}
}

func TestPaymentPayloadClone(t *testing.T) {
	original := PaymentPayload{Amount: big.NewInt(5), Nonce: big.NewInt(1), Deadline: big.NewInt(9)}
	clone := original.Clone()
	clone.Amount.SetInt64(6)
	clone.Nonce.SetInt64(2)

	if original.Amount.Int64() != 5 || original.Nonce.Int64() != 1 {
		t.Errorf("Clone() shares integers with the original: %v %v", original.Amount, original.Nonce)
	}

	var empty PaymentPayload
	if c := empty.Clone(); c.Amount != nil || c.Deadline != nil {
		t.Errorf("Clone() of nil integers = %+v", c)
	}
}

func TestPaymentRef(t *testing.T) {
	ref := PaymentRefFromID(7)
	if got := ref.Hex(); len(got) != 66 || !strings.HasSuffix(got, "07") {
		t.Errorf("Hex() = %s", got)
	}
	if id, ok := ref.ID(); !ok || id != 7 {
		t.Errorf("ID() = %d, %v; want 7, true", id, ok)
	}

	tests := []struct {
		name    string
		input   string
		wantID  uint64
		wantErr bool
	}{
		{"short", "0x07", 7, false},
		{"odd length", "0x7", 7, false},
		{"upper prefix", "0X0a", 10, false},
		{"full width", PaymentRefFromID(99).Hex(), 99, false},
		{"empty", "", 0, true},
		{"prefix only", "0x", 0, true},
		{"too long", "0x" + strings.Repeat("ff", 33), 0, true},
		{"not hex", "0xzz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePaymentRef(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePaymentRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if id, _ := got.ID(); id != tt.wantID {
				t.Errorf("ParsePaymentRef() id = %d; want %d", id, tt.wantID)
			}
		})
	}

	var wide PaymentRef
	wide[0] = 1
	if _, ok := wide.ID(); ok {
		t.Error("ID() ok = true for a reference wider than 64 bits")
	}
}

func TestRequirementsPayload(t *testing.T) {
	valid := PaymentRequirements{
		Scheme:      SchemeExact,
		Network:     "143",
		Token:       testToken.Hex(),
		Amount:      "1000000",
		Recipient:   testSale.Hex(),
		Facilitator: testFacilitator.Hex(),
		Nonce:       "4",
		Deadline:    1800000000,
		PaymentRef:  PaymentRefFromID(3).Hex(),
	}

	p, err := valid.Payload(testPayer)
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if p.From != testPayer || p.To != testSale || p.Token != testToken {
		t.Errorf("Payload() addresses = %+v", p)
	}
	if p.Amount.Int64() != 1000000 || p.Nonce.Int64() != 4 || p.Deadline.Int64() != 1800000000 {
		t.Errorf("Payload() integers = %v %v %v", p.Amount, p.Nonce, p.Deadline)
	}

	tests := []struct {
		name   string
		mutate func(*PaymentRequirements)
	}{
		{"scheme", func(r *PaymentRequirements) { r.Scheme = "upto" }},
		{"amount", func(r *PaymentRequirements) { r.Amount = "1.5" }},
		{"negative nonce", func(r *PaymentRequirements) { r.Nonce = "-1" }},
		{"recipient", func(r *PaymentRequirements) { r.Recipient = "sale" }},
		{"token", func(r *PaymentRequirements) { r.Token = "0x12" }},
		{"ref", func(r *PaymentRequirements) { r.PaymentRef = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if _, err := r.Payload(testPayer); !errors.Is(err, ErrInvalidRequirements) {
				t.Errorf("Payload() error = %v; want ErrInvalidRequirements", err)
			}
		})
	}
}

func TestAmountToBigInt(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"whole", "5", 6, "5000000", false},
		{"fraction", "12.5", 6, "12500000", false},
		{"eighteen decimals", "0.01", 18, "10000000000000000", false},
		{"zero", "0", 6, "0", false},
		{"too precise", "0.0000001", 6, "", true},
		{"negative", "-1", 6, "", true},
		{"negative decimals", "1", -1, "", true},
		{"invalid", "abc", 6, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToBigInt(tt.amount, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AmountToBigInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("AmountToBigInt() error = %v; want ErrInvalidAmount", err)
				}
				return
			}
			if got.String() != tt.want {
				t.Errorf("AmountToBigInt() = %s; want %s", got, tt.want)
			}
		})
	}
}

func TestBigIntToAmount(t *testing.T) {
	tests := []struct {
		value    *big.Int
		decimals int
		want     string
	}{
		{big.NewInt(12500000), 6, "12.500000"},
		{big.NewInt(1), 6, "0.000001"},
		{big.NewInt(0), 2, "0.00"},
		{nil, 6, "0"},
	}

	for _, tt := range tests {
		if got := BigIntToAmount(tt.value, tt.decimals); got != tt.want {
			t.Errorf("BigIntToAmount(%v, %d) = %s; want %s", tt.value, tt.decimals, got, tt.want)
		}
	}
}
