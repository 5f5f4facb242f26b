package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/internal/chaintest"
	"github.com/soulmarket/soul-x402/internal/eip712"
)

var facilitator = chaintest.FacilitatorAddress

func signedPayment(t *testing.T, domain x402.Domain, nonce int64) x402.SignedPayment {
	t.Helper()
	key := chaintest.Key(chaintest.AgentKey)
	p := x402.PaymentPayload{
		From:       chaintest.Address(chaintest.AgentKey),
		To:         common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Token:      common.HexToAddress("0xFBD84ab1526BfbA7533b1EC2842894eE92777777"),
		Amount:     big.NewInt(1000000),
		Nonce:      big.NewInt(nonce),
		Deadline:   big.NewInt(time.Now().Add(time.Hour).Unix()),
		PaymentRef: x402.PaymentRefFromID(7),
	}
	sig, err := eip712.Sign(key, domain, p)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return x402.SignedPayment{Payload: p, Signature: sig}
}

func newSubmitter(t *testing.T, contract Contract, opts ...Option) *Submitter {
	t.Helper()
	opts = append([]Option{WithOperatorKey(chaintest.OperatorKey)}, opts...)
	s, err := New(contract, x402.NewDomain(x402.ChainIDMonad, facilitator), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestSettleAndBuy(t *testing.T) {
	contract := chaintest.NewFacilitator()
	s := newSubmitter(t, contract)
	domain := x402.NewDomain(x402.ChainIDMonad, facilitator)
	sp := signedPayment(t, domain, 0)
	recipient := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	result, err := s.SettleAndBuy(context.Background(), sp, 1, recipient)
	if err != nil {
		t.Fatalf("SettleAndBuy failed: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if result.TxHash == "" {
		t.Error("expected tx hash")
	}
	wantHash, _ := eip712.Digest(domain, sp.Payload)
	if result.PaymentHash != wantHash.Hex() {
		t.Errorf("paymentHash = %s; want %s", result.PaymentHash, wantHash.Hex())
	}
	purchases := contract.Purchases()
	if len(purchases) != 1 || purchases[0].Recipient != recipient || purchases[0].Quantity != 1 {
		t.Errorf("purchases = %+v; want one to %s", purchases, recipient.Hex())
	}

	used, err := s.Status(context.Background(), sp.Payload.From, sp.Payload.Nonce)
	if err != nil || !used {
		t.Errorf("Status = %v, %v; want true, nil", used, err)
	}
}

func TestSettleTwiceSameNonce(t *testing.T) {
	contract := chaintest.NewFacilitator()
	s := newSubmitter(t, contract)
	sp := signedPayment(t, x402.NewDomain(x402.ChainIDMonad, facilitator), 0)
	recipient := sp.Payload.From

	if _, err := s.SettleAndBuy(context.Background(), sp, 1, recipient); err != nil {
		t.Fatalf("first settlement failed: %v", err)
	}
	_, err := s.SettleAndBuy(context.Background(), sp, 1, recipient)
	if !errors.Is(err, x402.ErrNonceReused) {
		t.Fatalf("Expected ErrNonceReused, got %v", err)
	}
	if x402.Retryable(err) {
		t.Error("nonce reuse must not be retryable")
	}
	if n := len(contract.Purchases()); n != 1 {
		t.Errorf("first purchase must stand alone, got %d purchases", n)
	}
}

func TestConcurrentSettlementSameNonce(t *testing.T) {
	contract := chaintest.NewFacilitator()
	s := newSubmitter(t, contract)
	sp := signedPayment(t, x402.NewDomain(x402.ChainIDMonad, facilitator), 0)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.SettleAndBuy(context.Background(), sp, 1, sp.Payload.From)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, x402.ErrNonceReused):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one success, got %d", successes)
	}
}

func TestSettlementErrors(t *testing.T) {
	domain := x402.NewDomain(x402.ChainIDMonad, facilitator)

	t.Run("no operator key", func(t *testing.T) {
		s, _ := New(chaintest.NewFacilitator(), domain)
		_, err := s.SettleAndBuy(context.Background(), signedPayment(t, domain, 0), 1, common.Address{1})
		if !errors.Is(err, x402.ErrSettlementUnconfigured) {
			t.Errorf("Expected ErrSettlementUnconfigured, got %v", err)
		}
		if x402.StatusOf(err) != 500 {
			t.Errorf("Expected 500, got %d", x402.StatusOf(err))
		}
	})

	t.Run("no contract", func(t *testing.T) {
		s := newSubmitter(t, nil)
		_, err := s.Settle(context.Background(), signedPayment(t, domain, 0))
		if !errors.Is(err, x402.ErrSettlementUnconfigured) {
			t.Errorf("Expected ErrSettlementUnconfigured, got %v", err)
		}
	})

	t.Run("invalid operator key", func(t *testing.T) {
		if _, err := New(chaintest.NewFacilitator(), domain, WithOperatorKey("0xzz")); !errors.Is(err, x402.ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("zero quantity", func(t *testing.T) {
		s := newSubmitter(t, chaintest.NewFacilitator())
		_, err := s.SettleAndBuy(context.Background(), signedPayment(t, domain, 0), 0, common.Address{1})
		if !errors.Is(err, x402.ErrMalformedPayment) {
			t.Errorf("Expected ErrMalformedPayment, got %v", err)
		}
	})

	t.Run("revert on submission", func(t *testing.T) {
		contract := chaintest.NewFacilitator()
		contract.SendErr = fmt.Errorf("execution reverted: PaymentExpired()")
		s := newSubmitter(t, contract)
		_, err := s.Settle(context.Background(), signedPayment(t, domain, 0))
		if !errors.Is(err, x402.ErrPaymentExpired) {
			t.Errorf("Expected ErrPaymentExpired, got %v", err)
		}
	})

	t.Run("mined but reverted", func(t *testing.T) {
		contract := chaintest.NewFacilitator()
		contract.Status = types.ReceiptStatusFailed
		s := newSubmitter(t, contract)
		result, err := s.SettleAndBuy(context.Background(), signedPayment(t, domain, 0), 1, common.Address{1})
		if !errors.Is(err, x402.ErrContractRevert) {
			t.Fatalf("Expected ErrContractRevert, got %v", err)
		}
		if result == nil || result.Success || result.TxHash == "" {
			t.Errorf("expected failed result with tx hash, got %+v", result)
		}
	})

	t.Run("reverted after losing the nonce race", func(t *testing.T) {
		contract := chaintest.NewFacilitator()
		contract.Status = types.ReceiptStatusFailed
		sp := signedPayment(t, domain, 0)
		s := newSubmitter(t, &nonceRace{Facilitator: contract, payer: sp.Payload.From, nonce: sp.Payload.Nonce})

		result, err := s.SettleAndBuy(context.Background(), sp, 1, common.Address{1})
		if !errors.Is(err, x402.ErrNonceReused) {
			t.Fatalf("Expected ErrNonceReused, got %v", err)
		}
		if x402.StatusOf(err) != 409 {
			t.Errorf("Expected 409, got %d", x402.StatusOf(err))
		}
		if result == nil || result.Success || result.TxHash == "" {
			t.Errorf("expected failed result with tx hash, got %+v", result)
		}
	})

	t.Run("finality timeout", func(t *testing.T) {
		contract := chaintest.NewFacilitator()
		contract.Block = true
		s := newSubmitter(t, contract, WithTimeouts(x402.TimeoutConfig{
			ReadTimeout:     10 * time.Millisecond,
			FinalityTimeout: 50 * time.Millisecond,
			RequestTimeout:  time.Second,
		}))
		_, err := s.SettleAndBuy(context.Background(), signedPayment(t, domain, 0), 1, common.Address{1})
		if !errors.Is(err, x402.ErrSettlementTimeout) {
			t.Fatalf("Expected ErrSettlementTimeout, got %v", err)
		}
		if x402.Retryable(err) {
			t.Error("timeout must not be blindly retryable")
		}
		var pe *x402.PaymentError
		if !errors.As(err, &pe) || pe.Details["txHash"] == "" {
			t.Errorf("expected tx hash in error details, got %v", err)
		}
	})
}

func TestFork(t *testing.T) {
	souls := chaintest.NewSoulNFT(12)
	s := newSubmitter(t, chaintest.NewFacilitator(), WithSoulContract(souls))

	result, err := s.Fork(context.Background(), big.NewInt(3), "data:application/json;base64,e30=", 10)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if result.Created.TokenID.Int64() != 12 {
		t.Errorf("tokenId = %s; want 12", result.Created.TokenID)
	}
	forks := souls.Forks()
	if len(forks) != 1 || forks[0].Parent.Int64() != 3 || forks[0].Supply.Int64() != 10 {
		t.Errorf("forks = %+v; want one of parent 3 supply 10", forks)
	}

	unconfigured := newSubmitter(t, chaintest.NewFacilitator())
	if _, err := unconfigured.Fork(context.Background(), big.NewInt(3), "", 10); !errors.Is(err, x402.ErrSettlementUnconfigured) {
		t.Errorf("Expected ErrSettlementUnconfigured, got %v", err)
	}
}

// nonceRace lets a competing transaction consume the nonce while ours is
// pending, so ours reverts in the block.
type nonceRace struct {
	*chaintest.Facilitator
	payer common.Address
	nonce *big.Int
}

func (r *nonceRace) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	r.MarkUsed(r.payer, r.nonce)
	return r.Facilitator.WaitMined(ctx, tx)
}
