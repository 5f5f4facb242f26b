package x402

import (
	"fmt"
	"time"
)

// TimeoutConfig bounds the chain and network calls made while a purchase is
// paid for.
type TimeoutConfig struct {
	// ReadTimeout bounds a single contract read: the nonce lookup when
	// issuing requirements, or the status check that reconciles a reverted
	// or timed out settlement.
	ReadTimeout time.Duration

	// FinalityTimeout bounds the wait for a settlement receipt once the
	// transaction is sent. Exceeding it yields ErrSettlementTimeout, not a
	// revert, since the transaction may still be mined.
	FinalityTimeout time.Duration

	// RequestTimeout bounds one call to a remote facilitator. A settle call
	// waits for finality on the other side, so it must cover a status read
	// plus FinalityTimeout.
	RequestTimeout time.Duration
}

// DefaultTimeouts suit Monad's block times with a public RPC endpoint.
var DefaultTimeouts = TimeoutConfig{
	ReadTimeout:     5 * time.Second,
	FinalityTimeout: 60 * time.Second,
	RequestTimeout:  120 * time.Second,
}

// WithReadTimeout returns a copy with the contract read bound replaced.
func (tc TimeoutConfig) WithReadTimeout(d time.Duration) TimeoutConfig {
	tc.ReadTimeout = d
	return tc
}

// WithFinalityTimeout returns a copy with the receipt wait replaced.
func (tc TimeoutConfig) WithFinalityTimeout(d time.Duration) TimeoutConfig {
	tc.FinalityTimeout = d
	return tc
}

// WithRequestTimeout returns a copy with the remote facilitator bound replaced.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// Validate checks that every bound is positive and that each one leaves room
// for the calls it contains. A receipt wait shorter than a read would time
// out settlements that are still pending, and a remote settle call shorter
// than the remote receipt wait would drop results the facilitator still
// reports.
func (tc TimeoutConfig) Validate() error {
	if tc.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %v", tc.ReadTimeout)
	}
	if tc.FinalityTimeout <= 0 {
		return fmt.Errorf("finality timeout must be positive, got %v", tc.FinalityTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.FinalityTimeout < tc.ReadTimeout {
		return fmt.Errorf("finality timeout (%v) should be >= read timeout (%v)",
			tc.FinalityTimeout, tc.ReadTimeout)
	}
	if settle := tc.SettleBudget(); tc.RequestTimeout < settle {
		return fmt.Errorf("request timeout (%v) should cover a settlement: read plus finality timeout (%v)",
			tc.RequestTimeout, settle)
	}
	return nil
}

// SettleBudget is the longest a settlement can take: the nonce status read
// that reconciles a reverted receipt, plus the receipt wait.
func (tc TimeoutConfig) SettleBudget() time.Duration {
	return tc.ReadTimeout + tc.FinalityTimeout
}
