package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"first attempt succeeds", 3, 0, nil, 1, nil},
		{"succeeds after transient failures", 3, 2, errTransient, 3, nil},
		{"gives up after max attempts", 3, 5, errTransient, 3, errTransient},
		{"permanent error stops immediately", 3, 5, errors.New("permanent"), 1, nil},
		{"zero attempts still runs once", 0, 5, errTransient, 1, errTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := WithRetry(context.Background(), fastConfig(tt.attempts), isTransient, func() (int, error) {
				calls++
				if calls <= tt.failures {
					return 0, tt.err
				}
				return 42, nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d; want %d", calls, tt.wantCalls)
			}
			if tt.failures < tt.wantCalls || tt.failures == 0 {
				if err != nil {
					t.Fatalf("WithRetry() error = %v", err)
				}
				if got != 42 {
					t.Errorf("WithRetry() = %d; want 42", got)
				}
				return
			}
			if err == nil {
				t.Fatal("WithRetry() error = nil; want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("WithRetry() error = %v; want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != tt.err {
				t.Errorf("WithRetry() error = %v; want the original permanent error", err)
			}
		})
	}
}

func TestWithRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}, isTransient, func() (int, error) {
		return 0, errTransient
	})
	if err == nil {
		t.Fatal("WithRetry() error = nil; want context error")
	}
}
