package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	x402 "github.com/soulmarket/soul-x402"
)

// revertSentinels maps facilitator custom errors to the payment taxonomy.
// Anything not listed decodes to ErrContractRevert.
var revertSentinels = map[string]error{
	"NonceAlreadyUsed":   x402.ErrNonceReused,
	"PaymentExpired":     x402.ErrPaymentExpired,
	"InvalidSignature":   x402.ErrInvalidSignature,
	"InsufficientSupply": x402.ErrInsufficientSupply,
}

// DecodeError classifies an error returned by a contract call or
// transaction submission. Revert data is decoded when the node returns it;
// otherwise the error text is matched against known custom error names.
// Errors that are not reverts are returned unchanged.
func DecodeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			return decodeRevertData(data, err)
		}
	}

	msg := err.Error()
	for name := range facilitatorABI.Errors {
		if strings.Contains(msg, name) {
			return wrapRevert(name, err)
		}
	}
	if strings.Contains(strings.ToLower(msg), "revert") {
		return fmt.Errorf("%w: %s", x402.ErrContractRevert, msg)
	}
	return err
}

// DecodeRevertData classifies raw revert return data.
func DecodeRevertData(data []byte) error {
	return decodeRevertData(data, nil)
}

func decodeRevertData(data []byte, cause error) error {
	if len(data) >= 4 {
		for name, e := range facilitatorABI.Errors {
			if bytes.Equal(data[:4], e.ID[:4]) {
				return wrapRevert(name, cause)
			}
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		for name := range facilitatorABI.Errors {
			if strings.Contains(reason, name) {
				return wrapRevert(name, cause)
			}
		}
		return fmt.Errorf("%w: %s", x402.ErrContractRevert, reason)
	}
	if cause != nil {
		return fmt.Errorf("%w: %v", x402.ErrContractRevert, cause)
	}
	return fmt.Errorf("%w: unrecognized revert data %s", x402.ErrContractRevert, hexutil.Encode(data))
}

func wrapRevert(name string, cause error) error {
	sentinel, ok := revertSentinels[name]
	if !ok {
		sentinel = x402.ErrContractRevert
	}
	if cause == nil {
		return fmt.Errorf("%w: %s", sentinel, name)
	}
	return fmt.Errorf("%w: %s: %v", sentinel, name, cause)
}

func revertData(v interface{}) ([]byte, bool) {
	switch d := v.(type) {
	case string:
		b, err := hexutil.Decode(d)
		return b, err == nil && len(b) > 0
	case []byte:
		return d, len(d) > 0
	default:
		return nil, false
	}
}
