// Package encoding converts x402 values to and from their HTTP header forms.
//
// X-Payment-Payload carries the payload as plain JSON, the form agents built
// against the marketplace already send; base64-encoded JSON is accepted too.
// X-Payment-Required and X-Payment-Response carry base64-encoded JSON.
// X-Payment-Signature is 0x-prefixed hex.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/soulmarket/soul-x402"
)

// EncodePayload converts a PaymentPayload to the JSON header value.
func EncodePayload(payload x402.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses an X-Payment-Payload header value, JSON or base64 JSON.
func DecodePayload(value string) (x402.PaymentPayload, error) {
	var payload x402.PaymentPayload

	data, err := jsonOrBase64(value)
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

// EncodeSignature returns the 0x-hex header value of a signature.
func EncodeSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

// DecodeSignature parses an X-Payment-Signature header value.
func DecodeSignature(value string) ([]byte, error) {
	sig, err := hexutil.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}
	return sig, nil
}

// EncodeRequirements converts PaymentRequirements to base64-encoded JSON.
func EncodeRequirements(requirements x402.PaymentRequirements) (string, error) {
	data, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequirements parses base64-encoded (or plain) JSON requirements.
func DecodeRequirements(value string) (x402.PaymentRequirements, error) {
	var requirements x402.PaymentRequirements

	data, err := jsonOrBase64(value)
	if err != nil {
		return requirements, err
	}
	if err := json.Unmarshal(data, &requirements); err != nil {
		return requirements, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	return requirements, nil
}

// EncodeSettlement converts a SettlementResult to base64-encoded JSON for
// the X-Payment-Response header.
func EncodeSettlement(result x402.SettlementResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement parses an X-Payment-Response header value.
func DecodeSettlement(value string) (x402.SettlementResult, error) {
	var result x402.SettlementResult

	data, err := jsonOrBase64(value)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return result, nil
}

func jsonOrBase64(value string) ([]byte, error) {
	raw := bytes.TrimSpace([]byte(value))
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty header value")
	}
	if raw[0] == '{' {
		return raw, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return decoded, nil
}
