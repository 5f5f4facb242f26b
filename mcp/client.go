package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/soulmarket/soul-x402"
)

// Caller is the part of an MCP client the paying client needs. The
// mcp-go client satisfies it.
type Caller interface {
	CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
}

// Client calls marketplace tools and pays when a tool asks for payment.
type Client struct {
	caller    Caller
	signers   []x402.Signer
	callbacks []x402.PaymentCallback
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSigner adds a payment signer.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) {
		if signer != nil {
			c.signers = append(c.signers, signer)
		}
	}
}

// WithPaymentCallback registers a callback for payment events.
func WithPaymentCallback(cb x402.PaymentCallback) ClientOption {
	return func(c *Client) {
		if cb != nil {
			c.callbacks = append(c.callbacks, cb)
		}
	}
}

// NewClient wraps caller.
func NewClient(caller Caller, opts ...ClientOption) *Client {
	c := &Client{caller: caller}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallTool calls name with args. If the tool answers with payment
// requirements, the first signer able to satisfy them signs and the call is
// repeated once with the payment attached. A second payment demand is
// ErrPaymentStillRequired. Tool-level failures come back as a
// *x402.PaymentError carrying the tool's error code.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcpproto.CallToolResult, error) {
	var req mcpproto.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.caller.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	required, ok := paymentRequired(res)
	if !ok {
		return res, toolError(res)
	}
	if required.Requirements == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "tool sent no requirements", x402.ErrInvalidRequirements)
	}

	start := time.Now()
	requirements := required.Requirements
	c.emit(x402.EventFromRequirements(x402.PaymentEventRequired, requirements), name)

	payment, err := x402.SelectAndSign(c.signers, requirements)
	if err != nil {
		c.fail(requirements, name, err, start)
		return nil, err
	}
	c.emit(x402.EventFromPayload(x402.PaymentEventAttempt, &payment.Payload), name)

	req.Params.Meta = &mcpproto.Meta{AdditionalFields: map[string]interface{}{MetaPaymentKey: payment}}
	res, err = c.caller.CallTool(ctx, req)
	if err != nil {
		c.fail(requirements, name, err, start)
		return nil, err
	}
	if again, ok := paymentRequired(res); ok {
		err := x402.NewPaymentError(x402.ErrCodePaymentRequired, "payment rejected",
			fmt.Errorf("%w: %s", x402.ErrPaymentStillRequired, again.Error))
		c.fail(requirements, name, err, start)
		return nil, err
	}
	if err := toolError(res); err != nil {
		c.fail(requirements, name, err, start)
		return res, err
	}

	success := x402.EventFromPayload(x402.PaymentEventSuccess, &payment.Payload)
	var purchased Purchase
	if text, err := resultText(res); err == nil && json.Unmarshal([]byte(text), &purchased) == nil {
		success.Transaction = purchased.TxHash
	}
	success.Duration = time.Since(start)
	c.emit(success, name)
	return res, nil
}

func (c *Client) fail(requirements *x402.PaymentRequirements, tool string, err error, start time.Time) {
	event := x402.EventFromRequirements(x402.PaymentEventFailure, requirements)
	event.Error = err
	event.Duration = time.Since(start)
	c.emit(event, tool)
}

func (c *Client) emit(event x402.PaymentEvent, tool string) {
	event.Method = "MCP"
	event.URL = "mcp://tools/" + tool
	for _, cb := range c.callbacks {
		cb(event)
	}
}

// paymentRequired reports whether res is a payment demand.
func paymentRequired(res *mcpproto.CallToolResult) (*PaymentRequired, bool) {
	if res == nil || !res.IsError {
		return nil, false
	}
	text, err := resultText(res)
	if err != nil {
		return nil, false
	}
	var pr PaymentRequired
	if err := json.Unmarshal([]byte(text), &pr); err != nil || pr.Code != x402.ErrCodePaymentRequired {
		return nil, false
	}
	return &pr, true
}

// toolError converts an error result into a PaymentError wrapping the
// sentinel for its code.
func toolError(res *mcpproto.CallToolResult) error {
	if res == nil || !res.IsError {
		return nil
	}
	text, err := resultText(res)
	if err != nil {
		return err
	}
	var body ErrorResult
	if err := json.Unmarshal([]byte(text), &body); err != nil || body.Code == "" {
		return fmt.Errorf("tool error: %s", text)
	}
	return x402.NewPaymentError(body.Code, body.Error, x402.SentinelOf(body.Code))
}
