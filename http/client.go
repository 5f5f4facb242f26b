// Package http provides the agent-side x402 client and the server-side
// marketplace handlers.
package http

import (
	"fmt"
	"net/http"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/http/internal/helpers"
)

// Header names of the marketplace payment protocol.
const (
	HeaderAgentID          = helpers.HeaderAgentID
	HeaderAgentWallet      = helpers.HeaderAgentWallet
	HeaderPaymentSignature = helpers.HeaderPaymentSignature
	HeaderPaymentPayload   = helpers.HeaderPaymentPayload
	HeaderPaymentRequired  = helpers.HeaderPaymentRequired
	HeaderPaymentResponse  = helpers.HeaderPaymentResponse
	HeaderFacilitator      = helpers.HeaderFacilitator
	HeaderNetwork          = helpers.HeaderNetwork
)

// Client is an HTTP client that automatically pays for 402 responses.
// It wraps a standard http.Client and adds payment handling via X402Transport.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a new payment-enabled HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return fmt.Errorf("http client is nil")
		}
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner adds a payment signer. The first signer that can satisfy the
// requirements is used.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return fmt.Errorf("signer is nil")
		}
		transport := getOrCreateTransport(c)
		transport.Signers = append(transport.Signers, signer)
		return nil
	}
}

// WithAgentID overrides the X-Agent-Id header, which otherwise carries the
// first signer's address.
func WithAgentID(agentID string) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).AgentID = agentID
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		switch eventType {
		case x402.PaymentEventRequired:
			transport.OnPaymentRequired = callback
		case x402.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}
		return nil
	}
}

// WithPaymentCallbacks sets the attempt, success and failure callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}
		return nil
	}
}

func getOrCreateTransport(c *Client) *X402Transport {
	transport, ok := c.Transport.(*X402Transport)
	if !ok {
		transport = &X402Transport{Base: c.Transport}
		c.Transport = transport
	}
	return transport
}

// GetSettlement extracts the settlement result from a paid response.
// Returns nil if no settlement header is present or if parsing fails.
func GetSettlement(resp *http.Response) *x402.SettlementResult {
	return helpers.ParseSettlement(resp.Header.Get(HeaderPaymentResponse))
}
