package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventRequired indicates requirements were issued (402 sent or received).
	PaymentEventRequired PaymentEventType = "required"

	// PaymentEventAttempt indicates a signed payment is being submitted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment settled.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event.
// It is emitted by both the agent-side transport and the server-side
// orchestrator for logging, metrics, and debugging.
type PaymentEvent struct {
	// Type is the event type.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport method ("HTTP" or "MCP").
	Method string

	// Product is the purchase type ("buy", "fork").
	Product string

	// URL is the HTTP URL being accessed (client side).
	URL string

	// Amount is the payment amount in atomic units.
	Amount string

	// Token is the payment token address.
	Token string

	// Network is the chain id.
	Network string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the paying agent address.
	Payer string

	// Nonce is the payer nonce used.
	Nonce string

	// PaymentRef is the purchase reference.
	PaymentRef string

	// Transaction is the settlement transaction hash (available on success).
	Transaction string

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the payment operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing, so they
// should be fast to avoid blocking the payment flow.
type PaymentCallback func(PaymentEvent)

// EventFromRequirements fills the payment fields of an event from requirements.
func EventFromRequirements(t PaymentEventType, req *PaymentRequirements) PaymentEvent {
	e := PaymentEvent{Type: t, Timestamp: time.Now()}
	if req != nil {
		e.Amount = req.Amount
		e.Token = req.Token
		e.Network = req.Network
		e.Recipient = req.Recipient
		e.Nonce = req.Nonce
		e.PaymentRef = req.PaymentRef
	}
	return e
}

// EventFromPayload fills the payment fields of an event from a payload.
func EventFromPayload(t PaymentEventType, p *PaymentPayload) PaymentEvent {
	e := PaymentEvent{Type: t, Timestamp: time.Now()}
	if p != nil {
		e.Amount = bigString(p.Amount)
		e.Token = p.Token.Hex()
		e.Recipient = p.To.Hex()
		e.Payer = p.From.Hex()
		e.Nonce = bigString(p.Nonce)
		e.PaymentRef = p.PaymentRef.Hex()
	}
	return e
}
