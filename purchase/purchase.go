// Package purchase sequences agent purchases: issue requirements when no
// payment is attached, otherwise verify, settle atomically, and apply the
// marketplace effect.
//
// One Orchestrator serves every purchase type. A Product supplies the price
// quote and the off-chain effect; buying a listing and forking a soul are the
// two products the marketplace offers.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/facilitator"
	"github.com/soulmarket/soul-x402/issuer"
	"github.com/soulmarket/soul-x402/store"
)

// State is a step of the per-request purchase state machine.
type State string

const (
	StateNoPayment         State = "no_payment"
	StateRequirementIssued State = "requirement_issued"
	StatePayloadReceived   State = "payload_received"
	StateVerified          State = "verified"
	StateSettling          State = "settling"
	StateSettled           State = "settled"
	StateFailed            State = "failed"
)

// Request is one inbound purchase call.
type Request struct {
	// AgentID is the caller's wallet address from X-Agent-Id.
	AgentID string

	// ItemID is the listing id, or the parent token id for forks.
	ItemID uint64

	// Quantity defaults to 1.
	Quantity uint64

	// Recipient receives the purchase; defaults to the agent.
	Recipient string

	// Payment is nil until the agent retries with a signed payload.
	Payment *x402.SignedPayment

	// Fork carries the fork parameters for the Forks product.
	Fork *ForkDetails

	// Method is the transport the request came in on ("HTTP" or "MCP").
	Method string
}

// ForkDetails describes the soul a fork creates.
type ForkDetails struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	AdditionalPrompt string `json:"additional_prompt,omitempty"`
	ForkNote         string `json:"fork_note,omitempty"`
	InitialSupply    uint64 `json:"initial_supply,omitempty"`
}

// Quote is a product's price for an intent plus the item snapshot.
type Quote struct {
	// UnitPrice is in the payment token's smallest unit. Zero means free.
	UnitPrice *big.Int
	Soul      *store.Soul
	Listing   *store.Listing
}

// Free reports whether no payment is needed.
func (q *Quote) Free() bool {
	return q.UnitPrice == nil || q.UnitPrice.Sign() == 0
}

// Order is a quoted, authorized request handed to Product.Fulfill.
type Order struct {
	Agent     common.Address
	Recipient common.Address
	ItemID    uint64
	Quantity  uint64
	Quote     *Quote
	Fork      *ForkDetails

	// Settlement is set when the order was paid.
	Settlement *x402.SettlementResult
}

// Fulfillment is what the product effect produced.
type Fulfillment struct {
	// TxHash is set by products that send their own transaction.
	TxHash  string
	Soul    *store.Soul
	Listing *store.Listing
}

// Product is a purchase type.
type Product interface {
	// Name identifies the product in events and logs.
	Name() string

	// Quote prices the request and snapshots the item. It fails with
	// ErrNotFound or ErrInsufficientSupply for bad intents.
	Quote(ctx context.Context, req *Request) (*Quote, error)

	// Fulfill applies the marketplace effect once payment (if any) settled.
	Fulfill(ctx context.Context, order *Order) (*Fulfillment, error)
}

// Outcome is the record of one Process call.
type Outcome struct {
	State       State
	Transitions []State
	Product     string
	Agent       common.Address
	Recipient   common.Address
	ItemID      uint64
	Quantity    uint64

	// Requirements is set when the outcome is StateRequirementIssued.
	Requirements *x402.PaymentRequirements

	// Price is the total amount charged.
	Price *big.Int

	Settlement *x402.SettlementResult
	TxHash     string
	Soul       *store.Soul
	Listing    *store.Listing
	Err        error
}

func (o *Outcome) to(s State) {
	o.State = s
	o.Transitions = append(o.Transitions, s)
}

func (o *Outcome) fail(err error) (*Outcome, error) {
	o.to(StateFailed)
	o.Err = err
	return o, err
}

// Orchestrator runs purchases. It holds no per-request state.
type Orchestrator struct {
	issuer      *issuer.Issuer
	facilitator facilitator.Interface
	callbacks   []x402.PaymentCallback
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPaymentCallback registers a callback for payment events.
func WithPaymentCallback(cb x402.PaymentCallback) Option {
	return func(o *Orchestrator) {
		if cb != nil {
			o.callbacks = append(o.callbacks, cb)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New returns an Orchestrator issuing with iss and settling through fac.
func New(iss *issuer.Issuer, fac facilitator.Interface, opts ...Option) *Orchestrator {
	o := &Orchestrator{issuer: iss, facilitator: fac}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Issuer returns the requirement issuer.
func (o *Orchestrator) Issuer() *issuer.Issuer {
	return o.issuer
}

// Facilitator returns the verification and settlement service.
func (o *Orchestrator) Facilitator() facilitator.Interface {
	return o.facilitator
}

// Process runs req against product. A request without payment for a priced
// product ends in StateRequirementIssued with a nil error; the caller
// answers 402 with outcome.Requirements. Failures end in StateFailed and
// the error is also returned.
func (o *Orchestrator) Process(ctx context.Context, product Product, req Request) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Product: product.Name(), ItemID: req.ItemID}

	if req.AgentID == "" || !common.IsHexAddress(req.AgentID) {
		return out.fail(x402.ErrMissingIdentity)
	}
	out.Agent = common.HexToAddress(req.AgentID)

	if req.Quantity == 0 {
		req.Quantity = 1
	}
	out.Quantity = req.Quantity

	out.Recipient = out.Agent
	if req.Recipient != "" {
		if !common.IsHexAddress(req.Recipient) {
			return out.fail(fmt.Errorf("%w: recipient %q is not an address", x402.ErrInvalidRequest, req.Recipient))
		}
		out.Recipient = common.HexToAddress(req.Recipient)
	}

	quote, err := product.Quote(ctx, &req)
	if err != nil {
		return out.fail(err)
	}
	out.Soul = quote.Soul
	out.Listing = quote.Listing

	order := &Order{
		Agent:     out.Agent,
		Recipient: out.Recipient,
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Quote:     quote,
		Fork:      req.Fork,
	}

	if quote.Free() {
		out.to(StateNoPayment)
		out.Price = new(big.Int)
		return o.fulfill(ctx, product, req, order, out, start)
	}

	if req.Payment == nil {
		out.to(StateNoPayment)
		requirements, err := o.issuer.Issue(ctx, issuer.Intent{
			ItemID:   req.ItemID,
			Quantity: req.Quantity,
			Payer:    out.Agent,
		}, quote.UnitPrice)
		if err != nil {
			return out.fail(err)
		}
		out.Requirements = requirements
		out.Price, _ = new(big.Int).SetString(requirements.Amount, 10)
		out.to(StateRequirementIssued)

		event := x402.EventFromRequirements(x402.PaymentEventRequired, requirements)
		event.Payer = out.Agent.Hex()
		o.emit(event, req, product)
		return out, nil
	}

	out.to(StatePayloadReceived)
	payment := *req.Payment
	out.Price = new(big.Int).Mul(quote.UnitPrice, new(big.Int).SetUint64(req.Quantity))

	// Signature and deadline failures stop here, before any gas is spent.
	if _, err := o.facilitator.Verify(ctx, payment); err != nil {
		o.failed(req, product, &payment.Payload, err, start)
		return out.fail(err)
	}
	if err := o.matches(&payment.Payload, out.Agent, req.ItemID, out.Price); err != nil {
		o.failed(req, product, &payment.Payload, err, start)
		return out.fail(err)
	}
	out.to(StateVerified)

	attempt := x402.EventFromPayload(x402.PaymentEventAttempt, &payment.Payload)
	attempt.Network = o.issuer.Domain().Network()
	o.emit(attempt, req, product)

	out.to(StateSettling)
	result, err := o.facilitator.SettleAndBuy(ctx, payment, req.Quantity, out.Recipient)
	out.Settlement = result
	if err != nil {
		o.logger.Error("settlement failed",
			"product", product.Name(),
			"agent", out.Agent.Hex(),
			"item", req.ItemID,
			"code", x402.CodeOf(err),
			"error", err)
		o.failed(req, product, &payment.Payload, err, start)
		return out.fail(err)
	}
	order.Settlement = result
	out.TxHash = result.TxHash

	fulfilled, err := product.Fulfill(ctx, order)
	if err != nil {
		// Settlement is final on chain; the purchase stands even if the
		// catalog could not be updated.
		o.logger.Error("purchase settled but fulfillment failed",
			"product", product.Name(),
			"item", req.ItemID,
			"tx", result.TxHash,
			"error", err)
	} else {
		applyFulfillment(out, fulfilled)
	}
	out.to(StateSettled)

	success := x402.EventFromPayload(x402.PaymentEventSuccess, &payment.Payload)
	success.Network = o.issuer.Domain().Network()
	success.Transaction = result.TxHash
	success.Duration = time.Since(start)
	o.emit(success, req, product)
	return out, nil
}

// fulfill runs a free product: there is nothing to verify or settle.
func (o *Orchestrator) fulfill(ctx context.Context, product Product, req Request, order *Order, out *Outcome, start time.Time) (*Outcome, error) {
	out.to(StateSettling)
	fulfilled, err := product.Fulfill(ctx, order)
	if err != nil {
		o.logger.Error("fulfillment failed", "product", product.Name(), "item", req.ItemID, "error", err)
		return out.fail(err)
	}
	applyFulfillment(out, fulfilled)
	out.Settlement = &x402.SettlementResult{Success: true, TxHash: fulfilled.TxHash}
	out.to(StateSettled)

	o.logger.Info("free purchase fulfilled",
		"product", product.Name(),
		"agent", out.Agent.Hex(),
		"item", req.ItemID,
		"tx", fulfilled.TxHash,
		"duration", time.Since(start))
	return out, nil
}

func applyFulfillment(out *Outcome, f *Fulfillment) {
	if f == nil {
		return
	}
	if f.TxHash != "" {
		out.TxHash = f.TxHash
	}
	if f.Soul != nil {
		out.Soul = f.Soul
	}
	if f.Listing != nil {
		out.Listing = f.Listing
	}
}

// matches checks the signed payload against what would be quoted now for
// agent. The payer must be the agent making the request.
func (o *Orchestrator) matches(p *x402.PaymentPayload, agent common.Address, itemID uint64, price *big.Int) error {
	switch {
	case p.From != agent:
		return fmt.Errorf("%w: payer %s is not agent %s", x402.ErrPaymentMismatch, p.From.Hex(), agent.Hex())
	case p.Amount == nil || p.Amount.Cmp(price) != 0:
		return fmt.Errorf("%w: amount %v, expected %v", x402.ErrPaymentMismatch, p.Amount, price)
	case !p.PaymentRef.Equal(x402.PaymentRefFromID(itemID)):
		return fmt.Errorf("%w: paymentRef %s does not reference item %d", x402.ErrPaymentMismatch, p.PaymentRef.Hex(), itemID)
	case p.To != o.issuer.Recipient():
		return fmt.Errorf("%w: recipient %s", x402.ErrPaymentMismatch, p.To.Hex())
	case p.Token != o.issuer.Token():
		return fmt.Errorf("%w: token %s", x402.ErrPaymentMismatch, p.Token.Hex())
	}
	return nil
}

func (o *Orchestrator) failed(req Request, product Product, p *x402.PaymentPayload, err error, start time.Time) {
	event := x402.EventFromPayload(x402.PaymentEventFailure, p)
	event.Network = o.issuer.Domain().Network()
	event.Error = err
	event.Duration = time.Since(start)
	o.emit(event, req, product)
}

func (o *Orchestrator) emit(event x402.PaymentEvent, req Request, product Product) {
	event.Method = req.Method
	if event.Method == "" {
		event.Method = "HTTP"
	}
	event.Product = product.Name()
	for _, cb := range o.callbacks {
		cb(event)
	}
}

// IsPaymentRequired reports whether an outcome should be answered with 402.
func IsPaymentRequired(out *Outcome) bool {
	return out != nil && out.State == StateRequirementIssued
}

// Reconcile reports whether a payment whose settlement timed out was
// consumed on chain. Only a false result makes a fresh attempt safe.
func Reconcile(ctx context.Context, status interface {
	Status(ctx context.Context, payer common.Address, nonce *big.Int) (bool, error)
}, payment x402.SignedPayment) (bool, error) {
	if status == nil {
		return false, x402.ErrSettlementUnconfigured
	}
	used, err := status.Status(ctx, payment.Payload.From, payment.Payload.Nonce)
	if err != nil {
		return false, fmt.Errorf("failed to read nonce status: %w", err)
	}
	return used, nil
}
