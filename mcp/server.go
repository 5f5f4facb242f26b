// Package mcp exposes the marketplace purchase flow as MCP tools.
//
// Paid tools follow the same two-step exchange as the HTTP API. A call
// without payment returns an error result whose text is a PaymentRequired
// document; the agent signs the requirements and calls again with the
// signed payment in params._meta["x402/payment"] (or in the
// payment_payload and payment_signature arguments).
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/encoding"
	"github.com/soulmarket/soul-x402/facilitator"
	"github.com/soulmarket/soul-x402/purchase"
)

// Tool names.
const (
	ToolPaymentNonce = "soul_payment_nonce"
	ToolBuySoul      = "buy_soul"
	ToolForkSoul     = "fork_soul"
)

// MetaPaymentKey is the _meta field carrying a SignedPayment.
const MetaPaymentKey = "x402/payment"

// PaymentRequired is the error result of a paid tool called without payment.
type PaymentRequired struct {
	Error        string                    `json:"error"`
	Code         x402.ErrorCode            `json:"code"`
	Requirements *x402.PaymentRequirements `json:"requirements,omitempty"`
	Soul         interface{}               `json:"soul,omitempty"`
}

// Purchase is the success result of buy_soul and fork_soul.
type Purchase struct {
	Success     bool        `json:"success"`
	TxHash      string      `json:"txHash,omitempty"`
	PaymentHash string      `json:"paymentHash,omitempty"`
	PricePaid   string      `json:"price_paid,omitempty"`
	Soul        interface{} `json:"soul,omitempty"`
	Listing     interface{} `json:"listing,omitempty"`
}

// Server registers the marketplace tools on an MCP server.
type Server struct {
	mcp          *mcpserver.MCPServer
	orchestrator *purchase.Orchestrator
	listings     purchase.Product
	forks        purchase.Product
	logger       *slog.Logger

	handlers map[string]mcpserver.ToolHandlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithForks registers fork_soul.
func WithForks(product purchase.Product) Option {
	return func(s *Server) {
		s.forks = product
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an MCP server named name offering the purchase tools.
func NewServer(name, version string, orchestrator *purchase.Orchestrator, listings purchase.Product, opts ...Option) *Server {
	s := &Server{
		mcp:          mcpserver.NewMCPServer(name, version),
		orchestrator: orchestrator,
		listings:     listings,
		handlers:     make(map[string]mcpserver.ToolHandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.addTool(mcpproto.NewTool(ToolPaymentNonce,
		mcpproto.WithDescription("Read the next settlement nonce for an agent wallet (free)"),
		mcpproto.WithString("agent", mcpproto.Required(), mcpproto.Description("Agent wallet address")),
	), s.handleNonce)

	s.addTool(mcpproto.NewTool(ToolBuySoul,
		mcpproto.WithDescription("Buy a soul listing (requires x402 payment)"),
		mcpproto.WithString("agent_id", mcpproto.Required(), mcpproto.Description("Paying agent wallet address")),
		mcpproto.WithNumber("listing_id", mcpproto.Required(), mcpproto.Description("Listing to buy")),
		mcpproto.WithNumber("amount", mcpproto.Description("Quantity, default 1")),
		mcpproto.WithString("recipient", mcpproto.Description("Receiving address, default the agent")),
		mcpproto.WithString("payment_payload", mcpproto.Description("Signed payload JSON, on the paid retry")),
		mcpproto.WithString("payment_signature", mcpproto.Description("0x-hex signature, on the paid retry")),
	), s.handleBuy)

	if s.forks != nil {
		s.addTool(mcpproto.NewTool(ToolForkSoul,
			mcpproto.WithDescription("Fork a soul into a new one (free)"),
			mcpproto.WithString("agent_id", mcpproto.Required(), mcpproto.Description("Creator wallet address")),
			mcpproto.WithNumber("parent_token_id", mcpproto.Required(), mcpproto.Description("Token id of the soul to fork")),
			mcpproto.WithString("name", mcpproto.Required(), mcpproto.Description("Name of the new soul")),
			mcpproto.WithString("description", mcpproto.Description("Description of the new soul")),
			mcpproto.WithString("additional_prompt", mcpproto.Description("Prompt appended to the parent's")),
			mcpproto.WithString("fork_note", mcpproto.Description("Why the fork was made")),
			mcpproto.WithNumber("initial_supply", mcpproto.Description("Editions to mint, default 10")),
		), s.handleFork)
	}
	return s
}

func (s *Server) addTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.handlers[tool.Name] = handler
	s.mcp.AddTool(tool, handler)
}

// CallTool invokes a registered tool in process. It makes Server a Caller.
func (s *Server) CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	handler, ok := s.handlers[req.Params.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", x402.ErrInvalidRequest, req.Params.Name)
	}
	return handler(ctx, req)
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// Handler returns the streamable HTTP transport for the server.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) handleNonce(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	agent, _ := args["agent"].(string)
	if !common.IsHexAddress(agent) {
		return errorResult(fmt.Errorf("%w: agent must be an address", x402.ErrInvalidRequest)), nil
	}

	nonce, err := s.orchestrator.Facilitator().GetNonce(ctx, common.HexToAddress(agent))
	if err != nil {
		s.logger.Error("failed to read nonce", "agent", agent, "error", err)
		return errorResult(fmt.Errorf("failed to read nonce: %w", err)), nil
	}
	domain := s.orchestrator.Issuer().Domain()
	return jsonResult(facilitator.NonceResponse{
		Agent:       common.HexToAddress(agent).Hex(),
		Nonce:       nonce.String(),
		Facilitator: domain.VerifyingContract.Hex(),
		ChainID:     domain.ChainIDInt64(),
	}, false), nil
}

func (s *Server) handleBuy(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	listingID, err := uintArg(args, "listing_id")
	if err != nil {
		return errorResult(err), nil
	}
	quantity, err := uintArg(args, "amount")
	if err != nil {
		return errorResult(err), nil
	}
	recipient, _ := args["recipient"].(string)

	return s.purchase(ctx, req, s.listings, purchase.Request{
		ItemID:    listingID,
		Quantity:  quantity,
		Recipient: recipient,
	}, "Payment required to buy this soul")
}

func (s *Server) handleFork(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	parent, err := uintArg(args, "parent_token_id")
	if err != nil {
		return errorResult(err), nil
	}
	supply, err := uintArg(args, "initial_supply")
	if err != nil {
		return errorResult(err), nil
	}
	details := &purchase.ForkDetails{InitialSupply: supply}
	details.Name, _ = args["name"].(string)
	details.Description, _ = args["description"].(string)
	details.AdditionalPrompt, _ = args["additional_prompt"].(string)
	details.ForkNote, _ = args["fork_note"].(string)

	return s.purchase(ctx, req, s.forks, purchase.Request{
		ItemID: parent,
		Fork:   details,
	}, "Payment required to fork this soul")
}

func (s *Server) purchase(ctx context.Context, call mcpproto.CallToolRequest, product purchase.Product, req purchase.Request, message string) (*mcpproto.CallToolResult, error) {
	args := call.GetArguments()
	req.AgentID, _ = args["agent_id"].(string)
	req.Method = "MCP"

	if req.AgentID != "" {
		payment, err := paymentFrom(call)
		if err != nil {
			return errorResult(err), nil
		}
		req.Payment = payment
	}

	out, err := s.orchestrator.Process(ctx, product, req)
	if err != nil {
		s.logger.Warn("tool purchase failed", "tool", call.Params.Name, "code", x402.CodeOf(err), "error", err)
		return errorResult(err), nil
	}
	if purchase.IsPaymentRequired(out) {
		return jsonResult(PaymentRequired{
			Error:        message,
			Code:         x402.ErrCodePaymentRequired,
			Requirements: out.Requirements,
			Soul:         out.Soul,
		}, true), nil
	}

	res := Purchase{
		Success: out.Settlement != nil && out.Settlement.Success,
		TxHash:  out.TxHash,
		Soul:    out.Soul,
	}
	if out.Listing != nil {
		res.Listing = out.Listing
	}
	if out.Settlement != nil {
		res.PaymentHash = out.Settlement.PaymentHash
	}
	if out.Price != nil && out.Price.Sign() > 0 {
		res.PricePaid = out.Price.String()
	}
	return jsonResult(res, false), nil
}

// paymentFrom reads the signed payment from _meta or, failing that, from
// the payment_payload and payment_signature arguments. No payment is nil.
func paymentFrom(call mcpproto.CallToolRequest) (*x402.SignedPayment, error) {
	if meta := call.Params.Meta; meta != nil {
		if raw, ok := meta.AdditionalFields[MetaPaymentKey]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
			}
			var sp x402.SignedPayment
			if err := json.Unmarshal(data, &sp); err != nil {
				return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
			}
			return &sp, nil
		}
	}

	args := call.GetArguments()
	payloadArg, _ := args["payment_payload"].(string)
	sigArg, _ := args["payment_signature"].(string)
	switch {
	case payloadArg == "" && sigArg == "":
		return nil, nil
	case payloadArg == "" || sigArg == "":
		return nil, fmt.Errorf("%w: payment_payload and payment_signature must be sent together", x402.ErrMalformedPayment)
	}

	payload, err := encoding.DecodePayload(payloadArg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
	}
	sig, err := encoding.DecodeSignature(sigArg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
	}
	return &x402.SignedPayment{Payload: payload, Signature: sig}, nil
}

func uintArg(args map[string]interface{}, name string) (uint64, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f != float64(uint64(f)) {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", x402.ErrInvalidRequest, name)
	}
	return uint64(f), nil
}

func jsonResult(v interface{}, isError bool) *mcpproto.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpproto.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	res := mcpproto.NewToolResultText(string(data))
	res.IsError = isError
	return res
}

// ErrorResult is the body of a failed tool call.
type ErrorResult struct {
	Error string         `json:"error"`
	Code  x402.ErrorCode `json:"code"`
}

func errorResult(err error) *mcpproto.CallToolResult {
	return jsonResult(ErrorResult{Error: err.Error(), Code: x402.CodeOf(err)}, true)
}

// resultText returns the text of a single-text-content result.
func resultText(res *mcpproto.CallToolResult) (string, error) {
	if res == nil || len(res.Content) == 0 {
		return "", errors.New("empty tool result")
	}
	switch c := res.Content[0].(type) {
	case mcpproto.TextContent:
		return c.Text, nil
	case *mcpproto.TextContent:
		return c.Text, nil
	default:
		return "", fmt.Errorf("unexpected tool content %T", c)
	}
}
