package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/facilitator"
	"github.com/soulmarket/soul-x402/http/internal/helpers"
	"github.com/soulmarket/soul-x402/purchase"
	"github.com/soulmarket/soul-x402/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// BuyRequest is the body of POST /buy.
type BuyRequest struct {
	ListingID uint64 `json:"listing_id"`
	Amount    uint64 `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// ForkRequest is the body of POST /fork.
type ForkRequest struct {
	ParentTokenID uint64 `json:"parent_token_id"`
	purchase.ForkDetails
}

// PurchaseResponse is the success body of POST /buy and POST /fork.
type PurchaseResponse struct {
	Success     bool           `json:"success"`
	TxHash      string         `json:"txHash,omitempty"`
	PaymentHash string         `json:"paymentHash,omitempty"`
	ListingID   uint64         `json:"listing_id,omitempty"`
	Amount      uint64         `json:"amount,omitempty"`
	Recipient   string         `json:"recipient,omitempty"`
	PricePaid   string         `json:"price_paid,omitempty"`
	Soul        *store.Soul    `json:"soul"`
	Listing     *store.Listing `json:"listing,omitempty"`
}

// Handler serves the marketplace payment API over net/http.
type Handler struct {
	orchestrator *purchase.Orchestrator
	listings     purchase.Product
	forks        purchase.Product
	catalog      store.Catalog
	logger       *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithForks enables POST /fork.
func WithForks(product purchase.Product) HandlerOption {
	return func(h *Handler) {
		h.forks = product
	}
}

// WithCatalog enables the read-only listing and soul lookups.
func WithCatalog(catalog store.Catalog) HandlerOption {
	return func(h *Handler) {
		h.catalog = catalog
	}
}

// WithHandlerLogger sets the logger. Defaults to slog.Default().
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns handlers selling listings through orchestrator.
func NewHandler(orchestrator *purchase.Orchestrator, listings purchase.Product, opts ...HandlerOption) *Handler {
	h := &Handler{orchestrator: orchestrator, listings: listings}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Routes returns a mux with every endpoint mounted at its default path.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /payment-nonce", h.Nonce())
	mux.Handle("POST /payment", h.Payment())
	mux.Handle("POST /buy", h.Buy())
	if h.forks != nil {
		mux.Handle("POST /fork", h.Fork())
	}
	if h.catalog != nil {
		mux.Handle("GET /listings", h.ListListings())
		mux.Handle("GET /souls", h.ListSouls())
		mux.Handle("GET /listings/{id}", h.Listing())
		mux.Handle("GET /souls/{id}", h.Soul())
	}
	return mux
}

// ServesForks reports whether POST /fork is mounted.
func (h *Handler) ServesForks() bool { return h.forks != nil }

// ServesCatalog reports whether the read-only catalog routes are mounted.
func (h *Handler) ServesCatalog() bool { return h.catalog != nil }

// Nonce serves GET /payment-nonce?agent=<address>.
func (h *Handler) Nonce() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := r.URL.Query().Get("agent")
		if agent == "" || !common.IsHexAddress(agent) {
			h.writeError(w, r, fmt.Errorf("%w: agent query parameter must be an address", x402.ErrInvalidRequest))
			return
		}

		addr := common.HexToAddress(agent)
		nonce, err := h.orchestrator.Facilitator().GetNonce(r.Context(), addr)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("failed to read nonce: %w", err))
			return
		}

		domain := h.orchestrator.Issuer().Domain()
		h.writeJSON(w, http.StatusOK, facilitator.NonceResponse{
			Agent:       addr.Hex(),
			Nonce:       nonce.String(),
			Facilitator: domain.VerifyingContract.Hex(),
			ChainID:     domain.ChainIDInt64(),
		})
	})
}

// Payment serves POST /payment: verify, settle or settle_and_buy a signed
// payload directly.
func (h *Handler) Payment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req facilitator.PaymentRequest
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		if len(req.Signature) == 0 {
			h.writeError(w, r, fmt.Errorf("%w: missing payload or signature", x402.ErrMalformedPayment))
			return
		}

		fac := h.orchestrator.Facilitator()
		payment := req.SignedPayment()

		switch req.Action {
		case facilitator.ActionVerify:
			resp, err := fac.Verify(r.Context(), payment)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			h.writeJSON(w, http.StatusOK, resp)

		case facilitator.ActionSettle, facilitator.ActionSettleAndBuy:
			var (
				result *x402.SettlementResult
				err    error
			)
			if req.Action == facilitator.ActionSettle {
				result, err = fac.Settle(r.Context(), payment)
			} else {
				quantity := req.Quantity
				if quantity == 0 {
					quantity = 1
				}
				recipient := payment.Payload.From
				if req.Recipient != "" {
					if !common.IsHexAddress(req.Recipient) {
						h.writeError(w, r, fmt.Errorf("%w: recipient %q is not an address", x402.ErrInvalidRequest, req.Recipient))
						return
					}
					recipient = common.HexToAddress(req.Recipient)
				}
				result, err = fac.SettleAndBuy(r.Context(), payment, quantity, recipient)
			}
			if err != nil {
				h.logger.Error("settlement failed", "action", req.Action, "payer", payment.Payload.From.Hex(), "code", x402.CodeOf(err), "error", err)
				h.writeError(w, r, err)
				return
			}
			h.writeJSON(w, http.StatusOK, result)

		default:
			h.writeError(w, r, fmt.Errorf("%w: invalid action %q", x402.ErrInvalidRequest, req.Action))
		}
	})
}

// Buy serves POST /buy.
func (h *Handler) Buy() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body BuyRequest
		if err := decodeBody(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.purchase(w, r, h.listings, purchase.Request{
			ItemID:    body.ListingID,
			Quantity:  body.Amount,
			Recipient: body.Recipient,
		}, "Payment required to purchase this soul")
	})
}

// Fork serves POST /fork.
func (h *Handler) Fork() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.forks == nil {
			h.writeError(w, r, x402.ErrSettlementUnconfigured)
			return
		}
		var body ForkRequest
		if err := decodeBody(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		details := body.ForkDetails
		h.purchase(w, r, h.forks, purchase.Request{
			ItemID: body.ParentTokenID,
			Fork:   &details,
		}, "Payment required to fork this soul")
	})
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request, product purchase.Product, req purchase.Request, message string) {
	// The identity check comes before payment parsing so a caller without
	// X-Agent-Id always learns that first.
	req.AgentID = r.Header.Get(HeaderAgentID)
	req.Method = "HTTP"
	if req.AgentID != "" {
		payment, err := helpers.ParsePayment(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		req.Payment = payment
	}

	out, err := h.orchestrator.Process(r.Context(), product, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if purchase.IsPaymentRequired(out) {
		if err := helpers.SendPaymentRequired(w, out.Requirements, out.Soul, message); err != nil {
			h.logger.Error("failed to send payment required response", "error", err)
		}
		return
	}

	resp := PurchaseResponse{
		Success:   out.Settlement != nil && out.Settlement.Success,
		TxHash:    out.TxHash,
		ListingID: out.ItemID,
		Amount:    out.Quantity,
		Recipient: out.Recipient.Hex(),
		Soul:      out.Soul,
		Listing:   out.Listing,
	}
	if out.Price != nil && out.Price.Sign() > 0 {
		resp.PricePaid = out.Price.String()
	}
	if out.Settlement != nil {
		resp.PaymentHash = out.Settlement.PaymentHash
		if err := helpers.AddPaymentResponseHeader(w, out.Settlement); err != nil {
			h.logger.Warn("failed to add payment response header", "error", err)
		}
	}
	if product == h.forks {
		resp.ListingID, resp.Amount, resp.Recipient = 0, 0, ""
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Listing serves GET /listings/{id}.
func (h *Handler) Listing() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		listing, err := h.catalog.Listing(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, listing)
	})
}

// Soul serves GET /souls/{id}, where id is the token id.
func (h *Handler) Soul() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		soul, err := h.catalog.SoulByTokenID(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, soul)
	})
}

// ListSouls serves GET /souls. Query parameters: generation, domain, style,
// limit and offset.
func (h *Handler) ListSouls() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.SoulFilter{
			Domain: q.Get("domain"),
			Style:  q.Get("style"),
		}
		var err error
		if filter.Generation, err = queryInt(q, "generation"); err != nil {
			h.writeError(w, r, err)
			return
		}
		if filter.Limit, filter.Offset, err = queryPage(q); err != nil {
			h.writeError(w, r, err)
			return
		}

		souls, err := h.catalog.ListSouls(r.Context(), filter)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, souls)
	})
}

// ListListings serves GET /listings. Query parameters: active (default
// true), token_id, sort (price_asc or price_desc), limit and offset.
func (h *Handler) ListListings() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.ListingFilter{
			IncludeInactive: q.Get("active") == "false",
			Sort:            q.Get("sort"),
		}
		switch filter.Sort {
		case "", store.SortPriceAsc, store.SortPriceDesc:
		default:
			h.writeError(w, r, fmt.Errorf("%w: sort must be %s or %s", x402.ErrInvalidRequest, store.SortPriceAsc, store.SortPriceDesc))
			return
		}
		var err error
		if filter.TokenID, err = queryInt(q, "token_id"); err != nil {
			h.writeError(w, r, err)
			return
		}
		if filter.Limit, filter.Offset, err = queryPage(q); err != nil {
			h.writeError(w, r, err)
			return
		}

		listings, err := h.catalog.ListListings(r.Context(), filter)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, listings)
	})
}

// queryInt parses an optional non-negative integer parameter.
func queryInt(q url.Values, name string) (*int64, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", x402.ErrInvalidRequest, name)
	}
	return &v, nil
}

func queryPage(q url.Values) (limit, offset int, err error) {
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v, err := queryInt(q, p.name)
		if err != nil {
			return 0, 0, err
		}
		if v != nil {
			if *v > math.MaxInt32 {
				return 0, 0, fmt.Errorf("%w: %s is too large", x402.ErrInvalidRequest, p.name)
			}
			*p.dst = int(*v)
		}
	}
	return limit, offset, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: id must be a non-negative integer", x402.ErrInvalidRequest)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("%w: missing body", x402.ErrInvalidRequest)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: missing body", x402.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", x402.ErrInvalidRequest, err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if err := helpers.WriteJSON(w, status, v); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := x402.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		h.logger.Info("request rejected", "path", r.URL.Path, "status", status, "code", x402.CodeOf(err), "error", err)
	}
	if err := helpers.WriteError(w, err); err != nil {
		h.logger.Error("failed to write error response", "error", err)
	}
}
