package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/settlement"
	"github.com/soulmarket/soul-x402/store"
)

// DefaultForkSupply is the initial supply minted for a fork when the
// request does not name one.
const DefaultForkSupply = 10

// Listings sells quantities of listed souls. Settlement transfers the NFTs
// on chain; Fulfill then decrements the listing in the catalog.
type Listings struct {
	catalog  store.Catalog
	decimals int
	logger   *slog.Logger
}

// NewListings returns the listing product. decimals is the payment token's
// precision used to scale listing prices.
func NewListings(catalog store.Catalog, decimals int, logger *slog.Logger) *Listings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listings{catalog: catalog, decimals: decimals, logger: logger}
}

func (l *Listings) Name() string { return "buy" }

func (l *Listings) Quote(ctx context.Context, req *Request) (*Quote, error) {
	if req.ItemID == 0 || req.ItemID > math.MaxInt64 {
		return nil, fmt.Errorf("%w: listing_id is required", x402.ErrInvalidRequest)
	}
	if req.Quantity > math.MaxInt64 {
		return nil, fmt.Errorf("%w: quantity out of range", x402.ErrInvalidRequest)
	}

	listing, err := l.catalog.Listing(ctx, int64(req.ItemID))
	if err != nil {
		return nil, err
	}
	if !listing.Available(int64(req.Quantity)) {
		return nil, fmt.Errorf("%w: listing %d has %d remaining", x402.ErrInsufficientSupply, listing.ListingID, listing.RemainingAmount)
	}

	price, err := x402.AmountToBigInt(listing.Price.String(), l.decimals)
	if err != nil {
		return nil, fmt.Errorf("listing %d has invalid price %q: %w", listing.ListingID, listing.Price, err)
	}
	return &Quote{UnitPrice: price, Soul: listing.Soul, Listing: listing}, nil
}

func (l *Listings) Fulfill(ctx context.Context, order *Order) (*Fulfillment, error) {
	updated, err := l.catalog.ConsumeListing(ctx, int64(order.ItemID), int64(order.Quantity))
	if err != nil {
		return nil, fmt.Errorf("failed to record sale: %w", err)
	}
	l.logger.Info("listing sold",
		"listing", order.ItemID,
		"quantity", order.Quantity,
		"remaining", updated.RemainingAmount,
		"recipient", order.Recipient.Hex())

	soul := updated.Soul
	if soul == nil {
		soul = order.Quote.Soul
	}
	return &Fulfillment{Soul: soul, Listing: updated}, nil
}

// Forker mints a forked soul on chain.
type Forker interface {
	Fork(ctx context.Context, parent *big.Int, metadataURI string, initialSupply uint64) (*settlement.ForkResult, error)
}

// Forks derives new souls from existing ones. Forking is free: there is no
// payment step, the operator pays gas.
type Forks struct {
	catalog store.Catalog
	forker  Forker
	logger  *slog.Logger
	now     func() time.Time
}

// NewForks returns the fork product.
func NewForks(catalog store.Catalog, forker Forker, logger *slog.Logger) *Forks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forks{catalog: catalog, forker: forker, logger: logger, now: time.Now}
}

func (f *Forks) Name() string { return "fork" }

func (f *Forks) Quote(ctx context.Context, req *Request) (*Quote, error) {
	if req.ItemID == 0 || req.ItemID > math.MaxInt64 {
		return nil, fmt.Errorf("%w: parent_token_id is required", x402.ErrInvalidRequest)
	}
	if req.Fork == nil || req.Fork.Name == "" {
		return nil, fmt.Errorf("%w: name is required", x402.ErrInvalidRequest)
	}
	if f.forker == nil {
		return nil, x402.ErrSettlementUnconfigured
	}

	parent, err := f.catalog.SoulByTokenID(ctx, int64(req.ItemID))
	if err != nil {
		return nil, err
	}
	return &Quote{UnitPrice: new(big.Int), Soul: parent}, nil
}

func (f *Forks) Fulfill(ctx context.Context, order *Order) (*Fulfillment, error) {
	details := order.Fork
	supply := details.InitialSupply
	if supply == 0 {
		supply = DefaultForkSupply
	}
	uri := fmt.Sprintf("ipfs://fork-%d-%d", order.ItemID, f.now().UnixMilli())

	res, err := f.forker.Fork(ctx, new(big.Int).SetUint64(order.ItemID), uri, supply)
	if err != nil {
		return nil, err
	}

	parent := order.Quote.Soul
	soul := parent.Fork(details.Name, details.Description, details.AdditionalPrompt, details.ForkNote, order.Agent.Hex())
	if res.Created == nil {
		f.logger.Warn("fork minted without a decodable token id; catalog not updated", "tx", res.TxHash)
		return &Fulfillment{TxHash: res.TxHash, Soul: soul}, nil
	}

	soul.TokenID = res.Created.TokenID.Int64()
	if res.Created.Generation != nil {
		soul.Generation = res.Created.Generation.Int64()
	}

	stored, err := f.catalog.InsertSoul(ctx, soul)
	if err != nil {
		// The soul exists on chain; report it even though the row is missing.
		f.logger.Error("failed to store forked soul", "token", soul.TokenID, "tx", res.TxHash, "error", err)
		return &Fulfillment{TxHash: res.TxHash, Soul: soul}, nil
	}
	f.logger.Info("soul forked", "parent", order.ItemID, "token", stored.TokenID, "generation", stored.Generation, "tx", res.TxHash)
	return &Fulfillment{TxHash: res.TxHash, Soul: stored}, nil
}
