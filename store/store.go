// Package store defines the marketplace catalog: souls and their listings.
//
// Implementations live in subpackages: rest (PostgREST/Supabase), postgres
// (database/sql with lib/pq) and memory (seeded fixtures for development).
// Lookups that find nothing return x402.ErrNotFound.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Soul is an agent personality minted as an NFT.
type Soul struct {
	ID                string     `json:"id,omitempty"`
	TokenID           int64      `json:"token_id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	ImageURL          string     `json:"image_url"`
	ConversationStyle string     `json:"conversation_style"`
	KnowledgeDomain   []string   `json:"knowledge_domain"`
	SystemPrompt      string     `json:"system_prompt,omitempty"`
	BehaviorTraits    []string   `json:"behavior_traits,omitempty"`
	Temperature       *float64   `json:"temperature,omitempty"`
	AdditionalPrompt  string     `json:"additional_prompt,omitempty"`
	AddedTraits       []string   `json:"added_traits,omitempty"`
	ForkNote          string     `json:"fork_note,omitempty"`
	ParentID          string     `json:"parent_id,omitempty"`
	Generation        int64      `json:"generation"`
	CreatorAddress    string     `json:"creator_address"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
}

// Listing is a quantity of one soul offered for sale.
type Listing struct {
	ID              string `json:"id,omitempty"`
	ListingID       int64  `json:"listing_id"`
	SoulID          string `json:"soul_id"`
	TokenID         int64  `json:"token_id"`
	SellerAddress   string `json:"seller_address"`
	Amount          int64  `json:"amount"`
	RemainingAmount int64  `json:"remaining_amount"`
	IsActive        bool   `json:"is_active"`

	// Price is the unit price in whole payment tokens, e.g. "1" or "0.5".
	Price json.Number `json:"price"`

	// Soul is the listed soul, when the lookup joined it.
	Soul *Soul `json:"souls,omitempty"`
}

// Available reports whether quantity items can still be bought.
func (l *Listing) Available(quantity int64) bool {
	return l.IsActive && quantity > 0 && l.RemainingAmount >= quantity
}

// Fork derives the row for a soul forked from s. Traits are inherited;
// name, description and the fork-specific fields come from the request.
func (s *Soul) Fork(name, description, additionalPrompt, forkNote, creator string) *Soul {
	if description == "" {
		description = s.Description
	}
	return &Soul{
		Name:              name,
		Description:       description,
		ImageURL:          s.ImageURL,
		ConversationStyle: s.ConversationStyle,
		KnowledgeDomain:   append([]string(nil), s.KnowledgeDomain...),
		SystemPrompt:      s.SystemPrompt,
		BehaviorTraits:    append([]string(nil), s.BehaviorTraits...),
		Temperature:       s.Temperature,
		AdditionalPrompt:  additionalPrompt,
		ForkNote:          forkNote,
		ParentID:          s.ID,
		Generation:        s.Generation + 1,
		CreatorAddress:    creator,
	}
}

// Catalog reads and updates souls and listings.
type Catalog interface {
	// Listing returns a listing with its soul attached.
	Listing(ctx context.Context, listingID int64) (*Listing, error)

	// SoulByTokenID returns the soul minted as tokenID.
	SoulByTokenID(ctx context.Context, tokenID int64) (*Soul, error)

	// InsertSoul stores a new soul and returns the stored row.
	InsertSoul(ctx context.Context, soul *Soul) (*Soul, error)

	// ConsumeListing reduces the remaining amount after a sale and returns
	// the updated listing. The listing deactivates when nothing remains.
	ConsumeListing(ctx context.Context, listingID int64, quantity int64) (*Listing, error)

	// ListSouls returns a page of souls, newest first.
	ListSouls(ctx context.Context, filter SoulFilter) ([]Soul, error)

	// ListListings returns a page of listings with their souls attached,
	// ordered by unit price.
	ListListings(ctx context.Context, filter ListingFilter) ([]Listing, error)
}

// Page sizes for the list operations.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Listing sort orders.
const (
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
)

// SoulFilter narrows ListSouls. Zero fields match everything.
type SoulFilter struct {
	Generation *int64

	// Domain matches souls listing it in KnowledgeDomain.
	Domain string
	Style  string

	Limit  int
	Offset int
}

// Page returns the effective limit and offset.
func (f SoulFilter) Page() (limit, offset int) {
	return page(f.Limit, f.Offset)
}

// ListingFilter narrows ListListings. Only active listings are returned
// unless IncludeInactive is set.
type ListingFilter struct {
	IncludeInactive bool
	TokenID         *int64

	// Sort is SortPriceAsc (the default) or SortPriceDesc.
	Sort string

	Limit  int
	Offset int
}

// Page returns the effective limit and offset.
func (f ListingFilter) Page() (limit, offset int) {
	return page(f.Limit, f.Offset)
}

// Descending reports whether the most expensive listings come first.
func (f ListingFilter) Descending() bool {
	return f.Sort == SortPriceDesc
}

func page(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
