// Package memory is an in-process catalog seeded with fixtures, used when no
// database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/store"
)

// Store is a mutex-guarded catalog.
type Store struct {
	mu       sync.RWMutex
	souls    map[int64]*store.Soul
	listings map[int64]*store.Listing
	nextID   int
	now      func() time.Time
}

var _ store.Catalog = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		souls:    make(map[int64]*store.Soul),
		listings: make(map[int64]*store.Listing),
		now:      time.Now,
	}
}

// NewSeeded returns a store holding the development fixtures.
func NewSeeded() *Store {
	s := New()
	for _, soul := range Souls() {
		s.PutSoul(soul)
	}
	for _, listing := range Listings() {
		s.PutListing(listing)
	}
	return s
}

// PutSoul adds or replaces a soul.
func (s *Store) PutSoul(soul *store.Soul) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *soul
	if c.ID == "" {
		c.ID = s.newID()
	}
	s.souls[c.TokenID] = &c
}

// PutListing adds or replaces a listing.
func (s *Store) PutListing(listing *store.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *listing
	c.Soul = nil
	s.listings[c.ListingID] = &c
}

func (s *Store) Listing(_ context.Context, listingID int64) (*store.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, fmt.Errorf("%w: listing %d", x402.ErrNotFound, listingID)
	}
	return s.withSoul(l), nil
}

func (s *Store) SoulByTokenID(_ context.Context, tokenID int64) (*store.Soul, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	soul, ok := s.souls[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: soul %d", x402.ErrNotFound, tokenID)
	}
	c := *soul
	return &c, nil
}

func (s *Store) InsertSoul(_ context.Context, soul *store.Soul) (*store.Soul, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.souls[soul.TokenID]; exists {
		return nil, fmt.Errorf("soul %d already exists", soul.TokenID)
	}
	c := *soul
	c.ID = s.newID()
	now := s.now()
	c.CreatedAt = &now
	s.souls[c.TokenID] = &c
	out := c
	return &out, nil
}

func (s *Store) ConsumeListing(_ context.Context, listingID int64, quantity int64) (*store.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, fmt.Errorf("%w: listing %d", x402.ErrNotFound, listingID)
	}
	if l.RemainingAmount < quantity {
		return nil, fmt.Errorf("%w: %d remaining", x402.ErrInsufficientSupply, l.RemainingAmount)
	}
	l.RemainingAmount -= quantity
	l.IsActive = l.RemainingAmount > 0
	return s.withSoul(l), nil
}

// ListSouls filters like the hosted catalog, except that domain and style
// match case-insensitively and a domain may be a substring of an entry.
func (s *Store) ListSouls(_ context.Context, f store.SoulFilter) ([]store.Soul, error) {
	s.mu.RLock()
	var out []store.Soul
	for _, soul := range s.souls {
		if f.Generation != nil && soul.Generation != *f.Generation {
			continue
		}
		if f.Style != "" && !strings.EqualFold(soul.ConversationStyle, f.Style) {
			continue
		}
		if f.Domain != "" && !hasDomain(soul.KnowledgeDomain, f.Domain) {
			continue
		}
		out = append(out, *soul)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return out[i].TokenID < out[j].TokenID
	})
	limit, offset := f.Page()
	return window(out, limit, offset), nil
}

func (s *Store) ListListings(_ context.Context, f store.ListingFilter) ([]store.Listing, error) {
	s.mu.RLock()
	var (
		out    []store.Listing
		prices = make(map[int64]*big.Rat)
	)
	for _, l := range s.listings {
		if !f.IncludeInactive && !l.IsActive {
			continue
		}
		if f.TokenID != nil && l.TokenID != *f.TokenID {
			continue
		}
		price, ok := new(big.Rat).SetString(l.Price.String())
		if !ok {
			price = new(big.Rat)
		}
		prices[l.ListingID] = price
		out = append(out, *s.withSoul(l))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := prices[out[i].ListingID].Cmp(prices[out[j].ListingID]); c != 0 {
			return (c < 0) != f.Descending()
		}
		return out[i].ListingID < out[j].ListingID
	})
	limit, offset := f.Page()
	return window(out, limit, offset), nil
}

func hasDomain(domains []string, want string) bool {
	want = strings.ToLower(want)
	for _, d := range domains {
		if strings.Contains(strings.ToLower(d), want) {
			return true
		}
	}
	return false
}

func window[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// withSoul copies l and attaches its soul. Callers hold the lock.
func (s *Store) withSoul(l *store.Listing) *store.Listing {
	c := *l
	for _, soul := range s.souls {
		if soul.ID == l.SoulID || soul.TokenID == l.TokenID {
			sc := *soul
			c.Soul = &sc
			break
		}
	}
	return &c
}

func (s *Store) newID() string {
	s.nextID++
	return "mem-" + strconv.Itoa(s.nextID)
}
