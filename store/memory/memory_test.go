package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/store"
)

func TestListing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	l, err := s.Listing(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.ListingID)
	require.NotNil(t, l.Soul)
	assert.Equal(t, "Socratic Mentor", l.Soul.Name)

	_, err = s.Listing(ctx, 99)
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestConsumeListing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	l, err := s.ConsumeListing(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.RemainingAmount)
	assert.True(t, l.IsActive)

	l, err = s.ConsumeListing(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.RemainingAmount)
	assert.False(t, l.IsActive)

	_, err = s.ConsumeListing(ctx, 2, 1)
	assert.ErrorIs(t, err, x402.ErrInsufficientSupply)

	_, err = s.ConsumeListing(ctx, 42, 1)
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestConsumeListingConcurrent(t *testing.T) {
	s := New()
	s.PutListing(&store.Listing{ListingID: 1, Price: "1", Amount: 10, RemainingAmount: 10, IsActive: true})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeListing(context.Background(), 1, 1); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, ok)
}

func TestInsertSoul(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	parent, err := s.SoulByTokenID(ctx, 1)
	require.NoError(t, err)

	forked := parent.Fork("Socratic Junior", "", "Be brief.", "first fork", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	forked.TokenID = 10

	stored, err := s.InsertSoul(ctx, forked)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.NotNil(t, stored.CreatedAt)
	assert.Equal(t, parent.ID, stored.ParentID)
	assert.Equal(t, parent.Description, stored.Description)
	assert.Equal(t, parent.Generation+1, stored.Generation)
	assert.Equal(t, parent.KnowledgeDomain, stored.KnowledgeDomain)

	got, err := s.SoulByTokenID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Socratic Junior", got.Name)

	_, err = s.InsertSoul(ctx, forked)
	assert.Error(t, err)

	_, err = s.SoulByTokenID(ctx, 77)
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func soulTokens(souls []store.Soul) []int64 {
	out := make([]int64, len(souls))
	for i, s := range souls {
		out[i] = s.TokenID
	}
	return out
}

func listingIDs(listings []store.Listing) []int64 {
	out := make([]int64, len(listings))
	for i, l := range listings {
		out[i] = l.ListingID
	}
	return out
}

func TestListSouls(t *testing.T) {
	gen := func(g int64) *int64 { return &g }

	tests := []struct {
		name   string
		filter store.SoulFilter
		want   []int64
	}{
		{"everything", store.SoulFilter{}, []int64{1, 2, 3}},
		{"generation zero", store.SoulFilter{Generation: gen(0)}, []int64{1, 2}},
		{"forks", store.SoulFilter{Generation: gen(1)}, []int64{3}},
		{"domain ignores case", store.SoulFilter{Domain: "PHIL"}, []int64{1}},
		{"domain substring", store.SoulFilter{Domain: "fi"}, []int64{2}},
		{"style", store.SoulFilter{Style: "Lyrical"}, []int64{3}},
		{"page", store.SoulFilter{Limit: 1, Offset: 1}, []int64{2}},
		{"past the end", store.SoulFilter{Offset: 10}, []int64{}},
		{"no match", store.SoulFilter{Style: "sarcastic"}, []int64{}},
	}

	s := NewSeeded()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListSouls(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, soulTokens(got))
		})
	}
}

func TestListSoulsNewestFirst(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.InsertSoul(ctx, &store.Soul{TokenID: 9, Name: "Fresh", Generation: 0})
	require.NoError(t, err)

	got, err := s.ListSouls(ctx, store.SoulFilter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 1, 2, 3}, soulTokens(got))
}

func TestListListings(t *testing.T) {
	token := func(id int64) *int64 { return &id }

	tests := []struct {
		name   string
		filter store.ListingFilter
		want   []int64
	}{
		{"active by price", store.ListingFilter{}, []int64{1, 2}},
		{"most expensive first", store.ListingFilter{Sort: store.SortPriceDesc}, []int64{2, 1}},
		{"inactive included", store.ListingFilter{IncludeInactive: true}, []int64{3, 1, 2}},
		{"token sold out", store.ListingFilter{TokenID: token(3)}, []int64{}},
		{"token", store.ListingFilter{TokenID: token(3), IncludeInactive: true}, []int64{3}},
		{"page", store.ListingFilter{Limit: 1, Offset: 1}, []int64{2}},
	}

	s := NewSeeded()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListListings(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, listingIDs(got))
			for _, l := range got {
				require.NotNil(t, l.Soul, "listing %d", l.ListingID)
				assert.Equal(t, l.TokenID, l.Soul.TokenID)
			}
		})
	}
}
