package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/store"
)

var (
	listingCols = []string{"id", "listing_id", "soul_id", "token_id", "seller_address", "price", "amount", "remaining_amount", "is_active"}
	soulCols    = []string{"id", "token_id", "name", "description", "image_url", "conversation_style", "knowledge_domain",
		"system_prompt", "behavior_traits", "temperature", "additional_prompt", "added_traits", "fork_note",
		"parent_id", "generation", "creator_address", "created_at"}
)

func soulRow(rows *sqlmock.Rows) *sqlmock.Rows {
	return rows.AddRow("soul-uuid", 1, "Socratic Mentor", "Questions.", "ipfs://1", "socratic", "{philosophy,ethics}",
		"You are a mentor.", "{curious}", 0.7, nil, "{}", nil, nil, 0, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", time.Unix(1700000000, 0))
}

func TestListing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM listings WHERE listing_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(listingCols).
			AddRow("listing-uuid", 7, "soul-uuid", 1, "0xseller", "1.5", 10, 4, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM souls WHERE id = $1")).
		WithArgs("soul-uuid").
		WillReturnRows(soulRow(sqlmock.NewRows(soulCols)))

	l, err := s.Listing(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), l.ListingID)
	assert.Equal(t, "1.5", l.Price.String())
	assert.Equal(t, int64(4), l.RemainingAmount)
	require.NotNil(t, l.Soul)
	assert.Equal(t, []string{"philosophy", "ethics"}, l.Soul.KnowledgeDomain)
	require.NotNil(t, l.Soul.Temperature)
	assert.InDelta(t, 0.7, *l.Soul.Temperature, 1e-9)
	assert.Empty(t, l.Soul.ParentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListingNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM listings WHERE listing_id = $1")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(listingCols))

	_, err = New(db).Listing(context.Background(), 99)
	assert.ErrorIs(t, err, x402.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListingWithoutSoul(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM listings")).
		WillReturnRows(sqlmock.NewRows(listingCols).
			AddRow("listing-uuid", 7, "gone", 1, "0xseller", "1", 10, 4, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM souls WHERE id = $1")).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	l, err := New(db).Listing(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, l.Soul)
}

func TestSoulByTokenID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM souls WHERE token_id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(soulRow(sqlmock.NewRows(soulCols)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM souls WHERE token_id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(soulCols))

	soul, err := New(db).SoulByTokenID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Socratic Mentor", soul.Name)
	assert.Equal(t, "You are a mentor.", soul.SystemPrompt)
	require.NotNil(t, soul.CreatedAt)

	_, err = New(db).SoulByTokenID(context.Background(), 2)
	assert.ErrorIs(t, err, x402.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSoul(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Unix(1800000000, 0)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO souls")).
		WithArgs(int64(12), "Fork", "Questions.", "ipfs://1", "socratic", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1), "0xagent").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("new-uuid", created))

	soul := &store.Soul{
		TokenID:           12,
		Name:              "Fork",
		Description:       "Questions.",
		ImageURL:          "ipfs://1",
		ConversationStyle: "socratic",
		KnowledgeDomain:   []string{"philosophy"},
		ParentID:          "soul-uuid",
		Generation:        1,
		CreatorAddress:    "0xagent",
	}
	stored, err := New(db).InsertSoul(context.Background(), soul)
	require.NoError(t, err)
	assert.Equal(t, "new-uuid", stored.ID)
	assert.True(t, stored.CreatedAt.Equal(created))
	assert.Empty(t, soul.ID, "input must not be mutated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeListing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE listings SET")).
		WithArgs(int64(7), int64(2)).
		WillReturnRows(sqlmock.NewRows(listingCols).
			AddRow("listing-uuid", 7, "soul-uuid", 1, "0xseller", "1", 10, 2, true))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE listings SET")).
		WithArgs(int64(7), int64(5)).
		WillReturnRows(sqlmock.NewRows(listingCols))

	s := New(db)
	l, err := s.ConsumeListing(context.Background(), 7, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.RemainingAmount)

	_, err = s.ConsumeListing(context.Background(), 7, 5)
	assert.ErrorIs(t, err, x402.ErrInsufficientSupply)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSouls(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM souls WHERE generation = $1 AND knowledge_domain @> $2 AND conversation_style = $3 " +
		"ORDER BY created_at DESC, token_id LIMIT $4 OFFSET $5")).
		WithArgs(int64(0), sqlmock.AnyArg(), "socratic", 10, 20).
		WillReturnRows(soulRow(sqlmock.NewRows(soulCols)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM souls ORDER BY created_at DESC, token_id LIMIT $1 OFFSET $2")).
		WithArgs(store.DefaultPageSize, 0).
		WillReturnRows(sqlmock.NewRows(soulCols))

	s := New(db)
	gen := int64(0)
	souls, err := s.ListSouls(context.Background(), store.SoulFilter{
		Generation: &gen,
		Domain:     "philosophy",
		Style:      "socratic",
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)
	require.Len(t, souls, 1)
	assert.Equal(t, "Socratic Mentor", souls[0].Name)

	souls, err = s.ListSouls(context.Background(), store.SoulFilter{})
	require.NoError(t, err)
	assert.NotNil(t, souls)
	assert.Empty(t, souls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListListings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM listings WHERE is_active = $1 AND token_id = $2 ORDER BY price DESC, listing_id LIMIT $3 OFFSET $4")).
		WithArgs(true, int64(1), store.DefaultPageSize, 0).
		WillReturnRows(sqlmock.NewRows(listingCols).
			AddRow("listing-uuid", 7, "soul-uuid", 1, "0xseller", "12.5", 10, 4, true).
			AddRow("listing-old", 8, "gone", 1, "0xseller", "2", 10, 1, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM souls WHERE id = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(soulRow(sqlmock.NewRows(soulCols)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM listings ORDER BY price ASC, listing_id LIMIT $1 OFFSET $2")).
		WithArgs(store.MaxPageSize, 0).
		WillReturnRows(sqlmock.NewRows(listingCols))

	s := New(db)
	token := int64(1)
	listings, err := s.ListListings(context.Background(), store.ListingFilter{TokenID: &token, Sort: store.SortPriceDesc})
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "12.5", listings[0].Price.String())
	require.NotNil(t, listings[0].Soul)
	assert.Equal(t, "Socratic Mentor", listings[0].Soul.Name)
	assert.Nil(t, listings[1].Soul)

	listings, err = s.ListListings(context.Background(), store.ListingFilter{IncludeInactive: true, Limit: 1000})
	require.NoError(t, err)
	assert.Empty(t, listings)
	assert.NoError(t, mock.ExpectationsWereMet())
}
