// Package postgres implements the catalog on PostgreSQL using the Supabase
// schema (tables souls and listings).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/store"
)

const soulColumns = `id, token_id, name, description, image_url, conversation_style, knowledge_domain,
	system_prompt, behavior_traits, temperature, additional_prompt, added_traits, fork_note,
	parent_id, generation, creator_address, created_at`

const listingColumns = `id, listing_id, soul_id, token_id, seller_address, price, amount, remaining_amount, is_active`

// Store implements store.Catalog.
type Store struct {
	db *sql.DB
}

var _ store.Catalog = (*Store)(nil)

// New wraps an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with a lib/pq DSN and pings the server.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSoul(row rowScanner) (*store.Soul, error) {
	var (
		soul                                               store.Soul
		systemPrompt, additionalPrompt, forkNote, parentID sql.NullString
		temperature                                        sql.NullFloat64
		createdAt                                          sql.NullTime
	)
	err := row.Scan(
		&soul.ID, &soul.TokenID, &soul.Name, &soul.Description, &soul.ImageURL, &soul.ConversationStyle,
		pq.Array(&soul.KnowledgeDomain), &systemPrompt, pq.Array(&soul.BehaviorTraits), &temperature,
		&additionalPrompt, pq.Array(&soul.AddedTraits), &forkNote, &parentID,
		&soul.Generation, &soul.CreatorAddress, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	soul.SystemPrompt = systemPrompt.String
	soul.AdditionalPrompt = additionalPrompt.String
	soul.ForkNote = forkNote.String
	soul.ParentID = parentID.String
	if temperature.Valid {
		soul.Temperature = &temperature.Float64
	}
	if createdAt.Valid {
		soul.CreatedAt = &createdAt.Time
	}
	return &soul, nil
}

func scanListing(row rowScanner) (*store.Listing, error) {
	var (
		l     store.Listing
		price string
	)
	err := row.Scan(&l.ID, &l.ListingID, &l.SoulID, &l.TokenID, &l.SellerAddress, &price,
		&l.Amount, &l.RemainingAmount, &l.IsActive)
	if err != nil {
		return nil, err
	}
	l.Price = json.Number(price)
	return &l, nil
}

func (s *Store) Listing(ctx context.Context, listingID int64) (*store.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE listing_id = $1", listingID)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: listing %d", x402.ErrNotFound, listingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}

	soul, err := scanSoul(s.db.QueryRowContext(ctx,
		"SELECT "+soulColumns+" FROM souls WHERE id = $1", l.SoulID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get listed soul: %w", err)
	default:
		l.Soul = soul
	}
	return l, nil
}

func (s *Store) SoulByTokenID(ctx context.Context, tokenID int64) (*store.Soul, error) {
	soul, err := scanSoul(s.db.QueryRowContext(ctx,
		"SELECT "+soulColumns+" FROM souls WHERE token_id = $1", tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: soul %d", x402.ErrNotFound, tokenID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get soul: %w", err)
	}
	return soul, nil
}

func (s *Store) InsertSoul(ctx context.Context, soul *store.Soul) (*store.Soul, error) {
	query := `
		INSERT INTO souls (token_id, name, description, image_url, conversation_style, knowledge_domain,
			system_prompt, behavior_traits, temperature, additional_prompt, added_traits, fork_note,
			parent_id, generation, creator_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at`

	var (
		out       = *soul
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query,
		soul.TokenID, soul.Name, soul.Description, soul.ImageURL, soul.ConversationStyle,
		pq.Array(soul.KnowledgeDomain), nullString(soul.SystemPrompt), pq.Array(soul.BehaviorTraits),
		soul.Temperature, nullString(soul.AdditionalPrompt), pq.Array(soul.AddedTraits),
		nullString(soul.ForkNote), nullString(soul.ParentID), soul.Generation, soul.CreatorAddress,
	).Scan(&out.ID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert soul: %w", err)
	}
	out.CreatedAt = &createdAt
	return &out, nil
}

func (s *Store) ConsumeListing(ctx context.Context, listingID int64, quantity int64) (*store.Listing, error) {
	query := `
		UPDATE listings SET
			remaining_amount = remaining_amount - $2,
			is_active = remaining_amount - $2 > 0
		WHERE listing_id = $1 AND remaining_amount >= $2
		RETURNING ` + listingColumns

	l, err := scanListing(s.db.QueryRowContext(ctx, query, listingID, quantity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: listing %d cannot supply %d", x402.ErrInsufficientSupply, listingID, quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update listing: %w", err)
	}
	return l, nil
}

func (s *Store) ListSouls(ctx context.Context, f store.SoulFilter) ([]store.Soul, error) {
	var q query
	if f.Generation != nil {
		q.where("generation = ", *f.Generation)
	}
	if f.Domain != "" {
		q.where("knowledge_domain @> ", pq.Array([]string{f.Domain}))
	}
	if f.Style != "" {
		q.where("conversation_style = ", f.Style)
	}
	limit, offset := f.Page()
	sqlText := "SELECT " + soulColumns + " FROM souls" + q.clause() +
		" ORDER BY created_at DESC, token_id LIMIT " + q.arg(limit) + " OFFSET " + q.arg(offset)

	rows, err := s.db.QueryContext(ctx, sqlText, q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list souls: %w", err)
	}
	defer rows.Close()

	out := []store.Soul{}
	for rows.Next() {
		soul, err := scanSoul(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan soul: %w", err)
		}
		out = append(out, *soul)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list souls: %w", err)
	}
	return out, nil
}

func (s *Store) ListListings(ctx context.Context, f store.ListingFilter) ([]store.Listing, error) {
	var q query
	if !f.IncludeInactive {
		q.where("is_active = ", true)
	}
	if f.TokenID != nil {
		q.where("token_id = ", *f.TokenID)
	}
	order := "price ASC"
	if f.Descending() {
		order = "price DESC"
	}
	limit, offset := f.Page()
	sqlText := "SELECT " + listingColumns + " FROM listings" + q.clause() +
		" ORDER BY " + order + ", listing_id LIMIT " + q.arg(limit) + " OFFSET " + q.arg(offset)

	rows, err := s.db.QueryContext(ctx, sqlText, q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	out := []store.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		out = append(out, *l)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := s.attachSouls(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachSouls loads the souls of listings in one query.
func (s *Store) attachSouls(ctx context.Context, listings []store.Listing) error {
	ids := make([]string, 0, len(listings))
	for _, l := range listings {
		ids = append(ids, l.SoulID)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+soulColumns+" FROM souls WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to get listed souls: %w", err)
	}
	defer rows.Close()

	souls := make(map[string]*store.Soul)
	for rows.Next() {
		soul, err := scanSoul(rows)
		if err != nil {
			return fmt.Errorf("failed to scan soul: %w", err)
		}
		souls[soul.ID] = soul
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to get listed souls: %w", err)
	}
	for i := range listings {
		listings[i].Soul = souls[listings[i].SoulID]
	}
	return nil
}

// query accumulates a WHERE clause with numbered placeholders.
type query struct {
	conds []string
	args  []interface{}
}

func (q *query) arg(v interface{}) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *query) where(cond string, v interface{}) {
	q.conds = append(q.conds, cond+q.arg(v))
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
