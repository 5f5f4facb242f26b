// Package rest implements the catalog over the Supabase (PostgREST) HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/store"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryCount = 2
	defaultRetryWait  = 200 * time.Millisecond

	// maxConsumeAttempts bounds the compare-and-swap loop in ConsumeListing.
	maxConsumeAttempts = 5
)

// Client talks to a PostgREST endpoint such as https://<project>.supabase.co.
type Client struct {
	http *resty.Client
}

var _ store.Catalog = (*Client)(nil)

// Option configures a Client.
type Option func(*resty.Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *resty.Client) {
		r.SetTransport(c.Transport)
		r.SetTimeout(c.Timeout)
	}
}

// WithRetry sets how often reads are retried on transport errors and 5xx.
func WithRetry(count int, wait time.Duration) Option {
	return func(r *resty.Client) {
		r.SetRetryCount(count).SetRetryWaitTime(wait)
	}
}

// retryReads retries idempotent reads that hit a server error.
func retryReads(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || r.StatusCode() >= http.StatusInternalServerError
}

// New creates a client. baseURL is the project URL; the /rest/v1 prefix is
// appended unless already present.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rest: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid base URL: %w", err)
	}
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/rest/v1") {
		base += "/rest/v1"
	}

	r := resty.New().
		SetBaseURL(base).
		SetTimeout(defaultTimeout).
		SetHeader("apikey", apiKey).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json").
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryWait).
		AddRetryCondition(retryReads)
	for _, opt := range opts {
		opt(r)
	}
	return &Client{http: r}, nil
}

// BaseURL returns the PostgREST root the client sends requests to.
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

func (c *Client) Listing(ctx context.Context, listingID int64) (*store.Listing, error) {
	var rows []store.Listing
	err := c.do(ctx, http.MethodGet, "/listings", map[string]string{
		"listing_id": "eq." + strconv.FormatInt(listingID, 10),
		"select":     "*,souls(*)",
	}, nil, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: listing %d", x402.ErrNotFound, listingID)
	}
	return &rows[0], nil
}

func (c *Client) SoulByTokenID(ctx context.Context, tokenID int64) (*store.Soul, error) {
	var rows []store.Soul
	err := c.do(ctx, http.MethodGet, "/souls", map[string]string{
		"token_id": "eq." + strconv.FormatInt(tokenID, 10),
		"select":   "*",
	}, nil, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get soul: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: soul %d", x402.ErrNotFound, tokenID)
	}
	return &rows[0], nil
}

func (c *Client) InsertSoul(ctx context.Context, soul *store.Soul) (*store.Soul, error) {
	row := *soul
	row.ID = ""
	row.CreatedAt = nil

	var rows []store.Soul
	if err := c.do(ctx, http.MethodPost, "/souls", nil, &row, &rows); err != nil {
		return nil, fmt.Errorf("failed to insert soul: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("failed to insert soul: empty representation")
	}
	return &rows[0], nil
}

// ConsumeListing decrements inventory with a conditional PATCH that only
// matches the remaining amount it read, retrying when another writer won.
func (c *Client) ConsumeListing(ctx context.Context, listingID int64, quantity int64) (*store.Listing, error) {
	for attempt := 0; attempt < maxConsumeAttempts; attempt++ {
		current, err := c.Listing(ctx, listingID)
		if err != nil {
			return nil, err
		}
		if current.RemainingAmount < quantity {
			return nil, fmt.Errorf("%w: listing %d has %d remaining", x402.ErrInsufficientSupply, listingID, current.RemainingAmount)
		}

		remaining := current.RemainingAmount - quantity
		patch := map[string]interface{}{
			"remaining_amount": remaining,
			"is_active":        remaining > 0,
		}

		var rows []store.Listing
		err = c.do(ctx, http.MethodPatch, "/listings", map[string]string{
			"listing_id":       "eq." + strconv.FormatInt(listingID, 10),
			"remaining_amount": "eq." + strconv.FormatInt(current.RemainingAmount, 10),
		}, patch, &rows)
		if err != nil {
			return nil, fmt.Errorf("failed to update listing: %w", err)
		}
		if len(rows) > 0 {
			updated := rows[0]
			updated.Soul = current.Soul
			return &updated, nil
		}
	}
	return nil, fmt.Errorf("failed to update listing %d: concurrent updates", listingID)
}

func (c *Client) ListSouls(ctx context.Context, f store.SoulFilter) ([]store.Soul, error) {
	query := map[string]string{
		"select": "*",
		"order":  "created_at.desc,token_id.asc",
	}
	if f.Generation != nil {
		query["generation"] = "eq." + strconv.FormatInt(*f.Generation, 10)
	}
	if f.Domain != "" {
		query["knowledge_domain"] = "cs.{" + strconv.Quote(f.Domain) + "}"
	}
	if f.Style != "" {
		query["conversation_style"] = "eq." + f.Style
	}

	rows := []store.Soul{}
	limit, offset := f.Page()
	if err := c.list(ctx, "/souls", query, limit, offset, &rows); err != nil {
		return nil, fmt.Errorf("failed to list souls: %w", err)
	}
	return rows, nil
}

func (c *Client) ListListings(ctx context.Context, f store.ListingFilter) ([]store.Listing, error) {
	query := map[string]string{
		"select": "*,souls(*)",
		"order":  "price.asc,listing_id.asc",
	}
	if f.Descending() {
		query["order"] = "price.desc,listing_id.asc"
	}
	if !f.IncludeInactive {
		query["is_active"] = "eq.true"
	}
	if f.TokenID != nil {
		query["token_id"] = "eq." + strconv.FormatInt(*f.TokenID, 10)
	}

	rows := []store.Listing{}
	limit, offset := f.Page()
	if err := c.list(ctx, "/listings", query, limit, offset, &rows); err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	return rows, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").
			SetHeader("Prefer", "return=representation").
			SetBody(body)
	}
	return send(req, method, path, out)
}

// list reads one page of rows, selected with a PostgREST Range header.
func (c *Client) list(ctx context.Context, path string, query map[string]string, limit, offset int, out interface{}) error {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetHeader("Range-Unit", "items").
		SetHeader("Range", fmt.Sprintf("%d-%d", offset, offset+limit-1))
	return send(req, http.MethodGet, path, out)
}

func send(req *resty.Request, method, path string, out interface{}) error {
	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return &StatusError{StatusCode: res.StatusCode(), Body: res.String()}
	}
	if out == nil || len(res.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
