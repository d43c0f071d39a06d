package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Query describes one upstream catalog query. The zero value means
// "everything in the feed"; price bounds and the watermark filter narrow it.
type Query struct {
	Feed         string
	PriceMin     float64
	PriceMax     float64 // exclusive; 0 means unbounded
	UpdatedAfter *time.Time
}

// RawStone is one catalog item as returned by the supplier. Payload is kept
// verbatim for staging; the identifying fields are lifted out for keying.
type RawStone struct {
	SupplierStoneID string          `json:"stoneId"`
	OfferID         string          `json:"offerId"`
	UpdatedAt       *time.Time      `json:"updatedAt"`
	Price           float64         `json:"price"`
	Payload         json.RawMessage `json:"-"`
}

// MaxPageSize is the hard cap the supplier enforces on search pages.
const MaxPageSize = 50

// Client wraps the supplier's GraphQL endpoint. It owns token refresh and a
// per-process rate limiter; callers own retries.
type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*Client)

// WithRateLimit overrides the default request rate (10 rps, burst 20).
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient substitutes the transport (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(endpoint, username, password string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const countQuery = `query CountStones($filter: StoneFilter!) {
  stoneCount(filter: $filter)
}`

const searchQuery = `query SearchStones($filter: StoneFilter!, $offset: Int!, $limit: Int!) {
  stones(filter: $filter, offset: $offset, limit: $limit) {
    stoneId
    offerId
    updatedAt
    price
  }
}`

const authMutation = `mutation Authenticate($username: String!, $password: String!) {
  authenticate(username: $username, password: $password) {
    token
    expiresIn
  }
}`

// Count returns the number of catalog items matching the query.
func (c *Client) Count(ctx context.Context, q Query) (int64, error) {
	var out struct {
		StoneCount int64 `json:"stoneCount"`
	}
	vars := map[string]interface{}{"filter": filterVars(q)}
	if err := c.do(ctx, countQuery, vars, &out); err != nil {
		return 0, fmt.Errorf("count stones: %w", err)
	}
	return out.StoneCount, nil
}

// Search returns one page of catalog items. The supplier caps limit at
// MaxPageSize; larger requests are clamped rather than rejected.
func (c *Client) Search(ctx context.Context, q Query, offset int64, limit int) ([]RawStone, error) {
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	var out struct {
		Stones []json.RawMessage `json:"stones"`
	}
	vars := map[string]interface{}{
		"filter": filterVars(q),
		"offset": offset,
		"limit":  limit,
	}
	if err := c.do(ctx, searchQuery, vars, &out); err != nil {
		return nil, fmt.Errorf("search stones offset=%d: %w", offset, err)
	}

	stones := make([]RawStone, 0, len(out.Stones))
	for _, rawDoc := range out.Stones {
		var s RawStone
		if err := json.Unmarshal(rawDoc, &s); err != nil {
			return nil, fmt.Errorf("decode stone document: %w", err)
		}
		s.Payload = rawDoc
		stones = append(stones, s)
	}
	return stones, nil
}

func filterVars(q Query) map[string]interface{} {
	f := map[string]interface{}{}
	if q.Feed != "" {
		f["feed"] = q.Feed
	}
	if q.PriceMin > 0 {
		f["priceMin"] = q.PriceMin
	}
	if q.PriceMax > 0 {
		f["priceMax"] = q.PriceMax
	}
	if q.UpdatedAfter != nil {
		f["updatedAfter"] = q.UpdatedAfter.UTC().Format(time.RFC3339)
	}
	return f
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// StatusError carries the HTTP status of a failed upstream call so callers
// can distinguish auth failures (permanent) from 5xx (transient).
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}

	status, err := c.post(ctx, query, vars, token, out)
	if status == http.StatusUnauthorized {
		// Token may have been revoked before its stated expiry. Refresh once.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		token, err = c.authToken(ctx)
		if err != nil {
			return err
		}
		_, err = c.post(ctx, query, vars, token, out)
	}
	return err
}

func (c *Client) post(ctx context.Context, query string, vars map[string]interface{}, token string, out interface{}) (int, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: truncate(string(raw), 200)}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return resp.StatusCode, fmt.Errorf("decode upstream response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return resp.StatusCode, fmt.Errorf("upstream error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode upstream data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// authToken returns a valid bearer token, refreshing proactively one minute
// before expiry. Anonymous mode (no username) skips auth entirely.
func (c *Client) authToken(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	var out struct {
		Authenticate struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expiresIn"`
		} `json:"authenticate"`
	}
	vars := map[string]interface{}{"username": c.username, "password": c.password}
	status, err := c.post(ctx, authMutation, vars, "", &out)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return "", &StatusError{Status: status, Message: "authentication rejected"}
		}
		return "", fmt.Errorf("authenticate: %w", err)
	}
	if out.Authenticate.Token == "" {
		return "", fmt.Errorf("authenticate: empty token")
	}

	c.token = out.Authenticate.Token
	c.tokenExpiry = time.Now().Add(time.Duration(out.Authenticate.ExpiresIn) * time.Second)
	return c.token, nil
}

// IsTransient reports whether an upstream error is worth retrying: 5xx,
// timeouts and transport errors are; 4xx are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	// Transport errors, timeouts, GraphQL-level errors: retry.
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
