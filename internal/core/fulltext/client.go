// Package fulltext provides the Solr-backed full-text index for
// observations.
//
// The Client is used for:
//   - Index writes from the tiered store's two-phase put
//   - Keyword retrieval for the retriever's fusion step
//   - Per-user purges for privacy deletion
//
// All requests run through a circuit breaker so a struggling index degrades
// retrieval instead of taking down writes.
package fulltext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxResults  = 10
	healthCheckTimeout = 5 * time.Second

	// Queries whose encoded URL exceeds this are sent as form POSTs to
	// stay under server URI limits (HTTP 414).
	maxGetURILength = 4096

	maxResponseBody = 10 << 20
	errBodySnippet  = 1024

	// Field boosts for user-scoped retrieval: the user's own words
	// (highlight, note) outrank enrichment tags and page addresses.
	userQueryFields = "highlight^3 note^2 enhanced_tags^2 tags^2 address"
)

// Client talks to the observations collection over HTTP.
type Client struct {
	base    string
	http    *http.Client
	rows    int
	enabled bool
	breaker *gobreaker.CircuitBreaker
}

// New builds a client for cfg. An empty BaseURL yields a disabled client
// whose every call reports ErrClientDisabled.
func New(cfg Config) *Client {
	c := &Client{
		base:    strings.TrimSuffix(cfg.BaseURL, "/"),
		rows:    cfg.MaxResults,
		enabled: cfg.BaseURL != "",
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	if c.http.Timeout <= 0 {
		c.http.Timeout = defaultTimeout
	}
	if c.rows <= 0 {
		c.rows = defaultMaxResults
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fulltext",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			rate := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests >= 5 && rate >= 0.6
		},
	})

	return c
}

// Enabled reports whether a base URL was configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Ping checks that the collection is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if !c.enabled {
		return ErrClientDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/admin/ping", nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}

	return nil
}

// query is a fully-specified select request.
type query struct {
	text    string
	filters []string
	rows    int
	edismax string
}

func (q query) values() url.Values {
	v := url.Values{}
	v.Set("q", q.text)
	v.Set("rows", strconv.Itoa(q.rows))
	v.Set("wt", "json")

	for _, fq := range q.filters {
		v.Add("fq", fq)
	}

	if q.edismax != "" {
		v.Set("defType", "edismax")
		v.Set("qf", q.edismax)
	}

	return v
}

// Search runs an unscoped query with default limits. Admin tooling uses
// this; production retrieval goes through SearchUser.
func (c *Client) Search(ctx context.Context, text string) (*SearchResponse, error) {
	return c.search(ctx, query{text: text, rows: c.rows})
}

// SearchUser runs a folded edismax query scoped to one user. This is the
// retriever's entry point; soft-deleted observations never reach the index.
func (c *Client) SearchUser(ctx context.Context, userID, text string, rows int) (*SearchResponse, error) {
	if rows <= 0 {
		rows = c.rows
	}

	return c.search(ctx, query{
		text:    FoldText(text),
		filters: []string{"user_id:" + quoteTerm(userID)},
		rows:    rows,
		edismax: userQueryFields,
	})
}

func (c *Client) search(ctx context.Context, q query) (*SearchResponse, error) {
	if !c.enabled {
		return nil, ErrClientDisabled
	}

	result, err := c.guard(func() (interface{}, error) {
		return c.doSelect(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	return result.(*SearchResponse), nil
}

func (c *Client) doSelect(ctx context.Context, q query) (*SearchResponse, error) {
	encoded := q.values().Encode()
	getURL := c.base + "/select?" + encoded

	var (
		req *http.Request
		err error
	)

	if len(getURL) > maxGetURILength {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/select", strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	return &result, nil
}

// Index adds or updates documents in the collection.
func (c *Client) Index(ctx context.Context, docs ...Document) error {
	if !c.enabled {
		return ErrClientDisabled
	}

	if len(docs) == 0 {
		return nil
	}

	return c.update(ctx, docs)
}

// Delete removes documents by their IDs.
func (c *Client) Delete(ctx context.Context, ids ...string) error {
	if !c.enabled {
		return ErrClientDisabled
	}

	if len(ids) == 0 {
		return nil
	}

	return c.update(ctx, map[string]interface{}{"delete": ids})
}

// DeleteByUser removes every document belonging to one user. Used by the
// privacy hard-delete path.
func (c *Client) DeleteByUser(ctx context.Context, userID string) error {
	if !c.enabled {
		return ErrClientDisabled
	}

	return c.update(ctx, map[string]interface{}{
		"delete": map[string]string{"query": "user_id:" + quoteTerm(userID)},
	})
}

// update sends payload to the update handler with an immediate commit.
// A 409 means another worker already wrote the same version, which is the
// desired end state.
func (c *Client) update(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	_, err = c.guard(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, c.base+"/update?commit=true", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create update request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("update request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusOK {
			return nil, nil
		}

		return nil, statusError(resp)
	})

	return err
}

// guard runs op through the circuit breaker, mapping open-state rejections
// to ErrCircuitOpen.
func (c *Client) guard(op func() (interface{}, error)) (interface{}, error) {
	result, err := c.breaker.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	return result, err
}

func statusError(resp *http.Response) error {
	snippet, err := io.ReadAll(io.LimitReader(resp.Body, errBodySnippet))
	if err != nil || len(snippet) == 0 {
		return fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}

	return fmt.Errorf("%w: status %d, body: %s", ErrServerError, resp.StatusCode, string(snippet))
}

// quoteTerm escapes a term for use inside a filter query.
func quoteTerm(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `\"`) + `"`
}
