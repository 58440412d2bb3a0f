// Package knowledge provides a client for a hosted hybrid-search endpoint
// exposed as a PostgREST-style RPC function (POST {base}/rpc/{function}).
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
)

// Client searches the knowledge base.
type Client interface {
	Search(ctx context.Context, req SearchRequest) ([]Result, error)
}

// SearchRequest is the RPC payload.
type SearchRequest struct {
	Query   string            `json:"query_text"`
	Limit   int               `json:"match_count"`
	Filters map[string]string `json:"filter,omitempty"`
}

// Result is one row returned by the search function. Different deployments
// name the relevance column differently; Score holds whichever was present.
type Result struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	SourceIDs []string `json:"source_ids"`
	Score     float64  `json:"-"`
}

type rawResult struct {
	ID         json.RawMessage `json:"id"`
	Content    string          `json:"content"`
	SourceIDs  []string        `json:"source_ids"`
	SourceID   string          `json:"source_id"`
	Score      *float64        `json:"score"`
	Similarity *float64        `json:"similarity"`
	Rank       *float64        `json:"rank"`
}

// StatusError is returned for a non-2xx response after retries.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("knowledge: unexpected status %d: %s", e.Code, e.Body)
}

// Option configures the knowledge client.
type Option func(*httpClient)

// WithHTTPClient replaces the underlying *http.Client used by the retrying
// transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http.HTTPClient = hc
	}
}

// WithRetries sets the transport-level retry budget and wait bounds.
func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(c *httpClient) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// WithFunction sets the RPC function name. Default: hybrid_search.
func WithFunction(name string) Option {
	return func(c *httpClient) {
		c.function = name
	}
}

type httpClient struct {
	baseURL  string
	apiKey   string
	function string
	http     *retryablehttp.Client
}

// NewClient creates a knowledge search client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Timeout: 20 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	rc.Logger = nil // retries are surfaced through our own logging
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &httpClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		function: "hybrid_search",
		http:     rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, sr SearchRequest) ([]Result, error) {
	payload, err := json.Marshal(sr)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: marshal request")
	}

	reqURL := fmt.Sprintf("%s/rpc/%s", c.baseURL, c.function)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var raw []rawResult
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "knowledge: unmarshal response")
	}

	out := make([]Result, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		res := Result{
			ID:        strings.Trim(string(r.ID), `"`),
			Content:   r.Content,
			SourceIDs: r.SourceIDs,
		}
		if len(res.SourceIDs) == 0 && r.SourceID != "" {
			res.SourceIDs = []string{r.SourceID}
		}
		switch {
		case r.Score != nil:
			res.Score = *r.Score
		case r.Similarity != nil:
			res.Score = *r.Similarity
		case r.Rank != nil:
			res.Score = *r.Rank
		}
		out = append(out, res)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
