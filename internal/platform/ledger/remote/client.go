// Package remote is an HTTP client for a ledger node.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trialguard/trialguard/internal/platform/ledger"
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

type Client struct {
	baseURL string
	http    *http.Client
}

var _ ledger.Ledger = (*Client)(nil)

// New returns a client for the node at baseURL, e.g. "http://ledger:9100".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Submit(ctx context.Context, e ledger.Entry) (*ledger.Record, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidEntry, err)
	}
	return c.do(ctx, http.MethodPost, "/v1/entries", body)
}

func (c *Client) Lookup(ctx context.Context, contentHash string) (*ledger.Record, error) {
	return c.do(ctx, http.MethodGet, "/v1/entries/"+url.PathEscape(contentHash), nil)
}

func (c *Client) Transaction(ctx context.Context, txID string) (*ledger.Record, error) {
	return c.do(ctx, http.MethodGet, "/v1/tx/"+url.PathEscape(txID), nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*ledger.Record, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ledger.AmbiguousError{Err: fmt.Errorf("read ledger response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var rec ledger.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, &ledger.AmbiguousError{Err: fmt.Errorf("decode ledger response: %w", err)}
		}
		return &rec, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ledger.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidEntry, strings.TrimSpace(string(data)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: node returned %d", ledger.ErrUnavailable, resp.StatusCode)
	default:
		// Other server errors may have happened after the write.
		return nil, &ledger.AmbiguousError{Err: fmt.Errorf("node returned %d", resp.StatusCode)}
	}
}

// classifyTransport separates failures that happened before the request
// reached the node from those where the node may have processed it.
func classifyTransport(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return &ledger.AmbiguousError{Err: err}
}
