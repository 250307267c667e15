// Package remote is the client of the authoritative curation service. It
// speaks a small JSON-over-HTTP protocol, retries transient failures with
// exponential backoff ([Retry]) and maps HTTP statuses onto the error
// taxonomy the sync engine acts on (conflict, rejection, unavailability).
//
// Endpoints, relative to the base URL:
//
//	GET  /api/health
//	GET  /api/{entities|curations}?limit=N&offset=M   → ListEnvelope
//	POST /api/{entities|curations}[?force=true]       → WriteAck
//	PUT  /api/{entities|curations}/{id}               → WriteAck (If-Match: "<version>")
//	PUT  /api/{entities|curations}/{id}?force=true    → WriteAck
//	GET  /api/{entities|curations}/{id}               → record
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/curasync/internal/model"
)

// HTTPDoer is the subset of [*http.Client] the client uses. Defining it as an
// interface allows injecting a stub transport in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Page selects one slice of a collection.
type Page struct {
	Limit  int
	Offset int
}

// ListResult is one page of remote records.
type ListResult struct {
	Items []model.Record
	Total int
}

// CreateResult identifies the remote copy after a create or forced write.
type CreateResult struct {
	RemoteID string
	Version  int64
}

// Client talks to the remote service. Create one with [New].
type Client struct {
	baseURL     *url.URL
	token       string
	hc          HTTPDoer
	maxAttempts uint
	logger      *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc HTTPDoer) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc = &http.Client{Timeout: d} }
}

// WithMaxAttempts sets how many times a transient failure is tried.
func WithMaxAttempts(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the service rooted at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("remote URL %q must be a valid http or https URL", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL:     u,
		token:       token,
		hc:          &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Host returns host:port of the service, for connectivity probes.
func (c *Client) Host() string {
	if c.baseURL.Port() != "" {
		return c.baseURL.Host
	}
	if c.baseURL.Scheme == "https" {
		return c.baseURL.Hostname() + ":443"
	}
	return c.baseURL.Hostname() + ":80"
}

// Ping checks that the service is reachable and accepts the token.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.call(ctx, http.MethodGet, "", "health", nil, nil, "", nil); err != nil {
		return fmt.Errorf("ping remote: %w", err)
	}
	return nil
}

// List fetches one page of records of the given kind.
func (c *Client) List(ctx context.Context, kind model.Kind, page Page) (ListResult, error) {
	coll, err := CollectionPath(kind)
	if err != nil {
		return ListResult{}, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(page.Limit))
	q.Set("offset", strconv.Itoa(page.Offset))

	var env ListEnvelope
	if err := c.call(ctx, http.MethodGet, coll, "", q, nil, "", &env); err != nil {
		return ListResult{}, fmt.Errorf("list %s (offset %d): %w", coll, page.Offset, err)
	}

	res := ListResult{Total: env.Total, Items: make([]model.Record, 0, len(env.Items))}
	for _, raw := range env.Items {
		rec, err := DecodeRecord(kind, raw)
		if err != nil {
			return ListResult{}, fmt.Errorf("list %s (offset %d): %w", coll, page.Offset, err)
		}
		res.Items = append(res.Items, rec)
	}
	return res, nil
}

// Create sends a record the remote has never seen. A record whose business
// key already exists remotely yields a [*ConflictError] naming the existing
// copy.
func (c *Client) Create(ctx context.Context, rec model.Record) (CreateResult, error) {
	return c.write(ctx, http.MethodPost, rec, "", nil, "")
}

// Update writes rec over the remote copy identified by remoteID, using
// expectedVersion as the optimistic-lock token.
func (c *Client) Update(ctx context.Context, remoteID string, rec model.Record, expectedVersion int64) (int64, error) {
	ack, err := c.write(ctx, http.MethodPut, rec, remoteID, nil, strconv.FormatInt(expectedVersion, 10))
	if err != nil {
		return 0, err
	}
	return ack.Version, nil
}

// Overwrite forces rec onto the remote without a version check. Without a
// remote id the server creates the record, or replaces the copy holding the
// same business key.
func (c *Client) Overwrite(ctx context.Context, rec model.Record) (CreateResult, error) {
	q := url.Values{"force": []string{"true"}}
	if id := rec.Meta().RemoteID; id != "" {
		return c.write(ctx, http.MethodPut, rec, id, q, "")
	}
	return c.write(ctx, http.MethodPost, rec, "", q, "")
}

// Get fetches the authoritative copy of a single record.
func (c *Client) Get(ctx context.Context, kind model.Kind, remoteID string) (model.Record, error) {
	coll, err := CollectionPath(kind)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, coll, remoteID, nil, nil, "", &raw); err != nil {
		return nil, fmt.Errorf("get %s %s: %w", coll, remoteID, err)
	}
	rec, err := DecodeRecord(kind, raw)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", coll, remoteID, err)
	}
	return rec, nil
}

// write encodes rec and sends it. An empty ifMatch sends no version header.
func (c *Client) write(ctx context.Context, method string, rec model.Record, remoteID string, q url.Values, ifMatch string) (CreateResult, error) {
	coll, err := CollectionPath(rec.Kind())
	if err != nil {
		return CreateResult{}, err
	}
	body, err := EncodeRecord(rec)
	if err != nil {
		return CreateResult{}, err
	}
	var ack WriteAck
	err = c.call(ctx, method, coll, remoteID, q, body, ifMatch, &ack)
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			ce.Kind = rec.Kind()
		}
		return CreateResult{}, fmt.Errorf("%s %s %s: %w", strings.ToLower(method), coll, rec.Key(), err)
	}
	return CreateResult{RemoteID: ack.RemoteID, Version: ack.Version}, nil
}

// call performs one logical request with retries. out, when non-nil, receives
// the decoded 2xx body.
func (c *Client) call(ctx context.Context, method, coll, id string, q url.Values, body []byte, ifMatch string, out any) error {
	endpoint := c.endpoint(coll, id, q)
	_, err := Retry(ctx, c.maxAttempts, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, method, endpoint, body, ifMatch, out)
	})
	return err
}

func (c *Client) endpoint(coll, id string, q url.Values) string {
	u := *c.baseURL
	parts := []string{u.Path, "api"}
	if coll != "" {
		parts = append(parts, coll)
	}
	if id != "" {
		parts = append(parts, url.PathEscape(id))
	}
	u.Path = strings.Join(parts, "/")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, ifMatch string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", strconv.Quote(ifMatch))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("remote request failed", "method", method, "url", endpoint, "error", err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return statusError(resp)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response) error {
	var eb ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)

	switch code := resp.StatusCode; {
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return &ConflictError{RemoteID: eb.RemoteID, Version: eb.Version, Message: eb.Message}
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d (check remote_token)", ErrUnauthorized, code)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return &RejectedError{Status: code, Message: eb.Message}
	}
}
