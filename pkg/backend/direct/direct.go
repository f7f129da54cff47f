// Package direct implements the batch backend that talks to the message
// batches REST API inline: submission, status, and results all travel over
// HTTP, with no object storage in between.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/google/uuid"

	"github.com/3leaps/gobatch/pkg/backend"
)

const (
	// DefaultBaseURL is the production endpoint of the batch API.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the version header sent with every request.
	DefaultAPIVersion = "2023-06-01"

	// processingEnded is the terminal value of processing_status.
	processingEnded = "ended"
)

// Config configures the direct backend.
type Config struct {
	// APIKey authenticates every call (required).
	APIKey string

	// BaseURL overrides the API endpoint, mainly for tests.
	// Default: DefaultBaseURL.
	BaseURL string

	// APIVersion is the value of the version header.
	// Default: DefaultAPIVersion.
	APIVersion string

	// Timeout bounds each HTTP call. Default: 120s.
	Timeout time.Duration
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("direct config: APIKey: api key is required")
	}
	return nil
}

// Client is the direct backend implementation.
type Client struct {
	cfg  Config
	http *http.Client
	rptr *repeater.Repeater
}

var _ backend.Backend = (*Client)(nil)

// New creates a direct backend client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		rptr: repeater.New(&strategy.Backoff{Repeats: 3, Duration: 500 * time.Millisecond, Factor: 2, Jitter: true}),
	}, nil
}

// Name returns the backend kind.
func (c *Client) Name() backend.Kind {
	return backend.KindDirect
}

// NewCorrelationID generates the custom id attached to the single
// contained request.
func NewCorrelationID() string {
	return "cc-" + uuid.New().String()
}

type submitParams struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []message       `json:"messages"`
	Thinking  *thinkingConfig `json:"thinking,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type submitRequest struct {
	Requests []submitEntry `json:"requests"`
}

type submitEntry struct {
	CustomID string       `json:"custom_id"`
	Params   submitParams `json:"params"`
}

// SubmitOne sends exactly one request as a batch of size one. The
// generated correlation id is retained on the handle so extraction can
// find the single entry inside the results stream.
func (c *Client) SubmitOne(ctx context.Context, req backend.Request) (*backend.Handle, error) {
	cid := NewCorrelationID()

	params := submitParams{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  []message{{Role: "user", Content: req.Packet}},
	}
	if req.Thinking != nil {
		params.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}

	body, err := json.Marshal(submitRequest{Requests: []submitEntry{{CustomID: cid, Params: params}}})
	if err != nil {
		return nil, c.wrapErr("SubmitOne", fmt.Errorf("%w: encode request: %v", backend.ErrMalformed, err))
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/messages/batches", body)
	if err != nil {
		return nil, c.wrapErr("SubmitOne", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.ID == "" {
		return nil, c.wrapErr("SubmitOne", fmt.Errorf("%w: response missing batch id", backend.ErrMalformed))
	}

	return &backend.Handle{JobID: resp.ID, CorrelationID: cid}, nil
}

// RetrieveStatus reads the batch resource. Transient transport failures
// are retried a few times in place; anything still failing surfaces as
// ErrTransport for the caller's backoff to handle.
func (c *Client) RetrieveStatus(ctx context.Context, h *backend.Handle) (*backend.Status, error) {
	var raw []byte
	var permErr error
	err := c.rptr.Do(ctx, func() error {
		b, err := c.do(ctx, http.MethodGet, "/v1/messages/batches/"+h.JobID, nil)
		if err != nil {
			if backend.IsTransport(err) {
				return err
			}
			permErr = err
			return nil
		}
		raw = b
		return nil
	})
	if permErr != nil {
		return nil, c.wrapErr("RetrieveStatus", permErr)
	}
	if err != nil {
		return nil, c.wrapErr("RetrieveStatus", err)
	}

	var resp struct {
		ProcessingStatus string `json:"processing_status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ProcessingStatus == "" {
		return nil, c.wrapErr("RetrieveStatus", fmt.Errorf("%w: response missing processing_status", backend.ErrMalformed))
	}

	return &backend.Status{
		State:    resp.ProcessingStatus,
		Terminal: resp.ProcessingStatus == processingEnded,
		Raw:      raw,
	}, nil
}

// FetchOutput downloads the newline-delimited results stream. The stream
// only exists once the batch has ended; an earlier call fails with
// ErrNotReady rather than returning partial data.
func (c *Client) FetchOutput(ctx context.Context, h *backend.Handle) ([]byte, error) {
	st, err := c.RetrieveStatus(ctx, h)
	if err != nil {
		return nil, err
	}
	if !st.Terminal {
		return nil, c.wrapErr("FetchOutput", fmt.Errorf("%w: processing_status=%s", backend.ErrNotReady, st.State))
	}

	raw, err := c.do(ctx, http.MethodGet, "/v1/messages/batches/"+h.JobID+"/results", nil)
	if err != nil {
		return nil, c.wrapErr("FetchOutput", err)
	}
	return raw, nil
}

// do performs one HTTP call and classifies failures into the backend
// error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", backend.ErrMalformed, err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", c.cfg.APIVersion)
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", backend.ErrTransport, err)
	}

	switch {
	case resp.StatusCode < 300:
		return b, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", backend.ErrNotFound, method, path)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", backend.ErrTransport, resp.StatusCode, truncate(b, 512))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", backend.ErrMalformed, resp.StatusCode, truncate(b, 512))
	}
}

func (c *Client) wrapErr(op string, err error) error {
	return &backend.Error{Op: op, Backend: backend.KindDirect, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
