// Package staged implements the storage-mediated batch backend: input is
// serialized as a one-line JSONL document and uploaded to an object store,
// a batch-prediction job resource is created pointing at that location,
// and output is read back from a job-scoped storage prefix once the remote
// job reaches a terminal state.
package staged

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/google/uuid"

	"github.com/3leaps/gobatch/pkg/backend"
	"github.com/3leaps/gobatch/pkg/objstore"
)

// Remote lifecycle states of a batch-prediction job resource.
const (
	StateSucceeded = "JOB_STATE_SUCCEEDED"
	StateFailed    = "JOB_STATE_FAILED"
	StateCancelled = "JOB_STATE_CANCELLED"
	StatePaused    = "JOB_STATE_PAUSED"
)

// terminalStates is the fixed set after which output can be fetched.
// Failure-like states are included: their output objects often carry
// partial or diagnostic payloads worth keeping.
var terminalStates = map[string]bool{
	StateSucceeded: true,
	StateFailed:    true,
	StateCancelled: true,
	StatePaused:    true,
}

// DefaultPrefix is the folder prefix used inside the bucket when none is
// configured.
const DefaultPrefix = "gobatch"

// outputSuffix marks the output documents preferred during fetch.
const outputSuffix = ".jsonl"

// Config configures the staged backend.
type Config struct {
	// Project and Location identify the job parent resource (required).
	Project  string
	Location string

	// Token is the bearer credential for the batch-prediction API
	// (required). Obtaining and refreshing it is the caller's concern.
	Token string

	// Endpoint overrides the API endpoint, mainly for tests.
	// Default: https://<location>-aiplatform.googleapis.com/v1
	Endpoint string

	// Prefix is the folder prefix inside the bucket. Default:
	// DefaultPrefix.
	Prefix string

	// ModelPublisher prefixes model names in the job resource.
	// Default: "publishers/anthropic/models".
	ModelPublisher string

	// Timeout bounds each HTTP call. Default: 120s.
	Timeout time.Duration
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	switch {
	case c.Project == "":
		return fmt.Errorf("staged config: Project: project id is required")
	case c.Location == "":
		return fmt.Errorf("staged config: Location: location is required")
	case c.Token == "":
		return fmt.Errorf("staged config: Token: access token is required")
	}
	return nil
}

// Client is the staged backend implementation.
type Client struct {
	cfg   Config
	store objstore.Store
	http  *http.Client
	rptr  *repeater.Repeater
}

var _ backend.Backend = (*Client)(nil)

// New creates a staged backend over the given object store.
func New(cfg Config, store objstore.Store) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("staged config: object store is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.Location)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ModelPublisher == "" {
		cfg.ModelPublisher = "publishers/anthropic/models"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: cfg.Timeout},
		rptr:  repeater.New(&strategy.Backoff{Repeats: 3, Duration: 500 * time.Millisecond, Factor: 2, Jitter: true}),
	}, nil
}

// Name returns the backend kind.
func (c *Client) Name() backend.Kind {
	return backend.KindStaged
}

func (c *Client) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.cfg.Project, c.cfg.Location)
}

// inputLine is the single JSONL line staged to the object store.
type inputLine struct {
	CustomID string       `json:"custom_id"`
	Request  inputRequest `json:"request"`
}

type inputRequest struct {
	Messages  []message       `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
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

// jobResource is the wire shape of the batch-prediction job.
type jobResource struct {
	Name         string     `json:"name,omitempty"`
	DisplayName  string     `json:"displayName,omitempty"`
	Model        string     `json:"model,omitempty"`
	State        string     `json:"state,omitempty"`
	InputConfig  *ioConfig  `json:"inputConfig,omitempty"`
	OutputConfig *outConfig `json:"outputConfig,omitempty"`
}

type ioConfig struct {
	InstancesFormat string    `json:"instancesFormat"`
	Source          sourceRef `json:"source"`
}

type sourceRef struct {
	URIs []string `json:"uris"`
}

type outConfig struct {
	PredictionsFormat string  `json:"predictionsFormat"`
	Destination       destRef `json:"destination"`
}

type destRef struct {
	OutputURIPrefix string `json:"outputUriPrefix"`
}

// SubmitOne stages the single request to the object store, then creates
// the remote job resource pointing at the staged input and a job-scoped
// output prefix.
func (c *Client) SubmitOne(ctx context.Context, req backend.Request) (*backend.Handle, error) {
	rid := "cc-" + uuid.New().String()

	line := inputLine{
		CustomID: rid,
		Request: inputRequest{
			Messages:  []message{{Role: "user", Content: req.Packet}},
			MaxTokens: req.MaxTokens,
		},
	}
	if req.Thinking != nil {
		line.Request.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}
	doc, err := json.Marshal(line)
	if err != nil {
		return nil, c.wrapErr("SubmitOne", fmt.Errorf("%w: encode input: %v", backend.ErrMalformed, err))
	}
	doc = append(doc, '\n')

	inputKey := fmt.Sprintf("%s/inputs/%s.jsonl", strings.Trim(c.cfg.Prefix, "/"), rid)
	outputKey := fmt.Sprintf("%s/outputs/%s", strings.Trim(c.cfg.Prefix, "/"), rid)
	if err := c.store.Put(ctx, inputKey, doc, "application/jsonl"); err != nil {
		return nil, c.wrapErr("SubmitOne", classifyStoreErr(err))
	}

	inputURI := objstore.URI(c.store.Bucket(), inputKey)
	outputPrefix := objstore.URI(c.store.Bucket(), outputKey)

	displayName := req.Label
	if displayName == "" {
		displayName = "gobatch-" + rid
	}
	body := jobResource{
		DisplayName: displayName,
		Model:       c.cfg.ModelPublisher + "/" + req.Model,
		InputConfig: &ioConfig{
			InstancesFormat: "jsonl",
			Source:          sourceRef{URIs: []string{inputURI}},
		},
		OutputConfig: &outConfig{
			PredictionsFormat: "jsonl",
			Destination:       destRef{OutputURIPrefix: outputPrefix},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, c.wrapErr("SubmitOne", fmt.Errorf("%w: encode job: %v", backend.ErrMalformed, err))
	}

	raw, err := c.do(ctx, http.MethodPost, "/"+c.parent()+"/batchPredictionJobs", encoded)
	if err != nil {
		return nil, c.wrapErr("SubmitOne", err)
	}

	var created jobResource
	if err := json.Unmarshal(raw, &created); err != nil || created.Name == "" {
		return nil, c.wrapErr("SubmitOne", fmt.Errorf("%w: response missing job name", backend.ErrMalformed))
	}

	return &backend.Handle{
		JobID:         created.Name,
		CorrelationID: rid,
		Project:       c.cfg.Project,
		Location:      c.cfg.Location,
		InputURI:      inputURI,
		OutputPrefix:  outputPrefix,
	}, nil
}

// RetrieveStatus reads the job resource's lifecycle state.
func (c *Client) RetrieveStatus(ctx context.Context, h *backend.Handle) (*backend.Status, error) {
	raw, err := c.getJob(ctx, h.JobID)
	if err != nil {
		return nil, c.wrapErr("RetrieveStatus", err)
	}

	var job jobResource
	if err := json.Unmarshal(raw, &job); err != nil || job.State == "" {
		return nil, c.wrapErr("RetrieveStatus", fmt.Errorf("%w: response missing state", backend.ErrMalformed))
	}

	return &backend.Status{
		State:    job.State,
		Terminal: terminalStates[job.State],
		Raw:      raw,
	}, nil
}

// FetchOutput lists everything under the job's output prefix and
// concatenates the documents in sorted key order, so the result is
// deterministic even though the listing offers no ordering guarantee.
func (c *Client) FetchOutput(ctx context.Context, h *backend.Handle) ([]byte, error) {
	raw, err := c.getJob(ctx, h.JobID)
	if err != nil {
		return nil, c.wrapErr("FetchOutput", err)
	}
	var job jobResource
	if err := json.Unmarshal(raw, &job); err != nil || job.State == "" {
		return nil, c.wrapErr("FetchOutput", fmt.Errorf("%w: response missing state", backend.ErrMalformed))
	}
	if !terminalStates[job.State] {
		return nil, c.wrapErr("FetchOutput", fmt.Errorf("%w: state=%s", backend.ErrNotReady, job.State))
	}

	prefix := h.OutputPrefix
	if prefix == "" {
		// Older records may predate the local prefix field; the job
		// resource still knows its destination.
		if job.OutputConfig != nil {
			prefix = job.OutputConfig.Destination.OutputURIPrefix
		}
		if prefix == "" {
			return nil, c.wrapErr("FetchOutput", fmt.Errorf("%w: job has no output prefix", backend.ErrMalformed))
		}
	}

	_, prefixKey, err := objstore.ParseURI(prefix)
	if err != nil {
		return nil, c.wrapErr("FetchOutput", fmt.Errorf("%w: %v", backend.ErrMalformed, err))
	}

	keys, err := c.store.ListKeys(ctx, prefixKey)
	if err != nil {
		return nil, c.wrapErr("FetchOutput", classifyStoreErr(err))
	}

	// Prefer the documents with the known output suffix; fall back to
	// everything under the prefix when the service named them differently.
	var preferred []string
	for _, k := range keys {
		if strings.HasSuffix(k, outputSuffix) {
			preferred = append(preferred, k)
		}
	}
	if len(preferred) == 0 {
		preferred = keys
	}
	if len(preferred) == 0 {
		return nil, c.wrapErr("FetchOutput", fmt.Errorf("%w: no output objects under %s", backend.ErrMalformed, prefix))
	}
	sort.Strings(preferred)

	var parts [][]byte
	for _, k := range preferred {
		b, err := c.store.Download(ctx, k)
		if err != nil {
			return nil, c.wrapErr("FetchOutput", classifyStoreErr(err))
		}
		parts = append(parts, bytes.TrimRight(b, "\n"))
	}
	return append(bytes.Join(parts, []byte("\n")), '\n'), nil
}

// getJob reads the job resource with transient retry.
func (c *Client) getJob(ctx context.Context, name string) ([]byte, error) {
	var raw []byte
	var permErr error
	err := c.rptr.Do(ctx, func() error {
		b, err := c.do(ctx, http.MethodGet, "/"+name, nil)
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
		return nil, permErr
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// do performs one HTTP call against the batch-prediction API.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", backend.ErrMalformed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
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

// classifyStoreErr maps objstore failures into the backend taxonomy.
func classifyStoreErr(err error) error {
	if objstore.IsNotFound(err) {
		return fmt.Errorf("%w: %v", backend.ErrMalformed, err)
	}
	return fmt.Errorf("%w: %v", backend.ErrTransport, err)
}

func (c *Client) wrapErr(op string, err error) error {
	return &backend.Error{Op: op, Backend: backend.KindStaged, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
