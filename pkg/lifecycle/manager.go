// Package lifecycle owns the per-job state machine: submit, poll, fetch,
// terminal. It coordinates the durable store and the backend adapters and
// applies backoff scheduling between status checks.
//
// The manager depends only on the backend capability set; beyond initial
// selection it never branches on which service a job belongs to.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gobatch/pkg/backend"
	"github.com/3leaps/gobatch/pkg/jobstore"
)

// Sentinel errors for lifecycle operations.
var (
	// ErrUnknownJob indicates the job id is not in the local registry.
	ErrUnknownJob = errors.New("unknown job id")

	// ErrNotConfigured indicates no backend (or not the requested one) has
	// complete configuration.
	ErrNotConfigured = errors.New("backend not configured")
)

// Selector values accepted by Submit.
const (
	SelectAuto = "auto"
)

// Defaults are the request parameters applied when a submission does not
// override them.
type Defaults struct {
	Model     string
	MaxTokens int
	Thinking  *backend.Thinking
}

// SubmitOptions carries per-submission overrides of the defaults.
type SubmitOptions struct {
	Label     string
	Model     string
	MaxTokens int
	Thinking  *backend.Thinking
}

// Manager drives job records through the state machine. It is not safe
// for concurrent use within one process; concurrent separate processes
// are protected by the store's atomic-rename discipline.
type Manager struct {
	store    *jobstore.Store
	backends map[jobstore.Backend]backend.Backend
	defaults Defaults
	backoff  Backoff
	clock    Clock
	log      *zap.Logger
	limiter  *rate.Limiter
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithBackoff replaces the poll schedule.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithLogger sets the manager's logger. Default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRateLimit bounds remote status reads during a sweep to perSec
// requests per second. Zero or negative disables limiting.
func WithRateLimit(perSec float64) Option {
	return func(m *Manager) {
		if perSec > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// New creates a Manager over the store and the configured backends. Only
// backends whose configuration was complete should be present in the map.
func New(store *jobstore.Store, backends map[jobstore.Backend]backend.Backend, defaults Defaults, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		backends: backends,
		defaults: defaults,
		backoff:  DefaultBackoff(),
		clock:    systemClock{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// resolveBackend picks the adapter for a submission: explicit selector
// first, otherwise the staged backend when configured, else the direct
// one. Auto-selection with nothing configured is a hard configuration
// error.
func (m *Manager) resolveBackend(selector string) (jobstore.Backend, backend.Backend, error) {
	selector = strings.ToLower(strings.TrimSpace(selector))
	if selector != "" && selector != SelectAuto {
		tag := jobstore.Backend(selector)
		b, ok := m.backends[tag]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrNotConfigured, selector)
		}
		return tag, b, nil
	}

	if b, ok := m.backends[jobstore.BackendStaged]; ok {
		return jobstore.BackendStaged, b, nil
	}
	if b, ok := m.backends[jobstore.BackendDirect]; ok {
		return jobstore.BackendDirect, b, nil
	}
	return "", nil, fmt.Errorf("%w: no backend credentials found", ErrNotConfigured)
}

// Submit hashes the packet, submits it as a batch of one, and persists a
// new submitted record eligible for immediate polling.
func (m *Manager) Submit(ctx context.Context, packet, packetSHA256, selector string, opts SubmitOptions) (*jobstore.JobRecord, error) {
	tag, b, err := m.resolveBackend(selector)
	if err != nil {
		return nil, err
	}

	req := backend.Request{
		Packet:    packet,
		Model:     m.defaults.Model,
		MaxTokens: m.defaults.MaxTokens,
		Thinking:  m.defaults.Thinking,
		Label:     opts.Label,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Thinking != nil {
		req.Thinking = opts.Thinking
	}

	h, err := b.SubmitOne(ctx, req)
	if err != nil {
		return nil, err
	}

	table, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if _, exists := table[h.JobID]; exists {
		return nil, fmt.Errorf("job id collision: %s already tracked", h.JobID)
	}

	now := m.clock.Now()
	rec := &jobstore.JobRecord{
		JobID:         h.JobID,
		Backend:       tag,
		Label:         opts.Label,
		CreatedAt:     now,
		State:         jobstore.StateSubmitted,
		PacketSHA256:  packetSHA256,
		ResultPath:    m.store.ResultPath(h.JobID),
		MetaPath:      m.store.MetaPath(h.JobID),
		NextPollAt:    now,
		CorrelationID: h.CorrelationID,
		Project:       h.Project,
		Location:      h.Location,
		InputURI:      h.InputURI,
		OutputPrefix:  h.OutputPrefix,
	}

	table[rec.JobID] = rec
	if err := m.store.Save(table); err != nil {
		return nil, err
	}
	if err := m.store.WriteMeta(rec); err != nil {
		m.log.Warn("meta mirror write failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	return rec, nil
}

// Get returns the record for a job id.
func (m *Manager) Get(jobID string) (*jobstore.JobRecord, error) {
	table, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := table[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return rec, nil
}

// List returns known records newest-first, optionally filtered by state
// ("all" or empty disables the filter).
func (m *Manager) List(state string) ([]*jobstore.JobRecord, error) {
	table, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	all := table.Sorted()
	if state == "" || state == "all" {
		return all, nil
	}
	out := make([]*jobstore.JobRecord, 0, len(all))
	for _, rec := range all {
		if rec.State == jobstore.State(state) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Status performs a direct remote status read for one job, without
// mutating local state.
func (m *Manager) Status(ctx context.Context, jobID string) (*backend.Status, *jobstore.JobRecord, error) {
	rec, err := m.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	b, ok := m.backends[rec.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotConfigured, rec.Backend)
	}
	st, err := b.RetrieveStatus(ctx, handleOf(rec))
	if err != nil {
		return nil, rec, err
	}
	return st, rec, nil
}

// Fetch returns the job's result text. If a local artifact exists and
// force is false, it is returned without any remote call. Otherwise the
// output is downloaded (the adapter fails with ErrNotReady when the
// remote job is not terminal yet), the raw payload is persisted for
// audit, and the extracted text decides the terminal state. This is the
// single place a record reaches succeeded or failed.
func (m *Manager) Fetch(ctx context.Context, jobID string, force bool) (string, error) {
	table, err := m.store.Load()
	if err != nil {
		return "", err
	}
	rec, ok := table[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return m.fetchRecord(ctx, table, rec, force)
}

func (m *Manager) fetchRecord(ctx context.Context, table jobstore.Table, rec *jobstore.JobRecord, force bool) (string, error) {
	if !force {
		if text, err := m.store.ReadResult(rec); err == nil {
			return strings.TrimSuffix(text, "\n"), nil
		}
	}

	b, ok := m.backends[rec.Backend]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotConfigured, rec.Backend)
	}

	raw, err := b.FetchOutput(ctx, handleOf(rec))
	if err != nil {
		if backend.IsMalformed(err) {
			// Terminal remote job whose output cannot be retrieved in the
			// expected shape: record the failure rather than retry forever.
			m.markTerminal(table, rec, "")
			return "", err
		}
		return "", err
	}

	if werr := m.store.WriteRaw(rec, raw); werr != nil {
		return "", werr
	}

	text, err := b.ExtractText(raw, rec.CorrelationID)
	if err != nil {
		m.markTerminal(table, rec, "")
		return "", err
	}

	m.markTerminal(table, rec, text)
	return text, nil
}

// markTerminal writes the result artifact and flips the record to its
// terminal state: succeeded on non-empty text, failed otherwise.
func (m *Manager) markTerminal(table jobstore.Table, rec *jobstore.JobRecord, text string) {
	if err := m.store.WriteResult(rec, text); err != nil {
		m.log.Warn("result write failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	if strings.TrimSpace(text) != "" {
		rec.State = jobstore.StateSucceeded
	} else {
		rec.State = jobstore.StateFailed
	}
	if err := m.store.Save(table); err != nil {
		m.log.Warn("table save failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	if err := m.store.WriteMeta(rec); err != nil {
		m.log.Warn("meta mirror write failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

// Sweep visits every known job, skips terminal ones and ones whose
// next_poll_at has not arrived, polls the rest, and returns the ids that
// became terminal this cycle. Per-job errors are swallowed after
// advancing that job's backoff so they never abort the sweep.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	table, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	var completed []string
	for _, rec := range table.Sorted() {
		if rec.State.Terminal() {
			continue
		}
		now := m.clock.Now()
		if !rec.Due(now) {
			continue
		}

		b, ok := m.backends[rec.Backend]
		if !ok {
			m.log.Warn("job backend not configured, skipping", zap.String("job_id", rec.JobID), zap.String("backend", rec.Backend.String()))
			continue
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return completed, err
			}
		}

		st, err := b.RetrieveStatus(ctx, handleOf(rec))
		if err != nil {
			// Swallow and retry next cycle: backoff advances, attempt and
			// state stay put.
			m.log.Warn("status check failed", zap.String("job_id", rec.JobID), zap.Error(err))
			m.advanceBackoff(table, rec, false)
			continue
		}

		if st.Terminal {
			if _, err := m.fetchRecord(ctx, table, rec, false); err != nil && !rec.State.Terminal() {
				m.log.Warn("fetch failed", zap.String("job_id", rec.JobID), zap.Error(err))
				m.advanceBackoff(table, rec, false)
				continue
			}
			completed = append(completed, rec.JobID)
			continue
		}

		rec.State = jobstore.StateRunning
		m.advanceBackoff(table, rec, true)
	}

	return completed, nil
}

// advanceBackoff recomputes next_poll_at from the current attempt count
// and persists the record. The attempt counter only grows on a clean
// non-terminal poll.
func (m *Manager) advanceBackoff(table jobstore.Table, rec *jobstore.JobRecord, countAttempt bool) {
	delay := m.backoff.Delay(rec.Attempt)
	if countAttempt {
		rec.Attempt++
	}
	rec.NextPollAt = m.clock.Now().Add(delay)
	if err := m.store.Save(table); err != nil {
		m.log.Warn("table save failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	if err := m.store.WriteMeta(rec); err != nil {
		m.log.Warn("meta mirror write failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

func handleOf(rec *jobstore.JobRecord) *backend.Handle {
	return &backend.Handle{
		JobID:         rec.JobID,
		CorrelationID: rec.CorrelationID,
		Project:       rec.Project,
		Location:      rec.Location,
		InputURI:      rec.InputURI,
		OutputPrefix:  rec.OutputPrefix,
	}
}
