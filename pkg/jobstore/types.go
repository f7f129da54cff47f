package jobstore

import (
	"sort"
	"time"
)

// Backend identifies which remote batch service owns a job.
//
// NOTE: These values are persisted in jobs.json and are part of the stable
// on-disk contract.
type Backend string

const (
	// BackendDirect is the direct batch-REST service.
	BackendDirect Backend = "direct"

	// BackendStaged is the storage-mediated batch-prediction service:
	// input is staged to an object store and output is read back from it.
	BackendStaged Backend = "staged"
)

// String returns the string representation of the backend tag.
func (b Backend) String() string {
	return string(b)
}

// State is the local lifecycle state of a batch job.
//
// Transitions are monotonic: submitted -> running -> {succeeded, failed}.
// Terminal states never change again.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobRecord is the persistent record for one submitted batch job.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	// JobID is the backend-assigned identifier. For the staged backend this
	// is a hierarchical resource name; for the direct backend an opaque
	// batch id. Unique across the store.
	JobID   string  `json:"job_id"`
	Backend Backend `json:"backend"`

	// Label is an optional human-assigned tag, immutable after creation.
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`

	// PacketSHA256 is the content hash of the submitted input, for
	// dedup and audit.
	PacketSHA256 string `json:"packet_sha256"`

	// ResultPath and MetaPath are the deterministic local locations of the
	// rendered result and the per-job metadata mirror.
	ResultPath string `json:"result_path"`
	MetaPath   string `json:"meta_path"`

	// Attempt counts polling cycles that have not reached a terminal state.
	// Used only for backoff scaling.
	Attempt int `json:"attempt"`

	// NextPollAt is the earliest time the next status check may occur.
	NextPollAt time.Time `json:"next_poll_at"`

	// CorrelationID is the submitted custom id for the direct backend. The
	// results stream may carry entries for other submissions, so output is
	// filtered by this id.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Staged backend coordinates assigned at submission time.
	Project      string `json:"project,omitempty"`
	Location     string `json:"location,omitempty"`
	InputURI     string `json:"input_uri,omitempty"`
	OutputPrefix string `json:"output_prefix,omitempty"`
}

// Due reports whether the record is eligible for polling at the given time.
func (r *JobRecord) Due(now time.Time) bool {
	if r.NextPollAt.IsZero() {
		return true
	}
	return !now.Before(r.NextPollAt)
}

// Table is the full in-memory job registry, keyed by job id.
type Table map[string]*JobRecord

// Sorted returns the table's records newest-first. Ties break on job id so
// the order is stable across loads.
func (t Table) Sorted() []*JobRecord {
	out := make([]*JobRecord, 0, len(t))
	for _, r := range t {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
