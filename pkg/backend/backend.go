// Package backend defines the capability set shared by the two remote
// batch services.
//
// Implementations submit exactly one logical request as a batch of size
// one, report remote lifecycle state, and retrieve output once the remote
// job is terminal. Text extraction is a pure transformation with no I/O so
// it can be exercised against captured payloads.
package backend

import "context"

// Kind identifies a backend implementation.
type Kind string

const (
	// KindDirect submits inline over REST and streams results back.
	KindDirect Kind = "direct"

	// KindStaged exchanges input and output through an object store.
	KindStaged Kind = "staged"
)

// String returns the string representation of the backend kind.
func (k Kind) String() string {
	return string(k)
}

// Request is one logical unit of work to submit.
type Request struct {
	// Packet is the full prompt text.
	Packet string

	// Model is the model name understood by the remote service.
	Model string

	// MaxTokens bounds the response length.
	MaxTokens int

	// Thinking optionally enables extended reasoning where the service
	// supports it.
	Thinking *Thinking

	// Label is an optional human-assigned tag, forwarded where the remote
	// service accepts a display name.
	Label string
}

// Thinking configures extended reasoning pass-through.
type Thinking struct {
	// BudgetTokens caps reasoning tokens. Zero leaves the budget to the
	// service default.
	BudgetTokens int
}

// Handle carries everything needed to poll and fetch one submission.
// Fields beyond JobID are backend-specific and zero for the other kind.
type Handle struct {
	// JobID is the backend-assigned identifier for the remote batch.
	JobID string

	// CorrelationID tags the single contained request so its result can be
	// found in a multi-entry output stream (direct backend).
	CorrelationID string

	// Staged backend coordinates fixed at submission time.
	Project      string
	Location     string
	InputURI     string
	OutputPrefix string
}

// Status is the normalized result of one remote status read.
type Status struct {
	// State is the backend-native lifecycle string, e.g. "in_progress" or
	// "JOB_STATE_RUNNING".
	State string

	// Terminal reports whether the remote job has finished, successfully
	// or not. Output may be fetched only once this is true.
	Terminal bool

	// Raw is the full remote response body, retained for inspection.
	Raw []byte
}

// Backend is the capability set the lifecycle manager depends on. The
// manager never branches on backend specifics beyond initial selection.
type Backend interface {
	// Name returns the backend kind.
	Name() Kind

	// SubmitOne sends exactly one logical request as a batch of size one.
	// The caller guarantees non-duplication by calling it once per job
	// record creation.
	SubmitOne(ctx context.Context, req Request) (*Handle, error)

	// RetrieveStatus is a cheap, idempotent, side-effect-free read of the
	// remote job state. Transient network failure surfaces as ErrTransport,
	// distinct from ErrNotFound.
	RetrieveStatus(ctx context.Context, h *Handle) (*Status, error)

	// FetchOutput returns the raw backend-native payload. It is valid only
	// once the status is terminal; calling earlier fails with ErrNotReady,
	// never partial data.
	FetchOutput(ctx context.Context, h *Handle) ([]byte, error)

	// ExtractText renders the raw payload to plain text. Pure, no I/O.
	// For the direct backend the payload is filtered to correlationID; the
	// staged backend's output is already scoped to one submission.
	ExtractText(raw []byte, correlationID string) (string, error)
}
