// Package jobstore persists batch job records on local disk.
//
// Layout under the base directory:
//
//	<base>/jobs.json                     full job table, atomically rewritten
//	<base>/results/<safe_id>.md          rendered result text
//	<base>/results/<safe_id>.raw.jsonl   unmodified backend payload, for audit
//	<base>/results/<safe_id>.meta.json   per-job record mirror, advisory only
//
// The jobs.json table is the single source of truth. The meta mirror is a
// denormalized copy rebuilt on every mutation for cheap out-of-band
// inspection; it is never read back.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	jobsFilename = "jobs.json"
	resultsDir   = "results"

	// tableVersion is bumped on incompatible jobs.json schema changes.
	tableVersion = 1
)

// ErrCorrupt indicates the on-disk job table exists but cannot be decoded.
// Callers must treat it as fatal rather than as an empty registry: silently
// starting over would drop job history.
var ErrCorrupt = errors.New("job table corrupt")

// IsCorrupt reports whether err indicates an unreadable job table.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// tableFile is the jobs.json wire format.
type tableFile struct {
	Version int                   `json:"version"`
	Jobs    map[string]*JobRecord `json:"jobs"`
}

// Store reads and writes the job table and per-job artifacts.
type Store struct {
	base string
}

// NewStore creates a store rooted at the given base directory. The
// directory is created lazily on first write.
func NewStore(base string) *Store {
	return &Store{base: strings.TrimSpace(base)}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.base
}

// ResultsDir returns the directory holding per-job artifacts.
func (s *Store) ResultsDir() string {
	return filepath.Join(s.base, resultsDir)
}

func (s *Store) jobsPath() string {
	return filepath.Join(s.base, jobsFilename)
}

// SafeID maps a backend job id to a filesystem-safe name. Staged backend
// ids are hierarchical resource names containing slashes.
func SafeID(jobID string) string {
	return strings.ReplaceAll(jobID, "/", "_")
}

// ResultPath returns the deterministic result artifact location for a job.
func (s *Store) ResultPath(jobID string) string {
	return filepath.Join(s.ResultsDir(), SafeID(jobID)+".md")
}

// MetaPath returns the per-job metadata mirror location.
func (s *Store) MetaPath(jobID string) string {
	return filepath.Join(s.ResultsDir(), SafeID(jobID)+".meta.json")
}

// RawPath returns the location of the unmodified backend payload copy.
func (s *Store) RawPath(jobID string) string {
	return filepath.Join(s.ResultsDir(), SafeID(jobID)+".raw.jsonl")
}

func (s *Store) ensureDirs() error {
	if s.base == "" {
		return fmt.Errorf("job store base dir is empty")
	}
	if err := os.MkdirAll(s.ResultsDir(), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	return nil
}

// Load reads the full job table. A missing file yields an empty, valid
// table. An existing file that cannot be decoded yields ErrCorrupt.
func (s *Store) Load() (Table, error) {
	b, err := os.ReadFile(s.jobsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Table{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.jobsPath(), err)
	}

	var f tableFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.jobsPath(), err)
	}
	if f.Jobs == nil {
		return Table{}, nil
	}
	return Table(f.Jobs), nil
}

// Save atomically rewrites the full job table. The write goes to a
// temporary file in the same directory, is flushed to disk, and is renamed
// into place so a crash never leaves a half-written table.
func (s *Store) Save(t Table) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}

	f := tableFile{Version: tableVersion, Jobs: t}
	b, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job table: %w", err)
	}
	b = append(b, '\n')

	return atomicWrite(s.base, s.jobsPath(), b)
}

// Put upserts one record into the table, persists the table, and rebuilds
// the record's metadata mirror.
func (s *Store) Put(rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(rec.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}

	t, err := s.Load()
	if err != nil {
		return err
	}
	t[rec.JobID] = rec
	if err := s.Save(t); err != nil {
		return err
	}
	return s.WriteMeta(rec)
}

// WriteMeta rebuilds the advisory per-job metadata mirror from the record.
func (s *Store) WriteMeta(rec *JobRecord) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job meta: %w", err)
	}
	b = append(b, '\n')
	path := rec.MetaPath
	if path == "" {
		path = s.MetaPath(rec.JobID)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write job meta: %w", err)
	}
	return nil
}

// WriteResult writes the rendered result artifact for a job.
func (s *Store) WriteResult(rec *JobRecord, text string) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	path := rec.ResultPath
	if path == "" {
		path = s.ResultPath(rec.JobID)
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// ReadResult returns the result artifact contents, or os.ErrNotExist
// when no artifact has been written yet.
func (s *Store) ReadResult(rec *JobRecord) (string, error) {
	path := rec.ResultPath
	if path == "" {
		path = s.ResultPath(rec.JobID)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HasResult reports whether a result artifact exists for the record.
func (s *Store) HasResult(rec *JobRecord) bool {
	path := rec.ResultPath
	if path == "" {
		path = s.ResultPath(rec.JobID)
	}
	_, err := os.Stat(path)
	return err == nil
}

// WriteRaw persists the unmodified backend payload before any
// transformation is applied.
func (s *Store) WriteRaw(rec *JobRecord, raw []byte) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	if err := os.WriteFile(s.RawPath(rec.JobID), raw, 0o644); err != nil {
		return fmt.Errorf("write raw payload: %w", err)
	}
	return nil
}

// atomicWrite writes data to path via a temp file in dir with a
// best-effort fsync before rename.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	// best-effort flush; rename ordering still protects the old table
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
