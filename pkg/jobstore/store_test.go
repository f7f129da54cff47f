package jobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingReturnsEmptyTable(t *testing.T) {
	s := NewStore(t.TempDir())

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	rec := &JobRecord{
		JobID:         "msgbatch_01abc",
		Backend:       BackendDirect,
		Label:         "demo",
		CreatedAt:     now,
		State:         StateSubmitted,
		PacketSHA256:  "deadbeef",
		ResultPath:    s.ResultPath("msgbatch_01abc"),
		MetaPath:      s.MetaPath("msgbatch_01abc"),
		NextPollAt:    now,
		CorrelationID: "cc-1",
	}

	require.NoError(t, s.Save(Table{rec.JobID: rec}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.JobID, got[rec.JobID].JobID)
	assert.Equal(t, BackendDirect, got[rec.JobID].Backend)
	assert.Equal(t, StateSubmitted, got[rec.JobID].State)
	assert.Equal(t, "cc-1", got[rec.JobID].CorrelationID)
	assert.True(t, got[rec.JobID].NextPollAt.Equal(now))
}

func TestStore_SecondSaveIsByteIdentical(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	table := Table{
		"b": {JobID: "b", Backend: BackendDirect, State: StateRunning, CreatedAt: now},
		"a": {JobID: "a", Backend: BackendStaged, State: StateSubmitted, CreatedAt: now},
	}
	require.NoError(t, s.Save(table))
	first, err := os.ReadFile(filepath.Join(s.BaseDir(), "jobs.json"))
	require.NoError(t, err)

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(loaded))
	second, err := os.ReadFile(filepath.Join(s.BaseDir(), "jobs.json"))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestStore_CorruptTableIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs.json"), []byte("{not json"), 0o644))

	s := NewStore(dir)
	_, err := s.Load()
	require.Error(t, err)
	assert.True(t, IsCorrupt(err), "corrupt table must not be treated as empty: %v", err)
}

func TestStore_PartialTempWriteDoesNotCorruptTable(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(Table{"a": {JobID: "a", Backend: BackendDirect, State: StateRunning, CreatedAt: now}}))

	// Simulate a crash between temp write and rename: a stray temp file
	// with garbage content must not affect the committed table.
	stray := filepath.Join(s.BaseDir(), "jobs.json.tmp.crashed")
	require.NoError(t, os.WriteFile(stray, []byte("{\"version\":1,\"jo"), 0o644))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got["a"].JobID)
}

func TestStore_PutWritesMetaMirror(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	rec := &JobRecord{
		JobID:     "projects/p1/locations/us/batchPredictionJobs/123",
		Backend:   BackendStaged,
		State:     StateSubmitted,
		CreatedAt: now,
	}
	rec.ResultPath = s.ResultPath(rec.JobID)
	rec.MetaPath = s.MetaPath(rec.JobID)

	require.NoError(t, s.Put(rec))

	// Hierarchical ids are flattened for the filesystem.
	assert.NotContains(t, filepath.Base(rec.MetaPath), "/")
	b, err := os.ReadFile(rec.MetaPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "projects/p1/locations/us/batchPredictionJobs/123")

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStore_ResultArtifacts(t *testing.T) {
	s := NewStore(t.TempDir())
	rec := &JobRecord{JobID: "msgbatch_02", Backend: BackendDirect}
	rec.ResultPath = s.ResultPath(rec.JobID)

	assert.False(t, s.HasResult(rec))
	_, err := s.ReadResult(rec)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.WriteRaw(rec, []byte(`{"custom_id":"cc-1"}`)))
	require.NoError(t, s.WriteResult(rec, "the answer"))

	assert.True(t, s.HasResult(rec))
	got, err := s.ReadResult(rec)
	require.NoError(t, err)
	assert.Equal(t, "the answer\n", got)

	raw, err := os.ReadFile(s.RawPath(rec.JobID))
	require.NoError(t, err)
	assert.Equal(t, `{"custom_id":"cc-1"}`, string(raw))
}

func TestTable_SortedNewestFirst(t *testing.T) {
	t1 := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	table := Table{
		"old": {JobID: "old", CreatedAt: t1},
		"new": {JobID: "new", CreatedAt: t2},
	}

	got := table.Sorted()
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].JobID)
	assert.Equal(t, "old", got[1].JobID)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StateSubmitted.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
}
