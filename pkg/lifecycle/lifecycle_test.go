package lifecycle

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gobatch/pkg/backend"
	"github.com/3leaps/gobatch/pkg/jobstore"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeBackend scripts remote behavior for manager tests. Statuses are
// consumed in order; the last entry repeats.
type fakeBackend struct {
	kind backend.Kind

	handle    *backend.Handle
	submitErr error

	statuses    []backend.Status
	statusErr   error
	statusCalls int

	output     []byte
	fetchErr   error
	fetchCalls int

	extractErr error
}

func (f *fakeBackend) Name() backend.Kind { return f.kind }

func (f *fakeBackend) SubmitOne(_ context.Context, _ backend.Request) (*backend.Handle, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.handle, nil
}

func (f *fakeBackend) RetrieveStatus(_ context.Context, _ *backend.Handle) (*backend.Status, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	i := f.statusCalls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	st := f.statuses[i]
	return &st, nil
}

func (f *fakeBackend) FetchOutput(_ context.Context, _ *backend.Handle) ([]byte, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.output, nil
}

func (f *fakeBackend) ExtractText(raw []byte, _ string) (string, error) {
	if f.extractErr != nil {
		return "", f.extractErr
	}
	return string(raw), nil
}

func fixedBackoff() Backoff {
	b := DefaultBackoff()
	b.RandFloat = func() float64 { return 0.5 } // centers the jitter
	return b
}

func newTestManager(t *testing.T, fb *fakeBackend) (*Manager, *jobstore.Store, *fakeClock) {
	t.Helper()
	store := jobstore.NewStore(t.TempDir())
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := New(store,
		map[jobstore.Backend]backend.Backend{jobstore.Backend(fb.kind.String()): fb},
		Defaults{Model: "m-default", MaxTokens: 4096},
		WithClock(clk),
		WithBackoff(fixedBackoff()),
	)
	return m, store, clk
}

func TestBackoffDelayGrowsToCap(t *testing.T) {
	b := fixedBackoff()

	var prev time.Duration
	for attempt := 0; attempt < 12; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, b.Floor, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.Cap, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink at attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, b.Cap, b.Delay(50))
}

func TestBackoffDelayJitterStaysInBand(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		b := DefaultBackoff()
		b.RandFloat = func() float64 { return r }
		d := b.Delay(2)
		center := float64(b.Base) * math.Pow(b.Factor, 2)
		assert.GreaterOrEqual(t, float64(d), center*(1-b.Jitter)-1)
		assert.LessOrEqual(t, float64(d), center*(1+b.Jitter)+1)
	}
}

func TestBackoffDelayFloor(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Factor: 2, Cap: time.Minute, Jitter: 0.25, Floor: time.Second}
	b.RandFloat = func() float64 { return 0 }
	assert.Equal(t, time.Second, b.Delay(0))
}

func TestSubmitCreatesRecord(t *testing.T) {
	fb := &fakeBackend{
		kind:   backend.KindDirect,
		handle: &backend.Handle{JobID: "batch_1", CorrelationID: "cc-1"},
	}
	m, store, clk := newTestManager(t, fb)

	rec, err := m.Submit(context.Background(), "hello", "deadbeef", "", SubmitOptions{Label: "exp-1"})
	require.NoError(t, err)

	assert.Equal(t, "batch_1", rec.JobID)
	assert.Equal(t, jobstore.BackendDirect, rec.Backend)
	assert.Equal(t, jobstore.StateSubmitted, rec.State)
	assert.Equal(t, "exp-1", rec.Label)
	assert.Equal(t, "deadbeef", rec.PacketSHA256)
	assert.Equal(t, clk.Now(), rec.NextPollAt, "new job is eligible for immediate polling")
	assert.Equal(t, 0, rec.Attempt)

	table, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, table, "batch_1")
	assert.FileExists(t, rec.MetaPath)
}

func TestSubmitSecondJobDoesNotOverwriteFirst(t *testing.T) {
	fb := &fakeBackend{
		kind:   backend.KindDirect,
		handle: &backend.Handle{JobID: "batch_1"},
	}
	m, store, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "a", "ha", "", SubmitOptions{})
	require.NoError(t, err)

	fb.handle = &backend.Handle{JobID: "batch_2"}
	_, err = m.Submit(context.Background(), "b", "hb", "", SubmitOptions{})
	require.NoError(t, err)

	table, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assert.Equal(t, "ha", table["batch_1"].PacketSHA256)
	assert.Equal(t, "hb", table["batch_2"].PacketSHA256)
}

func TestSubmitRejectsJobIDCollision(t *testing.T) {
	fb := &fakeBackend{
		kind:   backend.KindDirect,
		handle: &backend.Handle{JobID: "batch_1"},
	}
	m, _, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "a", "ha", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), "b", "hb", "", SubmitOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collision")
}

func TestResolveBackendSelection(t *testing.T) {
	direct := &fakeBackend{kind: backend.KindDirect}
	staged := &fakeBackend{kind: backend.KindStaged}

	t.Run("explicit selector wins", func(t *testing.T) {
		m := New(jobstore.NewStore(t.TempDir()), map[jobstore.Backend]backend.Backend{
			jobstore.BackendDirect: direct,
			jobstore.BackendStaged: staged,
		}, Defaults{})
		tag, b, err := m.resolveBackend("direct")
		require.NoError(t, err)
		assert.Equal(t, jobstore.BackendDirect, tag)
		assert.Same(t, backend.Backend(direct), b)
	})

	t.Run("auto prefers staged", func(t *testing.T) {
		m := New(jobstore.NewStore(t.TempDir()), map[jobstore.Backend]backend.Backend{
			jobstore.BackendDirect: direct,
			jobstore.BackendStaged: staged,
		}, Defaults{})
		tag, _, err := m.resolveBackend("auto")
		require.NoError(t, err)
		assert.Equal(t, jobstore.BackendStaged, tag)
	})

	t.Run("auto falls back to direct", func(t *testing.T) {
		m := New(jobstore.NewStore(t.TempDir()), map[jobstore.Backend]backend.Backend{
			jobstore.BackendDirect: direct,
		}, Defaults{})
		tag, _, err := m.resolveBackend("")
		require.NoError(t, err)
		assert.Equal(t, jobstore.BackendDirect, tag)
	})

	t.Run("nothing configured", func(t *testing.T) {
		m := New(jobstore.NewStore(t.TempDir()), map[jobstore.Backend]backend.Backend{}, Defaults{})
		_, _, err := m.resolveBackend("")
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("selector for unconfigured backend", func(t *testing.T) {
		m := New(jobstore.NewStore(t.TempDir()), map[jobstore.Backend]backend.Backend{
			jobstore.BackendDirect: direct,
		}, Defaults{})
		_, _, err := m.resolveBackend("staged")
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}

func TestSweepFetchesJobTerminalOnFirstCheck(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1", CorrelationID: "cc-1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("the answer"),
	}
	m, store, _ := newTestManager(t, fb)

	rec, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	done, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_1"}, done)
	assert.Equal(t, 1, fb.fetchCalls)

	table, err := store.Load()
	require.NoError(t, err)
	got := table["batch_1"]
	assert.Equal(t, jobstore.StateSucceeded, got.State)

	text, err := store.ReadResult(rec)
	require.NoError(t, err)
	assert.Equal(t, "the answer\n", text)
	assert.FileExists(t, store.RawPath("batch_1"))
}

func TestSweepBackoffUntilTerminal(t *testing.T) {
	fb := &fakeBackend{
		kind:   backend.KindStaged,
		handle: &backend.Handle{JobID: "projects/p/locations/l/batchPredictionJobs/7"},
		statuses: []backend.Status{
			{State: "JOB_STATE_PENDING"},
			{State: "JOB_STATE_RUNNING"},
			{State: "JOB_STATE_RUNNING"},
			{State: "JOB_STATE_SUCCEEDED", Terminal: true},
		},
		output: []byte("done"),
	}
	m, store, clk := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	var prevNext time.Time
	for i := 0; i < 3; i++ {
		done, err := m.Sweep(context.Background())
		require.NoError(t, err)
		assert.Empty(t, done)

		table, err := store.Load()
		require.NoError(t, err)
		rec := table["projects/p/locations/l/batchPredictionJobs/7"]
		assert.Equal(t, jobstore.StateRunning, rec.State)
		assert.Equal(t, i+1, rec.Attempt)
		assert.True(t, rec.NextPollAt.After(prevNext), "next_poll_at must advance")
		prevNext = rec.NextPollAt

		clk.now = rec.NextPollAt
	}
	assert.Equal(t, 0, fb.fetchCalls)

	done, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 1, fb.fetchCalls)
	assert.Equal(t, 4, fb.statusCalls)

	table, err := store.Load()
	require.NoError(t, err)
	rec := table["projects/p/locations/l/batchPredictionJobs/7"]
	assert.Equal(t, jobstore.StateSucceeded, rec.State)
	assert.Equal(t, 3, rec.Attempt, "attempt does not grow on the terminal poll")
}

func TestSweepSkipsJobsNotYetDue(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "in_progress"}},
	}
	m, _, clk := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fb.statusCalls)

	// next_poll_at is in the future now, so a second sweep is a no-op
	_, err = m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fb.statusCalls)

	clk.Advance(10 * time.Minute)
	_, err = m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fb.statusCalls)
}

func TestSweepSkipsTerminalJobs(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("x"),
	}
	m, _, clk := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	done, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, done, 1)

	clk.Advance(time.Hour)
	done, err = m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.Equal(t, 1, fb.statusCalls)
	assert.Equal(t, 1, fb.fetchCalls)
}

func TestSweepSwallowsAdapterErrors(t *testing.T) {
	fb := &fakeBackend{
		kind:      backend.KindDirect,
		handle:    &backend.Handle{JobID: "batch_1"},
		statusErr: &backend.Error{Op: "status", Backend: backend.KindDirect, Err: backend.ErrTransport},
	}
	m, store, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	done, err := m.Sweep(context.Background())
	require.NoError(t, err, "adapter failure must not abort the sweep")
	assert.Empty(t, done)

	table, err := store.Load()
	require.NoError(t, err)
	rec := table["batch_1"]
	assert.Equal(t, jobstore.StateSubmitted, rec.State, "state unchanged on adapter error")
	assert.Equal(t, 0, rec.Attempt, "attempt unchanged on adapter error")
	assert.True(t, rec.NextPollAt.After(rec.CreatedAt), "backoff still advances")
}

func TestSweepCorruptTableIsFatal(t *testing.T) {
	fb := &fakeBackend{kind: backend.KindDirect, handle: &backend.Handle{JobID: "batch_1"}}
	m, store, _ := newTestManager(t, fb)

	require.NoError(t, writeFile(t, filepath.Join(store.BaseDir(), "jobs.json"), "{nope"))

	_, err := m.Sweep(context.Background())
	require.Error(t, err)
	assert.True(t, jobstore.IsCorrupt(err))
}

func TestFetchBeforeTerminalFailsWithoutArtifact(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "in_progress"}},
		fetchErr: &backend.Error{Op: "results", Backend: backend.KindDirect, Err: backend.ErrNotReady},
	}
	m, store, _ := newTestManager(t, fb)

	rec, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "batch_1", false)
	require.Error(t, err)
	assert.True(t, backend.IsNotReady(err))
	assert.False(t, store.HasResult(rec))

	table, err := store.Load()
	require.NoError(t, err)
	assert.False(t, table["batch_1"].State.Terminal(), "not-ready fetch must not flip state")
}

func TestFetchIsIdempotent(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("cached text"),
	}
	m, _, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	first, err := m.Fetch(context.Background(), "batch_1", false)
	require.NoError(t, err)
	assert.Equal(t, "cached text", first)
	require.Equal(t, 1, fb.fetchCalls)

	second, err := m.Fetch(context.Background(), "batch_1", false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, fb.fetchCalls, "cached fetch must not hit the backend")
}

func TestFetchForceRefetches(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("v1"),
	}
	m, _, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "batch_1", false)
	require.NoError(t, err)

	fb.output = []byte("v2")
	text, err := m.Fetch(context.Background(), "batch_1", true)
	require.NoError(t, err)
	assert.Equal(t, "v2", text)
	assert.Equal(t, 2, fb.fetchCalls)
}

func TestFetchEmptyTextMarksFailed(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("   "),
	}
	m, store, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "batch_1", false)
	require.NoError(t, err)

	table, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, table["batch_1"].State)
}

func TestFetchMalformedOutputMarksFailed(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindStaged,
		handle:   &backend.Handle{JobID: "projects/p/locations/l/batchPredictionJobs/7"},
		statuses: []backend.Status{{State: "JOB_STATE_FAILED", Terminal: true}},
		fetchErr: &backend.Error{Op: "fetch", Backend: backend.KindStaged, Err: backend.ErrMalformed},
	}
	m, store, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "projects/p/locations/l/batchPredictionJobs/7", false)
	require.Error(t, err)
	assert.True(t, backend.IsMalformed(err))

	table, err := store.Load()
	require.NoError(t, err)
	rec := table["projects/p/locations/l/batchPredictionJobs/7"]
	assert.Equal(t, jobstore.StateFailed, rec.State)
}

func TestFetchUnknownJob(t *testing.T) {
	fb := &fakeBackend{kind: backend.KindDirect}
	m, _, _ := newTestManager(t, fb)

	_, err := m.Fetch(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestStatusDoesNotMutateRecord(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "in_progress"}},
	}
	m, store, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)
	before, err := store.Load()
	require.NoError(t, err)

	st, rec, err := m.Status(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", st.State)
	assert.False(t, st.Terminal)
	assert.Equal(t, "batch_1", rec.JobID)

	after, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, before["batch_1"].Attempt, after["batch_1"].Attempt)
	assert.Equal(t, before["batch_1"].NextPollAt, after["batch_1"].NextPollAt)
}

func TestListFiltersByState(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("y"),
	}
	m, _, clk := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "a", "ha", "", SubmitOptions{})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	fb.handle = &backend.Handle{JobID: "batch_2"}
	_, err = m.Submit(context.Background(), "b", "hb", "", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "batch_1", false)
	require.NoError(t, err)

	all, err := m.List("all")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "batch_2", all[0].JobID, "newest first")

	succ, err := m.List("succeeded")
	require.NoError(t, err)
	require.Len(t, succ, 1)
	assert.Equal(t, "batch_1", succ[0].JobID)
}

func TestLoopRunOnce(t *testing.T) {
	fb := &fakeBackend{
		kind:     backend.KindDirect,
		handle:   &backend.Handle{JobID: "batch_1"},
		statuses: []backend.Status{{State: "ended", Terminal: true}},
		output:   []byte("out"),
	}
	m, _, _ := newTestManager(t, fb)

	_, err := m.Submit(context.Background(), "q", "h", "", SubmitOptions{})
	require.NoError(t, err)

	loop := NewLoop(m, time.Minute, nil)
	done, err := loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_1"}, done)
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	fb := &fakeBackend{kind: backend.KindDirect}
	m, _, _ := newTestManager(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewLoop(m, 10*time.Millisecond, nil)
	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func writeFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0o644)
}
