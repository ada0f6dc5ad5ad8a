package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

type fakeProcess struct {
	exit  chan ExitStatus
	once  sync.Once
	kills atomic.Int32
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan ExitStatus, 1)}
}

func (p *fakeProcess) Wait() (ExitStatus, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.finish(ExitStatus{ExitCode: -1})
	return nil
}

func (p *fakeProcess) finish(status ExitStatus) {
	p.once.Do(func() { p.exit <- status })
}

type fakeSpawner struct {
	mu       sync.Mutex
	argv     [][]string
	opts     []SpawnOptions
	err      error
	autoExit *ExitStatus
	spawned  chan *fakeProcess

	// entered and gate, when set, hold Spawn open until the test releases it
	entered chan struct{}
	gate    chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(chan *fakeProcess, 16)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error) {
	if s.gate != nil {
		close(s.entered)
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.argv = append(s.argv, argv)
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}

	p := newFakeProcess()
	if s.autoExit != nil {
		p.finish(*s.autoExit)
	}
	s.spawned <- p
	return p, nil
}

func (s *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-s.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("process was never spawned")
		return nil
	}
}

type summaryRecorder struct {
	mu        sync.Mutex
	summaries []Summary
}

func (r *summaryRecorder) record(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *summaryRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.summaries {
		if s.ID == id {
			n++
		}
	}
	return n
}

func (r *summaryRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.summaries)
}

func createTestManager(t *testing.T, spawner Spawner, connectors ...Connector) (*Manager, *Store, *summaryRecorder) {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "jobs"), zerolog.Nop())
	require.NoError(t, err)

	mgr, err := NewManager(Config{
		Store:          store,
		Spawner:        spawner,
		Connectors:     connectors,
		DefaultTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	recorder := &summaryRecorder{}
	mgr.OnJobComplete(recorder.record)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	return mgr, store, recorder
}

func waitTerminal(t *testing.T, mgr *Manager, id string) *Job {
	t.Helper()
	job, err := mgr.GetJobResult(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	require.True(t, job.Status.IsTerminal(), "job %s still %s", id, job.Status)
	return job
}

// Tests

func TestManager_StartJobCompletes(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.autoExit = &ExitStatus{ExitCode: 0, Stdout: "hello\n"}
	mgr, _, recorder := createTestManager(t, spawner)

	job, err := mgr.StartJob(context.Background(), StartRequest{
		SessionID: "s1",
		Command:   "echo hello",
		Input:     map[string]any{"name": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, DefaultConnectorName, job.ConnectorName)
	assert.NotEmpty(t, job.ID)

	done := waitTerminal(t, mgr, job.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "hello\n", done.Result.Stdout)
	assert.Nil(t, done.Error)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	assert.Eventually(t, func() bool { return recorder.count(job.ID) == 1 }, time.Second, 5*time.Millisecond)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Len(t, spawner.argv, 1)
	assert.Equal(t, []string{"sh", "-c", "echo hello"}, spawner.argv[0])
	assert.Equal(t, job.ID, spawner.opts[0].Env["RANYA_JOB_ID"])
	assert.Equal(t, "s1", spawner.opts[0].Env["RANYA_SESSION_ID"])

	var input map[string]any
	require.NoError(t, json.Unmarshal(spawner.opts[0].Stdin, &input))
	assert.Equal(t, "world", input["name"])
}

func TestManager_NonZeroExitFails(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.autoExit = &ExitStatus{ExitCode: 3, Stderr: "boom"}
	mgr, _, recorder := createTestManager(t, spawner)

	job, err := mgr.StartJob(context.Background(), StartRequest{Command: "false"})
	require.NoError(t, err)

	done := waitTerminal(t, mgr, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, CodeExitStatus, done.Error.Code)
	require.NotNil(t, done.Result)
	assert.Equal(t, 3, done.Result.ExitCode)

	assert.Eventually(t, func() bool { return recorder.len() == 1 }, time.Second, 5*time.Millisecond)
	recorder.mu.Lock()
	assert.Contains(t, recorder.summaries[0].Text, "boom")
	recorder.mu.Unlock()
}

func TestManager_SpawnFailure(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.err = errors.New("no such file")
	mgr, _, recorder := createTestManager(t, spawner)

	job, err := mgr.StartJob(context.Background(), StartRequest{Command: "missing"})
	require.NoError(t, err)

	done := waitTerminal(t, mgr, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, CodeSpawnFailed, done.Error.Code)
	assert.Eventually(t, func() bool { return recorder.count(job.ID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_TimeoutKillsOnce(t *testing.T) {
	spawner := newFakeSpawner()
	mgr, _, recorder := createTestManager(t, spawner)

	job, err := mgr.StartJob(context.Background(), StartRequest{
		Command: "sleep 5",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), job.TimeoutMs)

	proc := spawner.next(t)

	done := waitTerminal(t, mgr, job.ID)
	assert.Equal(t, StatusTimeout, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, CodeTimeout, done.Error.Code)

	// The killed process exiting must not produce a second transition
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), proc.kills.Load())
	assert.Equal(t, 1, recorder.count(job.ID))

	latest, err := mgr.GetJobResult(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, latest.Status)
}

func TestManager_CancelJob(t *testing.T) {
	spawner := newFakeSpawner()
	mgr, store, recorder := createTestManager(t, spawner)
	ctx := context.Background()

	job, err := mgr.StartJob(ctx, StartRequest{Command: "sleep 60"})
	require.NoError(t, err)
	proc := spawner.next(t)

	cancelled, err := mgr.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, int32(1), proc.kills.Load())

	done, err := mgr.GetJobResult(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Eventually(t, func() bool { return recorder.count(job.ID) == 1 }, time.Second, 5*time.Millisecond)

	t.Run("terminal job is left untouched", func(t *testing.T) {
		path := filepath.Join(store.Dir(), job.ID+".json")
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		again, err := mgr.CancelJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, again)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Equal(t, 1, recorder.count(job.ID))
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := mgr.CancelJob(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestManager_CancelPendingJob(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel while spawn is in progress", func(t *testing.T) {
		spawner := newFakeSpawner()
		spawner.entered = make(chan struct{})
		spawner.gate = make(chan struct{})
		mgr, _, recorder := createTestManager(t, spawner)

		job, err := mgr.StartJob(ctx, StartRequest{Command: "sleep 60"})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, job.Status)
		<-spawner.entered

		result := make(chan bool, 1)
		go func() {
			cancelled, err := mgr.CancelJob(ctx, job.ID)
			assert.NoError(t, err)
			result <- cancelled
		}()
		time.Sleep(20 * time.Millisecond)
		close(spawner.gate)

		assert.True(t, <-result)
		proc := spawner.next(t)
		assert.Equal(t, int32(1), proc.kills.Load())

		done := waitTerminal(t, mgr, job.ID)
		assert.Equal(t, StatusCancelled, done.Status)
		assert.Nil(t, done.Result)
		assert.Eventually(t, func() bool { return recorder.count(job.ID) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("cancel straight after start", func(t *testing.T) {
		spawner := newFakeSpawner()
		mgr, _, recorder := createTestManager(t, spawner)

		const rounds = 50
		ids := make([]string, 0, rounds)
		for i := 0; i < rounds; i++ {
			job, err := mgr.StartJob(ctx, StartRequest{Command: "sleep 60"})
			require.NoError(t, err)

			cancelled, err := mgr.CancelJob(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, cancelled)
			ids = append(ids, job.ID)

			// a process spawned before the cancel landed must have been killed
			select {
			case proc := <-spawner.spawned:
				assert.Equal(t, int32(1), proc.kills.Load())
			default:
			}
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		assert.Zero(t, mgr.Shutdown(shutdownCtx))

		for _, id := range ids {
			done := waitTerminal(t, mgr, id)
			assert.Equal(t, StatusCancelled, done.Status)
			assert.Equal(t, 1, recorder.count(id))
		}
		assert.Equal(t, rounds, recorder.len())
	})
}

func TestManager_ExitRacesCancel(t *testing.T) {
	spawner := newFakeSpawner()
	mgr, _, recorder := createTestManager(t, spawner)
	ctx := context.Background()

	const rounds = 50
	outcomes := make(map[string]bool, rounds)
	for i := 0; i < rounds; i++ {
		job, err := mgr.StartJob(ctx, StartRequest{Command: "true"})
		require.NoError(t, err)
		proc := spawner.next(t)

		var (
			wg        sync.WaitGroup
			cancelled bool
			cancelErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			proc.finish(ExitStatus{ExitCode: 0, Stdout: "ok\n"})
		}()
		go func() {
			defer wg.Done()
			<-start
			cancelled, cancelErr = mgr.CancelJob(ctx, job.ID)
		}()
		close(start)
		wg.Wait()
		require.NoError(t, cancelErr)
		outcomes[job.ID] = cancelled
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.Zero(t, mgr.Shutdown(shutdownCtx))

	for id, cancelled := range outcomes {
		done := waitTerminal(t, mgr, id)
		if cancelled {
			assert.Equal(t, StatusCancelled, done.Status, "job %s", id)
		} else {
			assert.Equal(t, StatusCompleted, done.Status, "job %s", id)
			require.NotNil(t, done.Result)
			assert.Equal(t, 0, done.Result.ExitCode)
		}
		assert.Equal(t, 1, recorder.count(id), "job %s", id)
	}
	assert.Equal(t, rounds, recorder.len())
}

func TestManager_CancelUntrackedRecord(t *testing.T) {
	mgr, store, recorder := createTestManager(t, newFakeSpawner())

	stale := &Job{
		ID:            "stale-1",
		ConnectorName: DefaultConnectorName,
		Command:       "sleep 1",
		Status:        StatusRunning,
		CreatedAt:     time.Now(),
		TimeoutMs:     1000,
	}
	require.NoError(t, store.Save(stale))

	cancelled, err := mgr.CancelJob(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	stored, err := store.Read(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, 1, recorder.count(stale.ID))
}

func TestManager_ShutdownCancelsRunning(t *testing.T) {
	spawner := newFakeSpawner()
	mgr, store, recorder := createTestManager(t, spawner)
	ctx := context.Background()

	var ids []string
	var procs []*fakeProcess
	for i := 0; i < 3; i++ {
		job, err := mgr.StartJob(ctx, StartRequest{Command: "sleep 60"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		procs = append(procs, spawner.next(t))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.Equal(t, 3, mgr.Shutdown(shutdownCtx))

	for i, id := range ids {
		stored, err := store.Read(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, stored.Status)
		assert.Equal(t, int32(1), procs[i].kills.Load())
		assert.Equal(t, 1, recorder.count(id))
	}
	assert.Equal(t, 0, mgr.RunningCount())

	_, err := mgr.StartJob(ctx, StartRequest{Command: "echo late"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_CancelSessionJobs(t *testing.T) {
	spawner := newFakeSpawner()
	mgr, _, _ := createTestManager(t, spawner)
	ctx := context.Background()

	a, err := mgr.StartJob(ctx, StartRequest{SessionID: "a", Command: "sleep 60"})
	require.NoError(t, err)
	spawner.next(t)
	b, err := mgr.StartJob(ctx, StartRequest{SessionID: "b", Command: "sleep 60"})
	require.NoError(t, err)
	spawner.next(t)

	assert.Equal(t, 1, mgr.CancelSessionJobs(ctx, "a"))

	jobA, err := mgr.GetJobResult(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, jobA.Status)

	jobB, err := mgr.GetJobResult(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, jobB.Status)

	listed, err := mgr.ListJobs("b")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, b.ID, listed[0].ID)
}

func TestManager_StartJobValidation(t *testing.T) {
	mgr, _, _ := createTestManager(t, newFakeSpawner())
	ctx := context.Background()

	t.Run("unknown connector", func(t *testing.T) {
		_, err := mgr.StartJob(ctx, StartRequest{Connector: "nope", Command: "x"})
		assert.ErrorIs(t, err, ErrConnectorNotFound)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := mgr.StartJob(ctx, StartRequest{Command: "   "})
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})
}

func TestManager_TimeoutPrecedence(t *testing.T) {
	mgr, _, _ := createTestManager(t, newFakeSpawner(),
		Connector{Name: "slow", Command: []string{"bash", "-c"}, Timeout: 30 * time.Second},
	)

	slow, ok := mgr.connector("slow")
	require.True(t, ok)
	shell, ok := mgr.connector(DefaultConnectorName)
	require.True(t, ok)

	tests := []struct {
		name     string
		req      StartRequest
		conn     Connector
		expected time.Duration
	}{
		{"per-call wins", StartRequest{Timeout: time.Second}, slow, time.Second},
		{"connector over default", StartRequest{}, slow, 30 * time.Second},
		{"global default", StartRequest{}, shell, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mgr.effectiveTimeout(tt.req, tt.conn))
		})
	}
}

func TestManager_ListenerPanicIsContained(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.autoExit = &ExitStatus{}
	mgr, _, recorder := createTestManager(t, spawner)

	mgr.OnJobComplete(func(Summary) { panic("listener failure") })
	var after atomic.Int32
	mgr.OnJobComplete(func(Summary) { after.Add(1) })

	job, err := mgr.StartJob(context.Background(), StartRequest{Command: "true"})
	require.NoError(t, err)

	done := waitTerminal(t, mgr, job.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Eventually(t, func() bool { return after.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, recorder.count(job.ID))
}

func TestManager_GetJobResultWaitElapses(t *testing.T) {
	spawner := newFakeSpawner()
	mgr, _, _ := createTestManager(t, spawner)
	ctx := context.Background()

	job, err := mgr.StartJob(ctx, StartRequest{Command: "sleep 60"})
	require.NoError(t, err)
	spawner.next(t)

	start := time.Now()
	snapshot, err := mgr.GetJobResult(ctx, job.ID, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snapshot.Status)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	_, err = mgr.GetJobResult(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_CleanupAndRecovery(t *testing.T) {
	mgr, store, _ := createTestManager(t, newFakeSpawner())
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	records := []*Job{
		{ID: "old-done", Status: StatusCompleted, CompletedAt: &old},
		{ID: "new-done", Status: StatusFailed, CompletedAt: &recent},
		{ID: "orphan", Status: StatusRunning},
	}
	for _, j := range records {
		j.ConnectorName = DefaultConnectorName
		j.Command = "true"
		j.CreatedAt = old
		require.NoError(t, store.Save(j))
	}

	deleted, err := mgr.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Read("old-done")
	assert.ErrorIs(t, err, ErrJobNotFound)

	recovered, err := mgr.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	orphan, err := store.Read("orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, orphan.Status)
	require.NotNil(t, orphan.Error)
	assert.Equal(t, CodeOrphaned, orphan.Error.Code)
}
