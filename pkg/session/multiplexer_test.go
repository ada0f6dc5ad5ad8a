package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

type fakeEngine struct {
	id   string
	sink engine.Sink

	mu         sync.Mutex
	processing bool
	messages   []engine.Message

	processErr error
	stopped    atomic.Bool
}

func (e *fakeEngine) Initialize(ctx context.Context) error { return nil }

func (e *fakeEngine) Process(ctx context.Context, message string) error {
	e.mu.Lock()
	e.processing = true
	n := len(e.messages)
	e.messages = append(e.messages,
		engine.Message{ID: fmt.Sprintf("%s-%d", e.id, n), Role: "user", Content: message},
		engine.Message{ID: fmt.Sprintf("%s-%d", e.id, n+1), Role: "assistant", Content: "echo: " + message},
	)
	e.mu.Unlock()

	e.sink(engine.StreamEvent{Kind: engine.EventText, Text: "echo: " + message})

	e.mu.Lock()
	e.processing = false
	e.mu.Unlock()

	if e.processErr != nil {
		return e.processErr
	}
	e.sink(engine.StreamEvent{Kind: engine.EventDone})
	return nil
}

func (e *fakeEngine) Messages() []engine.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Message(nil), e.messages...)
}

func (e *fakeEngine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

func (e *fakeEngine) Stop() error {
	e.stopped.Store(true)
	return nil
}

func (e *fakeEngine) emit(ev engine.StreamEvent) {
	e.sink(ev)
}

type interruptibleEngine struct {
	*fakeEngine
	interrupts atomic.Int32
}

func (e *interruptibleEngine) Interrupt() error {
	e.interrupts.Add(1)
	return nil
}

func (e *interruptibleEngine) TokenUsage() engine.TokenUsage {
	return engine.TokenUsage{InputTokens: 10, OutputTokens: 5}
}

type engineRegistry struct {
	mu            sync.Mutex
	engines       map[string]*fakeEngine
	interruptible bool
	processErr    error
	failCreate    bool
}

func (r *engineRegistry) factory(ctx context.Context, opts engine.Options) (engine.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failCreate {
		return nil, errors.New("no provider")
	}
	e := &fakeEngine{id: opts.SessionID, sink: opts.Sink, processErr: r.processErr}
	r.engines[opts.SessionID] = e
	if r.interruptible {
		return &interruptibleEngine{fakeEngine: e}, nil
	}
	return e, nil
}

func (r *engineRegistry) get(id string) *fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[id]
}

type chunkRecorder struct {
	mu     sync.Mutex
	events []engine.StreamEvent
}

func (c *chunkRecorder) record(ev engine.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *chunkRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *chunkRecorder) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.Kind == engine.EventText {
			out = append(out, ev.Text)
		}
	}
	return out
}

type testMux struct {
	*Multiplexer
	store    *Store
	registry *engineRegistry
	chunks   *chunkRecorder
}

func newTestMux(t *testing.T, capacity int) *testMux {
	t.Helper()

	registry := &engineRegistry{engines: make(map[string]*fakeEngine)}
	store := newTestStore(t)
	mux := NewMultiplexer(Config{
		Store:          store,
		EngineFactory:  registry.factory,
		BufferCapacity: capacity,
		StopTimeout:    time.Second,
		Logger:         zerolog.Nop(),
	})
	chunks := &chunkRecorder{}
	mux.OnChunk(chunks.record)

	return &testMux{Multiplexer: mux, store: store, registry: registry, chunks: chunks}
}

func (tm *testMux) create(t *testing.T, label string) Session {
	t.Helper()
	s, err := tm.CreateSession(context.Background(), CreateOptions{CWD: "/work", Label: label})
	require.NoError(t, err)
	return s
}

func (tm *testMux) status(t *testing.T, id string) Status {
	t.Helper()
	rec, err := tm.store.Load(id)
	require.NoError(t, err)
	return rec.Status
}

func activeCount(sessions []Session) int {
	n := 0
	for _, s := range sessions {
		if s.Active {
			n++
		}
	}
	return n
}

// Tests

func TestMultiplexer_BackgroundEventReplayedOnSwitch(t *testing.T) {
	tm := newTestMux(t, 0)
	ctx := context.Background()

	a := tm.create(t, "A")
	b := tm.create(t, "B")
	assert.True(t, a.Active)
	assert.False(t, b.Active)
	assert.Equal(t, StatusActive, tm.status(t, a.ID))
	assert.Equal(t, StatusBackground, tm.status(t, b.ID))

	tm.registry.get(b.ID).emit(textEvent("from B"))
	assert.Equal(t, 0, tm.chunks.count())

	got, err := tm.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Buffered)
	assert.False(t, got.IsProcessing, "buffered events do not touch session state")

	require.NoError(t, tm.SwitchSession(ctx, b.ID))
	assert.Equal(t, 1, tm.chunks.count())
	assert.Equal(t, []string{"from B"}, tm.chunks.texts())

	got, err = tm.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Buffered)
	assert.True(t, got.Active)
	assert.True(t, got.IsProcessing)

	assert.Equal(t, StatusBackground, tm.status(t, a.ID))
	assert.Equal(t, StatusActive, tm.status(t, b.ID))
}

func TestMultiplexer_SwitchToActiveIsNoop(t *testing.T) {
	tm := newTestMux(t, 0)
	ctx := context.Background()

	a := tm.create(t, "A")
	b := tm.create(t, "B")
	tm.registry.get(b.ID).emit(textEvent("queued"))

	require.NoError(t, tm.SwitchSession(ctx, a.ID))
	assert.Equal(t, 0, tm.chunks.count())

	got, err := tm.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Buffered)

	active, ok := tm.Active()
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID)
}

func TestMultiplexer_SwitchUnknown(t *testing.T) {
	tm := newTestMux(t, 0)
	tm.create(t, "A")

	err := tm.SwitchSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMultiplexer_BufferKeepsNewestWindow(t *testing.T) {
	const capacity = 4
	tm := newTestMux(t, capacity)

	tm.create(t, "A")
	b := tm.create(t, "B")
	eng := tm.registry.get(b.ID)

	for i := 1; i <= capacity+1; i++ {
		eng.emit(textEvent(fmt.Sprint(i)))
	}

	got, err := tm.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, got.Buffered)

	require.NoError(t, tm.SwitchSession(context.Background(), b.ID))
	assert.Equal(t, []string{"2", "3", "4", "5"}, tm.chunks.texts())
}

func TestMultiplexer_CloseActivePromotesAndReplays(t *testing.T) {
	tm := newTestMux(t, 0)
	ctx := context.Background()

	a := tm.create(t, "A")
	b := tm.create(t, "B")
	eng := tm.registry.get(b.ID)
	eng.emit(textEvent("b1"))
	eng.emit(textEvent("b2"))

	require.NoError(t, tm.CloseSession(ctx, a.ID))

	assert.Equal(t, []string{"b1", "b2"}, tm.chunks.texts())
	active, ok := tm.Active()
	require.True(t, ok)
	assert.Equal(t, b.ID, active.ID)
	assert.Equal(t, 0, active.Buffered)

	assert.Equal(t, StatusClosed, tm.status(t, a.ID))
	assert.Equal(t, StatusActive, tm.status(t, b.ID))
	assert.True(t, tm.registry.get(a.ID).stopped.Load())
	assert.Len(t, tm.ListSessions(), 1)

	t.Run("events from closed session are dropped", func(t *testing.T) {
		tm.registry.get(a.ID).emit(textEvent("late"))
		assert.Equal(t, []string{"b1", "b2"}, tm.chunks.texts())
	})

	t.Run("closing unknown id is a no-op", func(t *testing.T) {
		assert.NoError(t, tm.CloseSession(ctx, a.ID))
		assert.NoError(t, tm.CloseSession(ctx, "never-existed"))
	})

	t.Run("closing the last session leaves none active", func(t *testing.T) {
		require.NoError(t, tm.CloseSession(ctx, b.ID))
		_, ok := tm.Active()
		assert.False(t, ok)
	})
}

func TestMultiplexer_PromotesMostRecentlyUpdated(t *testing.T) {
	tm := newTestMux(t, 0)
	ctx := context.Background()

	a := tm.create(t, "A")
	b := tm.create(t, "B")
	time.Sleep(5 * time.Millisecond)
	c := tm.create(t, "C")

	time.Sleep(5 * time.Millisecond)
	tm.registry.get(b.ID).emit(textEvent("touch"))

	// B's event is still buffered, so C is the most recently updated
	require.NoError(t, tm.CloseSession(ctx, a.ID))
	active, ok := tm.Active()
	require.True(t, ok)
	assert.Equal(t, c.ID, active.ID)

	got, err := tm.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Buffered)
	assert.False(t, got.IsProcessing)
	assert.True(t, got.UpdatedAt.Equal(b.UpdatedAt))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tm.SwitchSession(ctx, b.ID))
	assert.Equal(t, []string{"touch"}, tm.chunks.texts())

	list := tm.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.True(t, list[0].IsProcessing)
	assert.Equal(t, c.ID, list[1].ID)
}

func TestMultiplexer_ExactlyOneActive(t *testing.T) {
	tm := newTestMux(t, 0)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, tm.create(t, fmt.Sprint(i)).ID)
		assert.Equal(t, 1, activeCount(tm.ListSessions()))
	}

	require.NoError(t, tm.SwitchSession(ctx, ids[2]))
	assert.Equal(t, 1, activeCount(tm.ListSessions()))

	for _, id := range []string{ids[2], ids[0], ids[3]} {
		require.NoError(t, tm.CloseSession(ctx, id))
		assert.Equal(t, 1, activeCount(tm.ListSessions()))
	}
}

func TestMultiplexer_SendDeliversLive(t *testing.T) {
	tm := newTestMux(t, 0)
	a := tm.create(t, "A")

	require.NoError(t, tm.Send(context.Background(), a.ID, "hello"))

	assert.Eventually(t, func() bool {
		saved, err := tm.store.LoadTranscript(a.ID)
		return err == nil && len(saved) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"echo: hello"}, tm.chunks.texts())

	transcript, err := tm.Transcript(a.ID)
	require.NoError(t, err)
	assert.Len(t, transcript, 2)

	got, err := tm.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsProcessing)

	assert.ErrorIs(t, tm.Send(context.Background(), "nope", "hi"), ErrSessionNotFound)
}

func TestMultiplexer_ErrorRouting(t *testing.T) {
	tm := newTestMux(t, 0)
	tm.registry.processErr = errors.New("turn failed")
	ctx := context.Background()

	var mu sync.Mutex
	var errs []SessionError
	tm.OnError(func(e SessionError) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})
	errCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(errs)
	}

	a := tm.create(t, "A")
	b := tm.create(t, "B")

	t.Run("background errors are buffered as events", func(t *testing.T) {
		require.NoError(t, tm.Send(ctx, b.ID, "hi"))
		assert.Eventually(t, func() bool {
			got, err := tm.Get(b.ID)
			return err == nil && got.Buffered == 2
		}, time.Second, time.Millisecond)
		assert.Equal(t, 0, errCount())
	})

	t.Run("active errors go to error listeners once", func(t *testing.T) {
		require.NoError(t, tm.Send(ctx, a.ID, "hi"))
		assert.Eventually(t, func() bool { return errCount() == 1 }, time.Second, time.Millisecond)

		mu.Lock()
		assert.Equal(t, a.ID, errs[0].SessionID)
		assert.EqualError(t, errs[0].Err, "turn failed")
		mu.Unlock()
	})

	t.Run("replayed error arrives as an error event", func(t *testing.T) {
		before := tm.chunks.count()
		require.NoError(t, tm.SwitchSession(ctx, b.ID))

		tm.chunks.mu.Lock()
		replayed := tm.chunks.events[before:]
		tm.chunks.mu.Unlock()
		require.Len(t, replayed, 2)
		assert.Equal(t, engine.EventText, replayed[0].Kind)
		assert.Equal(t, engine.EventError, replayed[1].Kind)
		assert.Equal(t, "turn failed", replayed[1].Error)
		assert.Equal(t, 1, errCount())
	})
}

func TestMultiplexer_ConcurrentSwitchDeliversEachEventOnce(t *testing.T) {
	tm := newTestMux(t, 10000)
	ctx := context.Background()

	tm.create(t, "A")
	b := tm.create(t, "B")
	eng := tm.registry.get(b.ID)

	const total = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			eng.emit(textEvent(fmt.Sprint(i)))
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, tm.SwitchSession(ctx, b.ID))
	<-done

	assert.Eventually(t, func() bool { return tm.chunks.count() == total }, time.Second, time.Millisecond)
	got := tm.chunks.texts()
	require.Len(t, got, total)
	for i, text := range got {
		assert.Equal(t, fmt.Sprint(i), text)
	}
}

func TestMultiplexer_SwitchDuringDeliveryReplaysAfterIt(t *testing.T) {
	tm := newTestMux(t, 0)
	ctx := context.Background()

	a := tm.create(t, "A")
	b := tm.create(t, "B")
	tm.registry.get(b.ID).emit(textEvent("b1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	tm.OnChunk(func(ev engine.StreamEvent) {
		if ev.Text == "slow" {
			close(entered)
			<-release
		}
	})

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		tm.registry.get(a.ID).emit(textEvent("slow"))
	}()
	<-entered

	// the replay is queued behind the delivery in progress
	require.NoError(t, tm.SwitchSession(ctx, b.ID))
	assert.Equal(t, []string{"slow"}, tm.chunks.texts())
	active, ok := tm.Active()
	require.True(t, ok)
	assert.Equal(t, b.ID, active.ID)

	close(release)
	<-delivered
	assert.Eventually(t, func() bool { return tm.chunks.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"slow", "b1"}, tm.chunks.texts())
}

func TestMultiplexer_ListenerMayCallBack(t *testing.T) {
	tm := newTestMux(t, 0)
	a := tm.create(t, "A")

	var seen atomic.Int32
	tm.OnChunk(func(ev engine.StreamEvent) {
		seen.Store(int32(len(tm.ListSessions())))
	})

	tm.registry.get(a.ID).emit(textEvent("x"))
	assert.Equal(t, int32(1), seen.Load())
}

func TestMultiplexer_CloseAll(t *testing.T) {
	tm := newTestMux(t, 0)
	a := tm.create(t, "A")
	b := tm.create(t, "B")

	// a record left by an earlier run
	require.NoError(t, tm.store.Save(Record{ID: "stale", Status: StatusBackground}))

	tm.CloseAll(context.Background())

	assert.Empty(t, tm.ListSessions())
	for _, id := range []string{a.ID, b.ID, "stale"} {
		assert.Equal(t, StatusClosed, tm.status(t, id))
	}
	assert.True(t, tm.registry.get(a.ID).stopped.Load())
	assert.True(t, tm.registry.get(b.ID).stopped.Load())
}

func TestMultiplexer_RecoverSessions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	store, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Save(Record{ID: "bg", CWD: "/bg", UpdatedAt: now, Status: StatusBackground}))
	require.NoError(t, store.Save(Record{ID: "act", CWD: "/act", UpdatedAt: now.Add(-time.Hour), Status: StatusActive, Label: "main"}))
	require.NoError(t, store.Save(Record{ID: "gone", UpdatedAt: now, Status: StatusClosed}))

	registry := &engineRegistry{engines: make(map[string]*fakeEngine)}
	mux := NewMultiplexer(Config{Store: store, EngineFactory: registry.factory, Logger: zerolog.Nop()})

	recovered, err := mux.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	active, ok := mux.Active()
	require.True(t, ok)
	assert.Equal(t, "act", active.ID)
	assert.Equal(t, "main", active.Label)
	assert.Len(t, mux.ListSessions(), 2)

	again, err := mux.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestMultiplexer_CreateFailure(t *testing.T) {
	tm := newTestMux(t, 0)
	tm.registry.failCreate = true

	_, err := tm.CreateSession(context.Background(), CreateOptions{})
	assert.Error(t, err)
	assert.Empty(t, tm.ListSessions())
	_, ok := tm.Active()
	assert.False(t, ok)

	_, err = tm.CreateSession(context.Background(), CreateOptions{ID: "../bad"})
	assert.Error(t, err)
}

func TestMultiplexer_Capabilities(t *testing.T) {
	tm := newTestMux(t, 0)
	plain := tm.create(t, "plain")

	assert.ErrorIs(t, tm.InterruptSession(plain.ID), ErrNotSupported)
	_, err := tm.TokenUsage(plain.ID)
	assert.ErrorIs(t, err, ErrNotSupported)

	tm.registry.interruptible = true
	smart := tm.create(t, "smart")
	assert.NoError(t, tm.InterruptSession(smart.ID))
	usage, err := tm.TokenUsage(smart.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, usage.InputTokens)

	assert.ErrorIs(t, tm.InterruptSession("nope"), ErrSessionNotFound)
}

func TestMultiplexer_SetLabel(t *testing.T) {
	tm := newTestMux(t, 0)
	a := tm.create(t, "")

	require.NoError(t, tm.SetLabel(a.ID, "renamed"))
	rec, err := tm.store.Load(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.Label)
	assert.Equal(t, StatusActive, rec.Status)

	got, err := tm.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.DisplayName())

	assert.ErrorIs(t, tm.SetLabel("nope", "x"), ErrSessionNotFound)
}
