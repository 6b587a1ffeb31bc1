package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/job"
	"jobqueue/internal/queue"
	"jobqueue/internal/storage"
	"jobqueue/pkg/logx"
)

type harness struct {
	q     *queue.Queue
	store *storage.Memory
	reg   *job.Registry
	bus   eventbus.Bus
	pool  *Pool
	seq   int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{q: queue.New(), store: storage.NewMemory(), reg: job.NewRegistry(), bus: eventbus.New()}
	h.pool = New(cfg, h.q, h.store, h.reg, logx.Nop(), h.bus)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.pool.Start(ctx))
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = h.pool.Stop(sctx)
		cancel()
	})
}

func (h *harness) enqueue(t *testing.T, key string, args ...any) string {
	t.Helper()
	mod, fn, err := job.ParseKey(key)
	require.NoError(t, err)
	h.seq++
	r := &job.Run{
		ID:        fmt.Sprintf("run-%d", h.seq),
		Signature: job.Signature{Module: mod, Function: fn, Args: args},
		Status:    job.StatusPending,
		Created:   time.Now(),
	}
	require.NoError(t, h.store.InsertRun(context.Background(), r))
	require.NoError(t, h.q.Push(0, r.ID))
	return r.ID
}

func (h *harness) waitDone(t *testing.T, id string) job.Run {
	t.Helper()
	var r job.Run
	require.Eventually(t, func() bool {
		var err error
		r, err = h.store.GetRun(context.Background(), id)
		return err == nil && r.Done()
	}, 5*time.Second, 5*time.Millisecond, "run %s never finished", id)
	return r
}

func assertTimeline(t *testing.T, r job.Run) {
	t.Helper()
	assert.False(t, r.Started.Before(r.Created), "started before created")
	assert.False(t, r.Finished.Before(r.Started), "finished before started")
	assert.Equal(t, r.Started.Sub(r.Created), r.StartTime)
	assert.Equal(t, r.Finished.Sub(r.Started), r.RunTime)
}

func TestFailingJobDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("test.boom", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("ValueError: boom")
	}, "")
	h.reg.MustRegister("test.echo", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0], nil
	}, "")
	h.start(t)

	bad := h.enqueue(t, "test.boom")
	good := h.enqueue(t, "test.echo", "still alive")

	r := h.waitDone(t, bad)
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Contains(t, r.Output, "boom")
	assertTimeline(t, r)

	r = h.waitDone(t, good)
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, "still alive", r.Output)
	assertTimeline(t, r)

	snap := h.pool.Snapshot()
	assert.EqualValues(t, 2, snap.Processed)
	assert.EqualValues(t, 1, snap.Failed)
	require.Len(t, snap.History, 2)
}

func TestBlankErrorStillHasOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("test.blank", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("")
	}, "")
	h.start(t)

	r := h.waitDone(t, h.enqueue(t, "test.blank"))
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.NotEmpty(t, r.Output)
	assert.Contains(t, r.Output, "job failed")
}

func TestRunPushedTwiceRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	var calls atomic.Int32
	h.reg.MustRegister("test.count", func(context.Context, []any, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	}, "")
	h.start(t)

	id := h.enqueue(t, "test.count")
	require.NoError(t, h.q.Push(0, id))
	h.waitDone(t, id)
	after := h.enqueue(t, "test.count")
	h.waitDone(t, after)

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 2, h.pool.Snapshot().Processed)
}

func TestPanicIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2})
	h.reg.MustRegister("test.panic", func(context.Context, []any, map[string]any) (any, error) {
		panic("kaboom")
	}, "")
	h.reg.MustRegister("test.ok", func(context.Context, []any, map[string]any) (any, error) { return 1, nil }, "")
	h.start(t)

	r := h.waitDone(t, h.enqueue(t, "test.panic"))
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Contains(t, r.Output, "panic: kaboom")

	r = h.waitDone(t, h.enqueue(t, "test.ok"))
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, "1", r.Output)
}

func TestUnknownKeyFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	h.start(t)

	r := h.waitDone(t, h.enqueue(t, "nowhere.nothing"))
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Contains(t, r.Output, "unknown job key")
	assert.Equal(t, 1, r.Attempts)
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	h.reg.MustRegister("test.flaky", func(context.Context, []any, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, "")
	h.start(t)

	r := h.waitDone(t, h.enqueue(t, "test.flaky"))
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, 3, r.Attempts)
}

func TestNoRetryStopsEarly(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond})
	h.reg.MustRegister("test.permanent", func(context.Context, []any, map[string]any) (any, error) {
		calls.Add(1)
		return nil, NoRetry(errors.New("bad input"))
	}, "")
	h.start(t)

	r := h.waitDone(t, h.enqueue(t, "test.permanent"))
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Equal(t, "bad input", r.Output)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	h.reg.MustRegister("test.slow", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, "")
	h.start(t)

	r := h.waitDone(t, h.enqueue(t, "test.slow"))
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Contains(t, r.Output, "timed out after 20ms")
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	h.reg.MustRegister("test.block", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		close(started)
		select {
		case <-release:
			return "finished", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, "")
	require.NoError(t, h.pool.Start(context.Background()))

	id := h.enqueue(t, "test.block")
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.pool.Stop(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopped)
	r, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, "finished", r.Output)

	require.ErrorIs(t, h.pool.Start(context.Background()), ErrStopped)
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("test.ok", func(context.Context, []any, map[string]any) (any, error) { return nil, nil }, "")
	events, unsub := h.bus.Subscribe(8)
	defer unsub()
	h.start(t)

	id := h.enqueue(t, "test.ok")
	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			assert.Equal(t, id, ev.Data.(RunEvent).RunID)
		case <-time.After(5 * time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.JobStarted, eventbus.JobSuccess}, types)
}

func TestHandleDirect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{HistorySize: 2})
	h.reg.MustRegister("test.ok", func(context.Context, []any, map[string]any) (any, error) { return "x", nil }, "")
	for i := 0; i < 3; i++ {
		r := &job.Run{ID: fmt.Sprintf("d%d", i), Signature: job.Signature{Module: "test", Function: "ok"}, Status: job.StatusPending, Created: time.Now()}
		require.NoError(t, h.store.InsertRun(context.Background(), r))
		h.pool.Handle(context.Background(), r)
		assert.Equal(t, job.StatusSuccess, r.Status)
	}
	snap := h.pool.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, "d2", snap.History[1].RunID)
	assert.False(t, snap.Running)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, backoffDelay(cfg, 1, errors.New("x"), nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(cfg, 3, errors.New("x"), nil))
	assert.Equal(t, time.Second, backoffDelay(cfg, 10, errors.New("x"), nil))
	assert.Equal(t, 250*time.Millisecond, backoffDelay(cfg, 1, RetryAfter(errors.New("x"), 250*time.Millisecond), nil))
	assert.Equal(t, time.Second, backoffDelay(cfg, 1, RetryAfter(errors.New("x"), time.Hour), nil))
}
