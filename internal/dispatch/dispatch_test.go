package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/job"
	"jobqueue/internal/queue"
	"jobqueue/internal/storage"
	"jobqueue/pkg/logx"
)

func TestEnqueuePersistsAndPushes(t *testing.T) {
	t.Parallel()

	q := queue.New()
	st := storage.NewMemory()
	reg := job.NewRegistry()
	reg.MustRegister("core.noop", func(context.Context, []any, map[string]any) (any, error) { return nil, nil }, "")
	d := New(q, st, reg, logx.Nop(), nil)

	run, err := d.Enqueue(context.Background(), Request{
		Signature: job.Signature{Module: "core", Function: "noop"},
		Priority:  4,
		Host:      "alpha",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, job.StatusPending, run.Status)
	assert.NotZero(t, run.SignatureID)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", stored.Host)

	e, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, run.ID, e.RunID)
	assert.Equal(t, 4, e.Priority)
}

func TestEnqueueUnknownKey(t *testing.T) {
	t.Parallel()

	q := queue.New()
	st := storage.NewMemory()
	d := New(q, st, job.NewRegistry(), logx.Nop(), nil)

	_, err := d.Enqueue(context.Background(), Request{Signature: job.Signature{Module: "x", Function: "y"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrUnknownJob))
	assert.Zero(t, q.Len())

	runs, err := st.ListRuns(context.Background(), storage.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEnqueueClosedQueue(t *testing.T) {
	t.Parallel()

	q := queue.New()
	q.Close()
	reg := job.NewRegistry()
	reg.MustRegister("noop", func(context.Context, []any, map[string]any) (any, error) { return nil, nil }, "")
	st := storage.NewMemory()
	d := New(q, st, reg, logx.Nop(), nil)

	_, err := d.Enqueue(context.Background(), Request{Signature: job.Signature{Function: "noop"}})
	require.ErrorIs(t, err, queue.ErrClosed)

	runs, err := st.ListRuns(context.Background(), storage.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, job.StatusFailure, runs[0].Status)
}
