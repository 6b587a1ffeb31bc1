package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/job"
	"jobqueue/pkg/logx"
)

// forEachBackend runs fn against every driver.
func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func TestSignatureDedup(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := job.Signature{Module: "core", Function: "echo", Args: []any{"hi"}, Kwargs: map[string]any{"n": 2}}
		b := a
		c := job.Signature{Module: "core", Function: "echo", Args: []any{"bye"}}

		require.NoError(t, st.SaveSignature(ctx, &a))
		require.NoError(t, st.SaveSignature(ctx, &b))
		require.NoError(t, st.SaveSignature(ctx, &c))
		assert.NotZero(t, a.ID)
		assert.Equal(t, a.ID, b.ID)
		assert.NotEqual(t, a.ID, c.ID)

		got, err := st.GetSignature(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "core.echo", got.Key())
		assert.Equal(t, []any{"hi"}, got.Args)
		assert.Equal(t, map[string]any{"n": float64(2)}, got.Kwargs)

		_, err = st.GetSignature(ctx, 9999)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSchedulesUpsertAndFilter(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		sig := job.Signature{Module: "core", Function: "noop"}
		scheds := []job.Schedule{
			{Name: "global", Minute: "*/15", Enabled: true, Signature: sig},
			{Name: "a-only", Host: "a", Minute: "0", Enabled: true, Signature: sig, Source: "config"},
			{Name: "b-off", Host: "b", Minute: "0", Enabled: false, Signature: sig},
		}
		for i := range scheds {
			require.NoError(t, st.SaveSchedule(ctx, &scheds[i]))
			assert.NotZero(t, scheds[i].ID)
		}

		// Upsert keeps the id and replaces fields.
		upd := scheds[1]
		upd.Minute = "30"
		require.NoError(t, st.SaveSchedule(ctx, &upd))
		assert.Equal(t, scheds[1].ID, upd.ID)

		all, err := st.ListSchedules(ctx, ScheduleFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "*", all[0].Hour, "empty fields stored as *")

		host := "a"
		forA, err := st.ListSchedules(ctx, ScheduleFilter{Host: &host, IncludeGlobal: true, EnabledOnly: true})
		require.NoError(t, err)
		require.Len(t, forA, 2)
		assert.Equal(t, "global", forA[0].Name)
		assert.Equal(t, "30", forA[1].Minute)
		assert.Equal(t, "core.noop", forA[1].Signature.Key())

		fromCfg, err := st.ListSchedules(ctx, ScheduleFilter{Source: "config"})
		require.NoError(t, err)
		assert.Len(t, fromCfg, 1)

		hosts, err := st.Hosts(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, hosts)

		require.NoError(t, st.DeleteSchedule(ctx, "b-off", "b"))
		require.ErrorIs(t, st.DeleteSchedule(ctx, "b-off", "b"), ErrNotFound)
	})
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		created := time.Now().Add(-time.Second).Truncate(time.Microsecond)
		r := &job.Run{
			ID:        "run-1",
			Signature: job.Signature{Module: "core", Function: "echo", Args: []any{"x"}},
			Host:      "a",
			Priority:  3,
			Status:    job.StatusPending,
			Created:   created,
		}
		require.NoError(t, st.InsertRun(ctx, r))
		assert.NotZero(t, r.SignatureID)
		require.Error(t, st.InsertRun(ctx, r), "duplicate id accepted")

		r.Begin(created.Add(100 * time.Millisecond))
		r.Finish(created.Add(300*time.Millisecond), job.StatusSuccess, "x")
		require.NoError(t, st.UpdateRun(ctx, r))

		got, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusSuccess, got.Status)
		assert.Equal(t, "x", got.Output)
		assert.Equal(t, 100*time.Millisecond, got.StartTime)
		assert.Equal(t, 200*time.Millisecond, got.RunTime)
		assert.True(t, got.Created.Equal(created))
		assert.False(t, got.Finished.Before(got.Started))
		assert.Equal(t, []any{"x"}, got.Signature.Args)

		_, err = st.GetRun(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, st.UpdateRun(ctx, &job.Run{ID: "nope"}), ErrNotFound)
	})
}

func TestListRunsFiltersAndOrder(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		for i := 0; i < 6; i++ {
			status := job.StatusSuccess
			fn := "noop"
			if i%2 == 1 {
				status = job.StatusFailure
				fn = "fail"
			}
			require.NoError(t, st.InsertRun(ctx, &job.Run{
				ID:        fmt.Sprintf("r%d", i),
				Signature: job.Signature{Module: "core", Function: fn},
				Status:    status,
				Created:   base.Add(time.Duration(i) * time.Minute),
			}))
		}

		all, err := st.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, "r5", all[0].ID)

		failed, err := st.ListRuns(ctx, RunFilter{Status: job.StatusFailure, Limit: 2})
		require.NoError(t, err)
		require.Len(t, failed, 2)
		assert.Equal(t, "r5", failed[0].ID)
		assert.Equal(t, "r3", failed[1].ID)

		byKey, err := st.ListRuns(ctx, RunFilter{Key: "core.noop"})
		require.NoError(t, err)
		assert.Len(t, byKey, 3)

		n, err := st.PruneRuns(ctx, base.Add(150*time.Second))
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})
}

func TestRetentionPrunesOnInsert(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "jobs.db"), Retention: time.Hour}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			ctx := context.Background()

			old := time.Now().Add(-2 * time.Hour)
			insert := func(id string, status job.Status, created time.Time) {
				require.NoError(t, st.InsertRun(ctx, &job.Run{
					ID: id, Signature: job.Signature{Function: "noop"}, Status: status, Created: created,
				}))
			}
			insert("old-done", job.StatusSuccess, old)
			insert("old-failed", job.StatusFailure, old)
			insert("old-pending", job.StatusPending, old)
			for i := 3; i < pruneEvery-1; i++ {
				insert(fmt.Sprintf("new%d", i), job.StatusSuccess, time.Now())
			}

			_, err = st.GetRun(ctx, "old-done")
			require.NoError(t, err, "pruned too early")

			insert("last", job.StatusSuccess, time.Now())
			_, err = st.GetRun(ctx, "old-done")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = st.GetRun(ctx, "old-failed")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = st.GetRun(ctx, "old-pending")
			require.NoError(t, err)
			_, err = st.GetRun(ctx, "last")
			require.NoError(t, err)
		})
	}
}

func TestConcurrentRunUpdates(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const n = 40
		for i := 0; i < n; i++ {
			require.NoError(t, st.InsertRun(ctx, &job.Run{
				ID: fmt.Sprintf("c%d", i), Signature: job.Signature{Function: "noop"},
				Status: job.StatusPending, Created: time.Now(),
			}))
		}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := st.GetRun(ctx, fmt.Sprintf("c%d", i))
				if err != nil {
					t.Error(err)
					return
				}
				r.Finish(time.Now(), job.StatusSuccess, "ok")
				if err := st.UpdateRun(ctx, &r); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()

		done, err := st.ListRuns(ctx, RunFilter{Status: job.StatusSuccess, Limit: n})
		require.NoError(t, err)
		assert.Len(t, done, n)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "cassandra"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err, "sqlite without path")
}
