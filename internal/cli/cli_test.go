package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/api"
	"jobqueue/internal/dispatch"
	"jobqueue/internal/job"
	"jobqueue/internal/queue"
	"jobqueue/internal/storage"
	"jobqueue/pkg/logx"
)

type testServer struct {
	url   string
	q     *queue.Queue
	store *storage.Memory
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	reg := job.NewRegistry()
	reg.MustRegister("core.echo", func(_ context.Context, args []any, _ map[string]any) (any, error) { return args, nil }, "returns its arguments")
	reg.MustRegister("shell.run", func(context.Context, []any, map[string]any) (any, error) { return nil, nil }, "")
	ts := &testServer{q: queue.New(), store: storage.NewMemory()}
	cfg := api.Config{Enabled: true, Token: token}
	svc := api.New(cfg, api.Deps{
		Enqueuer:        dispatch.New(ts.q, ts.store, reg, logx.Nop(), nil),
		Store:           ts.store,
		Catalog:         reg,
		DefaultPriority: func() int { return 10 },
	}, logx.Nop())
	srv := httptest.NewServer(svc.Handler(cfg))
	t.Cleanup(srv.Close)
	ts.url = srv.URL
	return ts
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueAndList(t *testing.T) {
	ts := newTestServer(t, "")

	out, err := run(t, "enqueue", "core.echo", `["hi", 2]`, "--kwargs", `{"loud":true}`, "-p", "3", "--server", ts.url)
	require.NoError(t, err)
	assert.Contains(t, out, "Job enqueued:")
	assert.Contains(t, out, "priority 3")

	e, ok := ts.q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 3, e.Priority)
	r, err := ts.store.GetRun(context.Background(), e.RunID)
	require.NoError(t, err)
	assert.Equal(t, []any{"hi", float64(2)}, r.Signature.Args)
	assert.Equal(t, map[string]any{"loud": true}, r.Signature.Kwargs)

	out, err = run(t, "runs", "list", "--server", ts.url)
	require.NoError(t, err)
	assert.Contains(t, out, e.RunID)
	assert.Contains(t, out, "core.echo")

	out, err = run(t, "runs", "show", e.RunID, "--server", ts.url, "--json")
	require.NoError(t, err)
	var got job.Run
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, e.RunID, got.ID)
}

func TestEnqueueValidation(t *testing.T) {
	ts := newTestServer(t, "")

	_, err := run(t, "enqueue", "nodot", "--server", ts.url)
	assert.Error(t, err)

	_, err = run(t, "enqueue", "core.echo", `{"not":"array"}`, "--server", ts.url)
	assert.ErrorContains(t, err, "JSON array")

	_, err = run(t, "enqueue", "core.missing", "--server", ts.url)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 404, ae.Status)
	assert.Contains(t, ae.Msg, "unknown job key")
}

func TestTokenFromEnv(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	_, err := run(t, "jobs", "list", "--server", ts.url)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 401, ae.Status)

	t.Setenv("JOBQUEUE_TOKEN", "s3cret")
	out, err := run(t, "jobs", "list", "--server", ts.url, "--match", "core.*")
	require.NoError(t, err)
	assert.Contains(t, out, "core.echo")
	assert.NotContains(t, out, "shell.run")
}

func TestServerFromConfigFile(t *testing.T) {
	ts := newTestServer(t, "fromfile")
	host := ts.url[len("http://"):]
	path := filepath.Join(t.TempDir(), "jobqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  enabled: true\n  addr: \""+host+"\"\n  token: fromfile\n"), 0o600))

	out, err := run(t, "jobs", "list", "--config", path, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"count": 2`)
}

func TestSchedulesDue(t *testing.T) {
	ts := newTestServer(t, "")
	sc := job.Schedule{Name: "quarter", Minute: "*/15", Enabled: true, Priority: 10,
		Signature: job.Signature{Module: "core", Function: "echo"}}
	require.NoError(t, ts.store.SaveSchedule(context.Background(), &sc))

	out, err := run(t, "schedules", "list", "--server", ts.url)
	require.NoError(t, err)
	assert.Contains(t, out, "quarter")
	assert.Contains(t, out, "*/15 * *")

	out, err = run(t, "schedules", "due", "--at", "2024-03-10T09:15:00Z", "--server", ts.url)
	require.NoError(t, err)
	assert.Contains(t, out, "true")
	assert.Contains(t, out, "2024-03-10T09:30:00Z")

	_, err = run(t, "schedules", "due", "--at", "soon", "--server", ts.url)
	assert.Error(t, err)

	out, err = run(t, "schedules", "delete", "quarter", "--server", ts.url)
	require.NoError(t, err)
	assert.Contains(t, out, "Schedule deleted")
	_, err = run(t, "schedules", "delete", "quarter", "--server", ts.url)
	assert.Error(t, err)
}

func TestBaseFromAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8470", baseFromAddr(""))
	assert.Equal(t, "127.0.0.1:9000", baseFromAddr(":9000"))
	assert.Equal(t, "127.0.0.1:9000", baseFromAddr("0.0.0.0:9000"))
	assert.Equal(t, "10.0.0.5:9000", baseFromAddr("10.0.0.5:9000"))
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "status", "--log-level", "loud", "--server", "http://127.0.0.1:1")
	assert.ErrorContains(t, err, "unknown log level")
}
