package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/dispatch"
	"jobqueue/internal/job"
	"jobqueue/internal/queue"
	"jobqueue/internal/storage"
	"jobqueue/pkg/logx"
)

type fixture struct {
	q     *queue.Queue
	store *storage.Memory
	svc   *Service
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := job.NewRegistry()
	reg.MustRegister("core.noop", func(context.Context, []any, map[string]any) (any, error) { return nil, nil }, "does nothing")
	reg.MustRegister("core.echo", func(context.Context, []any, map[string]any) (any, error) { return nil, nil }, "")
	f := &fixture{q: queue.New(), store: storage.NewMemory()}
	d := dispatch.New(f.q, f.store, reg, logx.Nop(), nil)
	f.svc = New(cfg, Deps{
		Enqueuer:        d,
		Store:           f.store,
		Catalog:         reg,
		Status:          func() any { return map[string]int{"queue_len": f.q.Len()} },
		DefaultPriority: func() int { return 10 },
	}, logx.Nop())
	f.srv = httptest.NewServer(f.svc.Handler(cfg))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestEnqueueAndFetchRun(t *testing.T) {
	f := newFixture(t, Config{Enabled: true})

	resp, body := f.do(t, http.MethodPost, "/v1/jobs", EnqueueRequest{Job: "core.echo", Args: []any{"hi"}}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var run job.Run
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, job.StatusPending, run.Status)
	assert.Equal(t, 10, run.Priority)
	assert.Equal(t, 1, f.q.Len())

	resp, body = f.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got job.Run
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, []any{"hi"}, got.Signature.Args)

	resp, body = f.do(t, http.MethodGet, "/v1/runs?status=pending&job=core.echo", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Count int       `json:"count"`
		Runs  []job.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)
}

func TestEnqueueErrors(t *testing.T) {
	f := newFixture(t, Config{Enabled: true})

	resp, _ := f.do(t, http.MethodPost, "/v1/jobs", EnqueueRequest{Job: "core.missing"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/jobs", EnqueueRequest{Job: "."}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/jobs", map[string]any{"job": "core.noop", "bogus": 1}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/runs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/runs?status=weird", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.q.Len())
}

func TestExplicitPriority(t *testing.T) {
	f := newFixture(t, Config{Enabled: true})
	p := 1
	resp, _ := f.do(t, http.MethodPost, "/v1/jobs", EnqueueRequest{Job: "core.noop", Priority: &p}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e, ok := f.q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, e.Priority)
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, Token: "s3cret"})

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/status", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/status", nil, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"queue_len":0}`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/v1/status?token=s3cret", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnqueueRateLimit(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, EnqueueRate: 0.001, EnqueueBurst: 2})
	var codes []int
	for range 3 {
		resp, _ := f.do(t, http.MethodPost, "/v1/jobs", EnqueueRequest{Job: "core.noop"}, "")
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)

	// Reads are not limited.
	resp, _ := f.do(t, http.MethodGet, "/v1/runs", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, Config{Enabled: true})
	resp, body := f.do(t, http.MethodGet, "/v1/jobs?match=core.n*", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Count int        `json:"count"`
		Jobs  []job.Info `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "core.noop", out.Jobs[0].Key)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs?match=[", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleCRUDAndDue(t *testing.T) {
	f := newFixture(t, Config{Enabled: true})

	resp, body := f.do(t, http.MethodPut, "/v1/schedules", ScheduleRequest{
		Name: "quarter", Job: "core.noop", Minute: "*/15",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var sc job.Schedule
	require.NoError(t, json.Unmarshal(body, &sc))
	assert.Equal(t, SourceAPI, sc.Source)
	assert.Equal(t, 10, sc.Priority)
	assert.True(t, sc.Enabled)

	resp, _ = f.do(t, http.MethodPut, "/v1/schedules", ScheduleRequest{Name: "bad", Job: "core.noop", Minute: "*/0"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/schedules/due?at=2024-03-10T09:15:00Z", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var due struct {
		Schedules []DueSchedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(body, &due))
	require.Len(t, due.Schedules, 1)
	assert.True(t, due.Schedules[0].Due)
	assert.Equal(t, time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC), due.Schedules[0].Next.UTC())

	resp, _ = f.do(t, http.MethodGet, "/v1/schedules/due?at=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/v1/schedules/quarter", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/schedules/quarter", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPprofMount(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, Pprof: true})
	resp, _ := f.do(t, http.MethodGet, "/debug/pprof/", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g := newFixture(t, Config{Enabled: true})
	resp, _ = g.do(t, http.MethodGet, "/debug/pprof/", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceLifecycle(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	assert.Nil(t, svc.Supervisor())

	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Nil(t, svc.Supervisor())
}

func TestRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := svc.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.False(t, isLoopbackAddr(":80"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
}
