package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/jobs.db
  retention: 72h
workers:
  count: 3
  default_timeout: 30s
scheduler:
  enabled: true
  timezone: UTC
  default_priority: 5
  hosts: [alpha, beta]
schedules:
  - name: heartbeat
    job: core.noop
    minute: "*/15"
  - name: report
    host: alpha
    job: core.echo
    minute: "0"
    hour: "*/6"
    priority: 1
    args: ["hello"]
    kwargs: {upper: true}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "jobqueue.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if cfg.Workers.Count != 3 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("schedules=%d", len(cfg.Schedules))
	}

	s, err := cfg.Schedules[1].Schedule(cfg.Scheduler.DefaultPriority)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if s.Signature.Key() != "core.echo" || s.Priority != 1 || s.Source != SourceConfig || !s.Enabled {
		t.Fatalf("unexpected schedule: %+v", s)
	}
	if s.Signature.Kwargs["upper"] != true {
		t.Fatalf("kwargs not decoded: %#v", s.Signature.Kwargs)
	}

	def, err := cfg.Schedules[0].Schedule(cfg.Scheduler.DefaultPriority)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if def.Priority != 5 {
		t.Fatalf("default priority not applied: %d", def.Priority)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown field": `{"logging":{"level":"info"},"bogus":1}`,
		"trailing data": `{"logging":{}} {"logging":{}}`,
		"bad yaml":      "logging: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			ext := "cfg.json"
			if strings.Contains(name, "yaml") {
				ext = "cfg.yaml"
			}
			if _, err := Decode(ext, []byte(body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := Default()
	bad.Logging.Level = "loud"
	bad.Storage = StorageConfig{Driver: "sqlite"}
	bad.Workers.DefaultTimeout = "soon"
	bad.Scheduler.Timezone = "Mars/Olympus"
	bad.Notifier.Enabled = true
	bad.Schedules = []ScheduleConfig{
		{Name: "x", Job: "core.noop", Minute: "*/0"},
		{Name: "y", Job: ".bad"},
		{Job: "core.noop"},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"logging.level", "storage.path", "workers.default_timeout", "scheduler.timezone",
		"notifier.token", "schedules[0]", "schedules[1]", "schedules[2].name",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, _ := ParseDurationField("x", " 90s "); d != 90*time.Second {
		t.Fatalf("got %v", d)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "jobqueue.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("changed reload: ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	default:
		t.Fatal("no config published")
	}

	// Invalid content is rejected and the committed config stays.
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"loud"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("invalid config accepted")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config was committed")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "jobqueue.json", `{"workers":{"count":1}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Workers.Count != 7 {
				t.Fatalf("count=%d", cfg.Workers.Count)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher is live and notices.
			_ = os.WriteFile(path, []byte(`{"workers":{"count":7}}`), 0o644)
		case <-deadline:
			t.Fatal("watcher never published")
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	b.API.Token = "secret"
	b.Workers.Count = 9

	changed, fields := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "workers,api" {
		t.Fatalf("changed=%v", changed)
	}
	if len(fields) == 0 {
		t.Fatal("no fields")
	}
	if c, _ := SummarizeChange(a, a); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := NewManager(filepath.Join("..", "..", "config.example.yaml")).Load()
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Schedules) != 3 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
	for _, sc := range cfg.Schedules {
		if _, err := sc.Schedule(cfg.Scheduler.DefaultPriority); err != nil {
			t.Fatalf("schedule %s: %v", sc.Name, err)
		}
	}
}
