package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"jobqueue/internal/job"
	"jobqueue/pkg/logx"
)

// ParseDurationField parses a non-negative duration; empty means zero.
// path names the config key in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	switch f := strings.ToLower(strings.TrimSpace(cfg.Logging.Format)); f {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q", f))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("storage.retention", cfg.Storage.Retention)
	add(err)

	if cfg.Workers.Count < 0 {
		add(errors.New("workers.count: must be >= 0"))
	}
	if cfg.Workers.RetryMax < 0 {
		add(errors.New("workers.retry_max: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"workers.default_timeout": cfg.Workers.DefaultTimeout,
		"workers.retry_base":      cfg.Workers.RetryBase,
		"workers.retry_max_delay": cfg.Workers.RetryMaxDelay,
		"api.read_timeout":        cfg.API.ReadTimeout,
		"api.write_timeout":       cfg.API.WriteTimeout,
		"api.idle_timeout":        cfg.API.IdleTimeout,
		"jobs.speedtest.timeout":  cfg.Jobs.Speedtest.Timeout,
		"notifier.dedup_window":   cfg.Notifier.DedupWindow,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if cfg.API.Enabled {
		if addr := strings.TrimSpace(cfg.API.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add(fmt.Errorf("api.addr: %w", err))
			}
		}
		if cfg.API.EnqueueRatePerSec < 0 {
			add(errors.New("api.enqueue_rate_per_sec: must be >= 0"))
		}
	}

	if cfg.Notifier.Enabled {
		if strings.TrimSpace(cfg.Notifier.Token) == "" {
			add(errors.New("notifier.token: required when enabled"))
		}
		if cfg.Notifier.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when enabled"))
		}
		if cfg.Notifier.RetryMax < 0 {
			add(errors.New("notifier.retry_max: must be >= 0"))
		}
	}

	seen := map[string]bool{}
	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(sc.Name) == "" {
			add(fmt.Errorf("%s.name: required", path))
			continue
		}
		id := sc.Host + "/" + sc.Name
		if seen[id] {
			add(fmt.Errorf("%s: duplicate schedule %q for host %q", path, sc.Name, sc.Host))
		}
		seen[id] = true
		if _, err := sc.Schedule(cfg.Scheduler.DefaultPriority); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	return errors.Join(errs...)
}

// SourceConfig tags schedules that came from the config file.
const SourceConfig = "config"

// Schedule converts the declaration into a validated job schedule.
func (sc ScheduleConfig) Schedule(defaultPriority int) (job.Schedule, error) {
	mod, fn, err := job.ParseKey(sc.Job)
	if err != nil {
		return job.Schedule{}, fmt.Errorf("job: %w", err)
	}
	prio := defaultPriority
	if sc.Priority != nil {
		prio = *sc.Priority
	}
	s := job.Schedule{
		Name:     strings.TrimSpace(sc.Name),
		Host:     strings.TrimSpace(sc.Host),
		Minute:   sc.Minute,
		Hour:     sc.Hour,
		Month:    sc.Month,
		Cron:     sc.Cron,
		Priority: prio,
		Enabled:  !sc.Disabled,
		Source:   SourceConfig,
		Signature: job.Signature{
			Module:   mod,
			Function: fn,
			Args:     sc.Args,
			Kwargs:   sc.Kwargs,
		},
	}
	if _, err := s.Compile(); err != nil {
		return job.Schedule{}, err
	}
	return s, nil
}
