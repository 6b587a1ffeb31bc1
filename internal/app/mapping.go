package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobqueue/internal/api"
	"jobqueue/internal/config"
	"jobqueue/internal/job"
	"jobqueue/internal/jobs"
	"jobqueue/internal/notifier"
	"jobqueue/internal/scheduler"
	"jobqueue/internal/storage"
	"jobqueue/internal/worker"
	"jobqueue/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	ret, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
		Retention:   ret,
	}, nil
}

func mapWorkers(cfg *config.Config) (worker.Config, error) {
	w := cfg.Workers
	var errs []error
	timeout, err := config.ParseDurationField("workers.default_timeout", w.DefaultTimeout)
	errs = append(errs, err)
	base, err := config.ParseDurationField("workers.retry_base", w.RetryBase)
	errs = append(errs, err)
	maxDelay, err := config.ParseDurationField("workers.retry_max_delay", w.RetryMaxDelay)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:        w.Count,
		DefaultTimeout: timeout,
		RetryMax:       w.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		RetryJitter:    0.2,
		HistorySize:    w.HistorySize,
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:         cfg.Scheduler.Enabled,
		Timezone:        cfg.Scheduler.Timezone,
		DefaultPriority: defaultPriority(cfg),
		Hosts:           cfg.Scheduler.Hosts,
	}
}

// defaultPriority is the queue priority for jobs that do not set one.
func defaultPriority(cfg *config.Config) int {
	if cfg.Scheduler.DefaultPriority != 0 {
		return cfg.Scheduler.DefaultPriority
	}
	return 10
}

func mapAPI(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	var errs []error
	rt, err := config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 15*time.Second)
	errs = append(errs, err)
	wt, err := config.ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, 30*time.Second)
	errs = append(errs, err)
	it, err := config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		EnqueueRate:   a.EnqueueRatePerSec,
		EnqueueBurst:  a.EnqueueBurst,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     n.Enabled,
		OnSuccess:   n.OnSuccess,
		RatePerSec:  n.RatePerSec,
		RetryMax:    n.RetryMax,
		DedupWindow: window,
	}, nil
}

func mapJobs(cfg *config.Config) (jobs.Config, error) {
	j := cfg.Jobs
	stTimeout, err := config.ParseDurationField("jobs.speedtest.timeout", j.Speedtest.Timeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Shell: jobs.ShellConfig{
			Enabled:   j.Shell.Enabled,
			Shell:     j.Shell.Shell,
			MaxOutput: j.Shell.MaxOutput,
		},
		Systemd: jobs.SystemdConfig{
			Enabled: j.Systemd.Enabled,
			Units:   j.Systemd.Units,
		},
		Speedtest: jobs.SpeedtestConfig{
			Enabled:  j.Speedtest.Enabled,
			ServerID: j.Speedtest.ServerID,
			Timeout:  stTimeout,
		},
	}, nil
}

// configSchedules converts the schedules section for storage sync.
func configSchedules(cfg *config.Config) ([]job.Schedule, error) {
	prio := defaultPriority(cfg)
	out := make([]job.Schedule, 0, len(cfg.Schedules))
	var errs []error
	for i, sc := range cfg.Schedules {
		s, err := sc.Schedule(prio)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}
