// Package jobs holds the built-in job functions and registers them by key.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"jobqueue/internal/job"
	"jobqueue/pkg/logx"
)

type Config struct {
	Shell     ShellConfig
	Systemd   SystemdConfig
	Speedtest SpeedtestConfig
}

type ShellConfig struct {
	Enabled   bool
	Shell     string
	MaxOutput int
}

type SystemdConfig struct {
	Enabled bool
	Units   []string
}

type SpeedtestConfig struct {
	Enabled  bool
	ServerID string
	Timeout  time.Duration
}

// Closer releases resources held by registered jobs (e.g. a D-Bus
// connection).
type Closer func() error

// Register adds the core jobs and every enabled optional group to reg.
func Register(reg *job.Registry, cfg Config, log logx.Logger) (Closer, error) {
	log = log.With(logx.String("comp", "jobs"))
	var (
		closers []func() error
		errs    []error
	)
	errs = append(errs, registerCore(reg), registerSystem(reg))
	if cfg.Shell.Enabled {
		errs = append(errs, registerShell(reg, cfg.Shell))
	}
	if cfg.Systemd.Enabled {
		c, err := registerSystemd(reg, cfg.Systemd, log)
		errs = append(errs, err)
		if c != nil {
			closers = append(closers, c)
		}
	}
	if cfg.Speedtest.Enabled {
		errs = append(errs, registerSpeedtest(reg, cfg.Speedtest, log))
	}
	closeAll := func() error {
		var cerrs []error
		for _, c := range closers {
			cerrs = append(cerrs, c())
		}
		return errors.Join(cerrs...)
	}
	if err := errors.Join(errs...); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return closeAll, nil
}
