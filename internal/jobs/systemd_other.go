//go:build !linux

package jobs

import (
	"context"
	"errors"

	"jobqueue/internal/job"
	"jobqueue/internal/worker"
	"jobqueue/pkg/logx"
)

var errNoSystemd = errors.New("systemd jobs are only supported on linux")

func registerSystemd(reg *job.Registry, _ SystemdConfig, _ logx.Logger) (func() error, error) {
	unsupported := func(context.Context, []any, map[string]any) (any, error) {
		return nil, worker.NoRetry(errNoSystemd)
	}
	return nil, errors.Join(
		reg.Register("systemd.status", unsupported, "unsupported on this OS"),
		reg.Register("systemd.start", unsupported, "unsupported on this OS"),
		reg.Register("systemd.stop", unsupported, "unsupported on this OS"),
		reg.Register("systemd.restart", unsupported, "unsupported on this OS"),
	)
}
