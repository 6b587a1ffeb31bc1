//go:build linux

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"jobqueue/internal/job"
	"jobqueue/internal/worker"
	"jobqueue/pkg/logx"
)

// unitManager dials D-Bus on first use and redials after a failed call.
type unitManager struct {
	mu    sync.Mutex
	conn  *dbus.Conn
	allow []string
	log   logx.Logger
}

func registerSystemd(reg *job.Registry, cfg SystemdConfig, log logx.Logger) (func() error, error) {
	m := &unitManager{allow: cfg.Units, log: log}
	err := errors.Join(
		reg.Register("systemd.status", m.statusJob, "reports unit state (args[0] or kwargs.unit)"),
		reg.Register("systemd.start", m.actionJob("start"), "starts an allowlisted unit"),
		reg.Register("systemd.stop", m.actionJob("stop"), "stops an allowlisted unit"),
		reg.Register("systemd.restart", m.actionJob("restart"), "restarts an allowlisted unit"),
	)
	return m.Close, err
}

func (m *unitManager) connect(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func (m *unitManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *unitManager) statusJob(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	name, err := stringArg(args, kwargs, 0, "unit")
	if err != nil {
		return nil, err
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	unit := unitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return UnitStatus{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return nil, fmt.Errorf("get status for %s: %w", unit, err)
	}
	st := UnitStatus{Unit: unit}
	st.Active, _ = props["ActiveState"].(string)
	st.SubState, _ = props["SubState"].(string)
	st.LoadState, _ = props["LoadState"].(string)
	st.Description, _ = props["Description"].(string)
	if ts, ok := props["ActiveEnterTimestamp"].(uint64); ok && ts > 0 {
		// microseconds since the epoch
		st.ActiveSince = time.UnixMicro(int64(ts))
	}
	return st, nil
}

func (m *unitManager) actionJob(action string) job.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		name, err := stringArg(args, kwargs, 0, "unit")
		if err != nil {
			return nil, err
		}
		if err := checkAllowed(m.allow, name); err != nil {
			return nil, err
		}
		conn, err := m.connect(ctx)
		if err != nil {
			return nil, err
		}
		unit := unitName(name)
		done := make(chan string, 1)
		switch action {
		case "start":
			_, err = conn.StartUnitContext(ctx, unit, "replace", done)
		case "stop":
			_, err = conn.StopUnitContext(ctx, unit, "replace", done)
		default:
			_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", action, unit, err)
		}
		select {
		case res := <-done:
			m.log.Info("unit "+action, logx.String("unit", unit), logx.String("result", res))
			if res != "done" {
				return nil, worker.NoRetry(fmt.Errorf("%s %s: job %s", action, unit, res))
			}
			return fmt.Sprintf("%s %s: %s", action, unit, res), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
