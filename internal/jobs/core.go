package jobs

import (
	"context"
	"errors"
	"time"

	"jobqueue/internal/job"
)

func registerCore(reg *job.Registry) error {
	return errors.Join(
		reg.Register("core.noop", noop, "does nothing"),
		reg.Register("core.echo", echo, "returns its arguments"),
		reg.Register("core.sleep", sleep, "sleeps for seconds (args[0] or kwargs.seconds)"),
		reg.Register("core.fail", fail, "always fails with message (args[0] or kwargs.message)"),
	)
}

func noop(context.Context, []any, map[string]any) (any, error) { return nil, nil }

func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	out := map[string]any{}
	if len(args) > 0 {
		out["args"] = args
	}
	if len(kwargs) > 0 {
		out["kwargs"] = kwargs
	}
	return out, nil
}

func sleep(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	d, err := durationArg(args, kwargs, 0, "seconds", time.Second)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return "slept " + d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	msg, err := stringArg(args, kwargs, 0, "message")
	if err != nil {
		msg = "requested failure"
	}
	return nil, errors.New(msg)
}
