package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"jobqueue/internal/job"
)

const defaultMaxOutput = 64 << 10

func registerShell(reg *job.Registry, cfg ShellConfig) error {
	sh := cfg.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	limit := cfg.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	run := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		cmdline, err := stringArg(args, kwargs, 0, "cmd")
		if err != nil {
			return nil, err
		}
		return runShell(ctx, sh, cmdline, limit)
	}
	return reg.Register("shell.run", run, "runs a shell command (args[0] or kwargs.cmd)")
}

func runShell(ctx context.Context, sh, cmdline string, limit int) (string, error) {
	out := &cappedBuffer{limit: limit}
	cmd := exec.CommandContext(ctx, sh, "-c", cmdline)
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	text := strings.TrimRight(out.String(), "\n")
	if err != nil {
		if ctx.Err() != nil {
			return text, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return text, fmt.Errorf("exit code %d: %s", ee.ExitCode(), text)
		}
		return text, err
	}
	return text, nil
}

// cappedBuffer keeps the first limit bytes and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped += len(p) - room
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.dropped == 0 {
		return c.buf.String()
	}
	return fmt.Sprintf("%s\n... (%d bytes truncated)", c.buf.String(), c.dropped)
}
