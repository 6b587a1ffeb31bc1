package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"jobqueue/internal/worker"
)

var errMissingArg = errors.New("missing argument")

// stringArg reads kwargs[name], falling back to args[pos] when pos >= 0.
func stringArg(args []any, kwargs map[string]any, pos int, name string) (string, error) {
	v, ok := lookupArg(args, kwargs, pos, name)
	if !ok {
		return "", worker.NoRetry(fmt.Errorf("%s: %w", name, errMissingArg))
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case float64, int, int64, bool:
		return fmt.Sprint(x), nil
	default:
		return "", worker.NoRetry(fmt.Errorf("%s: want string, got %T", name, v))
	}
}

// durationArg accepts a Go duration string or a number of seconds.
func durationArg(args []any, kwargs map[string]any, pos int, name string, def time.Duration) (time.Duration, error) {
	v, ok := lookupArg(args, kwargs, pos, name)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return d, nil
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return 0, worker.NoRetry(fmt.Errorf("%s: invalid duration %q", name, x))
	default:
		return 0, worker.NoRetry(fmt.Errorf("%s: want duration, got %T", name, v))
	}
}

func lookupArg(args []any, kwargs map[string]any, pos int, name string) (any, bool) {
	if v, ok := kwargs[name]; ok && v != nil {
		return v, true
	}
	if pos >= 0 && pos < len(args) && args[pos] != nil {
		return args[pos], true
	}
	return nil, false
}
