package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrUnknownJob is returned when a key has no registered function.
var ErrUnknownJob = errors.New("unknown job key")

// Func is a registered job body. The returned value becomes the run output.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps stable string keys to job functions. It is safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]entry
}

type entry struct {
	fn   Func
	help string
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]entry{}}
}

// Register binds key to fn. Registering a key twice is an error.
func (r *Registry) Register(key string, fn Func, help string) error {
	if fn == nil {
		return fmt.Errorf("register %q: nil func", key)
	}
	if _, _, err := ParseKey(key); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[key]; ok {
		return fmt.Errorf("register %q: already registered", key)
	}
	r.funcs[key] = entry{fn: fn, help: help}
	return nil
}

// MustRegister panics on registration errors. Use it for built-ins.
func (r *Registry) MustRegister(key string, fn Func, help string) {
	if err := r.Register(key, fn, help); err != nil {
		panic(err)
	}
}

// Lookup resolves key, wrapping ErrUnknownJob when absent.
func (r *Registry) Lookup(key string) (Func, error) {
	r.mu.RLock()
	e, ok := r.funcs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, key)
	}
	return e.fn, nil
}

// Resolve looks up the function for a signature.
func (r *Registry) Resolve(sig Signature) (Func, error) {
	return r.Lookup(sig.Key())
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// Info describes a registered job.
type Info struct {
	Key  string `json:"key"`
	Help string `json:"help,omitempty"`
}

// List returns registered jobs sorted by key. A non-empty pattern filters
// keys with glob syntax where "." separates segments ("core.*", "**").
func (r *Registry) List(pattern string) ([]Info, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	r.mu.RLock()
	out := make([]Info, 0, len(r.funcs))
	for k, e := range r.funcs {
		if pattern != "" && !matchKey(pattern, k) {
			continue
		}
		out = append(out, Info{Key: k, Help: e.help})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// matchKey maps dotted keys onto path segments so doublestar's "*" stops at
// a dot and "**" spans them.
func matchKey(pattern, key string) bool {
	ok, err := doublestar.Match(dotsToSlashes(pattern), dotsToSlashes(key))
	return err == nil && ok
}

func dotsToSlashes(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == '.' {
			b[i] = '/'
		}
	}
	return string(b)
}
