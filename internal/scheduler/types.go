package scheduler

import (
	"context"
	"fmt"
	"time"

	"jobqueue/internal/dispatch"
	"jobqueue/internal/job"
	"jobqueue/internal/storage"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
	// DefaultPriority applies to schedules stored with priority 0.
	DefaultPriority int
	// Hosts pins the tenant list. Empty defers to the HostResolver.
	Hosts []string
}

// Enqueuer is satisfied by *dispatch.Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatch.Request) (*job.Run, error)
}

// ScheduleLister is satisfied by storage.Store.
type ScheduleLister interface {
	ListSchedules(ctx context.Context, f storage.ScheduleFilter) ([]job.Schedule, error)
}

// HostResolver lists the hosts (tenants) to schedule for.
type HostResolver interface {
	Hosts(ctx context.Context) ([]string, error)
}

// ScheduleError reports a schedule that could not be evaluated or
// dispatched. Evaluation of other schedules continues.
type ScheduleError struct {
	Schedule string
	Host     string
	Key      string
	At       time.Time
	Err      error
}

func (e *ScheduleError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("schedule %q (host %s, job %s): %v", e.Schedule, e.Host, e.Key, e.Err)
	}
	return fmt.Sprintf("schedule %q (job %s): %v", e.Schedule, e.Key, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// TickReport summarizes one evaluation pass.
type TickReport struct {
	At        time.Time `json:"at"`
	Hosts     int       `json:"hosts"`
	Evaluated int       `json:"evaluated"`
	Due       int       `json:"due"`
	RunIDs    []string  `json:"run_ids,omitempty"`
	Errors    []error   `json:"-"`
}

type Snapshot struct {
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	Timezone  string    `json:"timezone"`
	LastTick  time.Time `json:"last_tick,omitzero"`
	NextTick  time.Time `json:"next_tick,omitzero"`
	Ticks     uint64    `json:"ticks"`
	Enqueued  uint64    `json:"enqueued"`
	ErrorsSum uint64    `json:"errors"`
}
