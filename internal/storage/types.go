package storage

import (
	"context"
	"errors"
	"time"

	"jobqueue/internal/job"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config selects and tunes a backend.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart (default)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention prunes finished runs older than this; 0 keeps everything.
	Retention time.Duration
}

// ScheduleFilter narrows ListSchedules. A nil Host lists every schedule.
type ScheduleFilter struct {
	Host *string
	// IncludeGlobal adds schedules with an empty host when Host is set.
	IncludeGlobal bool
	EnabledOnly   bool
	Source        string
}

// RunFilter narrows ListRuns. Results are newest first.
type RunFilter struct {
	Status job.Status
	Key    string
	Host   string
	Limit  int
}

const defaultRunLimit = 50

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultRunLimit
	}
	return f.Limit
}

// Store is the persistence API used by the scheduler, worker pool and API.
//
// Implementations are safe for concurrent use. Each run row is written by
// at most one worker, so no cross-row transactions are needed.
type Store interface {
	// SaveSignature stores sig if no identical signature exists and sets
	// sig.ID either way.
	SaveSignature(ctx context.Context, sig *job.Signature) error
	GetSignature(ctx context.Context, id int64) (job.Signature, error)

	// SaveSchedule upserts by (name, host) and sets s.ID and s.SignatureID.
	SaveSchedule(ctx context.Context, s *job.Schedule) error
	DeleteSchedule(ctx context.Context, name, host string) error
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]job.Schedule, error)
	// Hosts lists distinct non-empty schedule hosts.
	Hosts(ctx context.Context) ([]string, error)

	InsertRun(ctx context.Context, r *job.Run) error
	UpdateRun(ctx context.Context, r *job.Run) error
	GetRun(ctx context.Context, id string) (job.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]job.Run, error)
	// PruneRuns deletes finished runs created before the cutoff.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
