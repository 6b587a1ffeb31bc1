package worker

import (
	"context"
	"time"

	"jobqueue/internal/job"
	"jobqueue/internal/queue"
)

// Config sizes the pool and sets execution policy. Timeouts and retries
// are off unless configured.
type Config struct {
	Workers int

	// DefaultTimeout bounds each attempt; 0 lets jobs run to completion.
	DefaultTimeout time.Duration

	// RetryMax is the number of extra attempts after a failure.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Source hands out queued runs. *queue.Queue satisfies it.
type Source interface {
	Pop(ctx context.Context) (queue.Entry, error)
}

// RunStore loads and persists runs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (job.Run, error)
	UpdateRun(ctx context.Context, r *job.Run) error
}

// Resolver maps a signature to its function. *job.Registry satisfies it.
type Resolver interface {
	Resolve(sig job.Signature) (job.Func, error)
}

// RunEvent is the payload of job lifecycle events on the bus.
type RunEvent struct {
	RunID     string        `json:"run_id"`
	Key       string        `json:"key"`
	Host      string        `json:"host,omitempty"`
	Status    job.Status    `json:"status"`
	Attempts  int           `json:"attempts"`
	StartTime time.Duration `json:"start_time"`
	RunTime   time.Duration `json:"run_time"`
	Output    string        `json:"output,omitempty"`
}

func eventFor(r *job.Run) RunEvent {
	return RunEvent{
		RunID:     r.ID,
		Key:       r.Signature.Key(),
		Host:      r.Host,
		Status:    r.Status,
		Attempts:  r.Attempts,
		StartTime: r.StartTime,
		RunTime:   r.RunTime,
		Output:    r.Output,
	}
}

type HistoryItem struct {
	RunID     string        `json:"run_id"`
	Key       string        `json:"key"`
	Status    job.Status    `json:"status"`
	Started   time.Time     `json:"started"`
	StartTime time.Duration `json:"start_time"`
	RunTime   time.Duration `json:"run_time"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is a diagnostics view of the pool.
type Snapshot struct {
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	InFlight       int64         `json:"in_flight"`
	Processed      uint64        `json:"processed"`
	Succeeded      uint64        `json:"succeeded"`
	Failed         uint64        `json:"failed"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`
	History        []HistoryItem `json:"history"`
}
