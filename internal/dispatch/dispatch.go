// Package dispatch turns job requests into persisted pending runs and
// queues them. The scheduler and the HTTP API both enqueue through it.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/job"
	"jobqueue/pkg/logx"
)

// Pusher accepts queued run ids. *queue.Queue satisfies it.
type Pusher interface {
	Push(priority int, runID string) error
}

// RunWriter persists new runs.
type RunWriter interface {
	SaveSignature(ctx context.Context, sig *job.Signature) error
	InsertRun(ctx context.Context, r *job.Run) error
	UpdateRun(ctx context.Context, r *job.Run) error
}

// Resolver checks that a signature names a registered job.
type Resolver interface {
	Resolve(sig job.Signature) (job.Func, error)
}

// Request describes one job to enqueue.
type Request struct {
	Signature  job.Signature
	Priority   int
	Host       string
	ScheduleID int64
}

type Dispatcher struct {
	q     Pusher
	store RunWriter
	reg   Resolver
	log   logx.Logger
	bus   eventbus.Bus

	now   func() time.Time
	newID func() string
}

func New(q Pusher, store RunWriter, reg Resolver, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		q:     q,
		store: store,
		reg:   reg,
		log:   log.With(logx.String("comp", "dispatch")),
		bus:   bus,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Enqueue validates the job key, stores a pending run and pushes it. An
// unknown key fails before anything is written.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (*job.Run, error) {
	if _, err := d.reg.Resolve(req.Signature); err != nil {
		return nil, err
	}
	if req.Signature.ID == 0 {
		if err := d.store.SaveSignature(ctx, &req.Signature); err != nil {
			return nil, err
		}
	}
	run := &job.Run{
		ID:          d.newID(),
		SignatureID: req.Signature.ID,
		Signature:   req.Signature,
		ScheduleID:  req.ScheduleID,
		Host:        req.Host,
		Priority:    req.Priority,
		Status:      job.StatusPending,
		Created:     d.now(),
	}
	if err := d.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	if err := d.q.Push(run.Priority, run.ID); err != nil {
		err = fmt.Errorf("push run %s: %w", run.ID, err)
		// Close out the row so it does not sit pending forever.
		run.Finish(d.now(), job.StatusFailure, err.Error())
		if uerr := d.store.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
			d.log.Warn("mark unqueued run failed", logx.String("run_id", run.ID), logx.Err(uerr))
		}
		return nil, err
	}
	d.log.Debug("job.enqueued",
		logx.String("run_id", run.ID),
		logx.String("job", run.Signature.Key()),
		logx.Int("priority", run.Priority),
		logx.String("host", run.Host),
	)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, Time: run.Created, Data: run.ID})
	}
	return run, nil
}
