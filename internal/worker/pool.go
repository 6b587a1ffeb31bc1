package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/job"
	"jobqueue/internal/queue"
	"jobqueue/internal/runtime/supervisor"
	"jobqueue/pkg/logx"
)

// persistTimeout bounds run writes, which must happen even when the job
// context is already cancelled.
const persistTimeout = 10 * time.Second

// Pool runs a fixed number of workers, each looping Pop, execute, persist.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	src   Source
	store RunStore
	reg   Resolver

	sup *supervisor.Supervisor
	// jobCancel aborts in-flight jobs; only used when Stop runs out of time.
	jobCancel context.CancelFunc
	stopped   bool

	inFlight  atomic.Int64
	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, src Source, store RunStore, reg Resolver, log logx.Logger, bus eventbus.Bus) *Pool {
	return &Pool{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "worker")),
		bus:   bus,
		src:   src,
		store: store,
		reg:   reg,
	}
}

func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Apply updates execution policy. Timeouts, retries and history size take
// effect for the next job; a new worker count needs a restart.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg.Workers
	p.cfg = cfg
	p.mu.Unlock()
	if prev != cfg.Workers {
		p.log.Warn("worker count change applies after restart", logx.Int("current", prev), logx.Int("configured", cfg.Workers))
	}
}

// Supervisor exposes the worker supervisor for health output. Nil until
// Start.
func (p *Pool) Supervisor() *supervisor.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

// Start launches the workers. Calling it on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.sup != nil {
		return nil
	}

	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.jobCancel = jobCancel
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log), supervisor.WithCancelOnError(false))

	n := p.cfg.Workers
	for i := 0; i < n; i++ {
		idx := i
		p.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return p.loop(c, jobCtx, idx)
		}, supervisor.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", n),
		logx.Duration("default_timeout", p.cfg.DefaultTimeout), logx.Int("retry_max", p.cfg.RetryMax))
	return nil
}

// Stop stops taking new jobs and waits for in-flight jobs to finish. If
// ctx ends first, in-flight jobs are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup, cancelJobs := p.sup, p.jobCancel
	p.stopped = true
	p.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	err := sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		p.log.Warn("worker pool stop timed out; cancelling in-flight jobs", logx.Int64("in_flight", p.inFlight.Load()))
		cancelJobs()
		return err
	}
	cancelJobs()
	p.log.Info("worker pool stopped", logx.Uint64("processed", p.processed.Load()))
	return nil
}

// loop is one worker. It returns nil when the source is closed or ctx is
// done, and an error when a run cannot be loaded (the supervisor restarts
// it).
func (p *Pool) loop(ctx, jobCtx context.Context, idx int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		e, err := p.src.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pop: %w", err)
		}
		run, err := p.store.GetRun(ctx, e.RunID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("run lost: cannot load", logx.String("run_id", e.RunID), logx.Err(err))
			return fmt.Errorf("load run %s: %w", e.RunID, err)
		}
		if run.Done() || !run.Started.IsZero() {
			p.log.Warn("run already taken; skipping", logx.String("run_id", run.ID), logx.String("status", string(run.Status)))
			continue
		}
		p.handle(jobCtx, &run, rng)
	}
}

// Handle executes one run synchronously and persists the outcome. Job
// failures are recorded on the run, never returned.
func (p *Pool) Handle(ctx context.Context, run *job.Run) {
	p.handle(ctx, run, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func (p *Pool) handle(ctx context.Context, run *job.Run, rng *rand.Rand) {
	cfg := p.config()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	key := run.Signature.Key()
	log := p.log.With(logx.String("run_id", run.ID), logx.String("job", key))
	if run.Host != "" {
		log = log.With(logx.String("host", run.Host))
	}

	run.Begin(time.Now())
	p.persist(ctx, log, run)
	log.Info("job.started", logx.Duration("start_time", run.StartTime))
	p.publish(eventbus.JobStarted, run)

	var (
		out any
		err error
	)
	fn, err := p.reg.Resolve(run.Signature)
	if err == nil {
		out, err = p.invoke(ctx, log, run, fn, cfg, rng)
	} else {
		run.Attempts = 1
	}

	if err != nil {
		run.Finish(time.Now(), job.StatusFailure, failureText(err))
		fields := []logx.Field{logx.Err(err), logx.Int("attempts", run.Attempts), logx.Duration("run_time", run.RunTime)}
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		log.Error("job.failed", fields...)
		p.failed.Add(1)
	} else {
		run.Finish(time.Now(), job.StatusSuccess, job.FormatOutput(out))
		log.Info("job.success", logx.Int("attempts", run.Attempts), logx.Duration("run_time", run.RunTime))
		p.succeeded.Add(1)
	}
	p.processed.Add(1)
	p.persist(ctx, log, run)
	p.record(run, cfg.HistorySize)
	if run.Status == job.StatusSuccess {
		p.publish(eventbus.JobSuccess, run)
	} else {
		p.publish(eventbus.JobFailed, run)
	}
}

// failureText is the stored output of a failed run; never empty.
func failureText(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T: job failed", err)
}

// invoke runs fn with the retry policy and returns the last outcome.
func (p *Pool) invoke(ctx context.Context, log logx.Logger, run *job.Run, fn job.Func, cfg Config, rng *rand.Rand) (any, error) {
	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		out, err := callOnce(ctx, fn, run.Signature, cfg.DefaultTimeout)
		if err == nil {
			return out, nil
		}
		if IsNoRetry(err) || attempt >= maxAttempts || ctx.Err() != nil {
			return nil, err
		}
		var pe *PanicError
		if errors.As(err, &pe) {
			return nil, err
		}

		delay := backoffDelay(cfg, attempt, err, rng)
		log.Warn("job.retry", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}

func callOnce(ctx context.Context, fn job.Func, sig job.Signature, timeout time.Duration) (out any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	out, err = fn(ctx, sig.Args, sig.Kwargs)
	if err != nil && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return out, err
}

func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*cfg.RetryJitter))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func (p *Pool) persist(ctx context.Context, log logx.Logger, run *job.Run) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := p.store.UpdateRun(pctx, run); err != nil {
		log.Error("persist run failed", logx.String("status", string(run.Status)), logx.Err(err))
	}
}

func (p *Pool) publish(typ string, run *job.Run) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: eventFor(run)})
}

func (p *Pool) record(run *job.Run, size int) {
	item := HistoryItem{
		RunID:     run.ID,
		Key:       run.Signature.Key(),
		Status:    run.Status,
		Started:   run.Started,
		StartTime: run.StartTime,
		RunTime:   run.RunTime,
		Attempts:  run.Attempts,
	}
	if run.Status == job.StatusFailure {
		item.Error = run.Output
	}
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = append([]HistoryItem(nil), p.history[len(p.history)-size:]...)
	}
	p.hmu.Unlock()
}

func (p *Pool) Snapshot() Snapshot {
	cfg := p.config()
	p.mu.Lock()
	running := p.sup != nil && !p.stopped
	p.mu.Unlock()

	p.hmu.Lock()
	hist := append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()

	return Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		InFlight:       p.inFlight.Load(),
		Processed:      p.processed.Load(),
		Succeeded:      p.succeeded.Load(),
		Failed:         p.failed.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
		History:        hist,
	}
}
