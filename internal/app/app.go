package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobqueue/internal/api"
	"jobqueue/internal/config"
	"jobqueue/internal/dispatch"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/job"
	"jobqueue/internal/jobs"
	"jobqueue/internal/notifier"
	"jobqueue/internal/queue"
	rtsup "jobqueue/internal/runtime/supervisor"
	"jobqueue/internal/scheduler"
	"jobqueue/internal/storage"
	"jobqueue/internal/worker"
	"jobqueue/pkg/logx"
)

// recoverLimit bounds how many pending runs are requeued on start.
const recoverLimit = 10000

// App wires the queue, worker pool, scheduler, API and notifier around one
// store and one config file.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	queue     *queue.Queue
	reg       *job.Registry
	closeJobs jobs.Closer
	disp      *dispatch.Dispatcher
	pool      *worker.Pool
	sched     *scheduler.Service
	api       *api.Service
	notif     *notifier.Service

	driver  string
	started time.Time
}

// Options adjust New for embedding and tests.
type Options struct {
	// Config replaces reading cfgPath. Hot reload is off when set.
	Config *config.Config
	// Register adds application jobs to the registry before start.
	Register func(reg *job.Registry) error
}

// New loads the config and builds every component. Nothing runs until
// Start. An empty cfgPath uses config.Default().
func New(cfgPath string, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg != nil || strings.TrimSpace(cfgPath) == "" {
		// Without a file there is nothing to watch.
		cfgPath = ""
		if cfg == nil {
			cfg = config.Default()
		}
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	cfgm := config.NewManager(cfgPath)
	if cfgPath == "" {
		cfgm.Commit(cfg)
	} else {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logs, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return fail(err)
	}
	a.driver = sc.Driver
	if a.driver == "" {
		a.driver = "memory"
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return fail(err)
	}

	a.reg = job.NewRegistry()
	jc, err := mapJobs(cfg)
	if err != nil {
		return fail(err)
	}
	if a.closeJobs, err = jobs.Register(a.reg, jc, log); err != nil {
		return fail(err)
	}
	if opts.Register != nil {
		if err := opts.Register(a.reg); err != nil {
			return fail(fmt.Errorf("register jobs: %w", err))
		}
	}

	a.queue = queue.New()
	a.disp = dispatch.New(a.queue, a.store, a.reg, log, a.bus)

	wc, err := mapWorkers(cfg)
	if err != nil {
		return fail(err)
	}
	a.pool = worker.New(wc, a.queue, a.store, a.reg, log, a.bus)
	a.sched = scheduler.New(mapScheduler(cfg), a.disp, a.store, a.store, log, a.bus)

	ac, err := mapAPI(cfg)
	if err != nil {
		return fail(err)
	}
	a.api = api.New(ac, api.Deps{
		Enqueuer:        a.disp,
		Store:           a.store,
		Catalog:         a.reg,
		Status:          func() any { return a.Status() },
		DefaultPriority: func() int { return defaultPriority(a.cfgm.Get()) },
	}, log)

	nc, err := mapNotifier(cfg)
	if err != nil {
		return fail(err)
	}
	var sender notifier.Sender
	if nc.Enabled {
		ts, err := notifier.NewTelegramSender(cfg.Notifier.Token, cfg.Notifier.ChatID)
		if err != nil {
			return fail(err)
		}
		sender = ts
	}
	a.notif = notifier.New(nc, sender, a.bus, log)
	return a, nil
}

func (a *App) Registry() *job.Registry          { return a.reg }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Scheduler() *scheduler.Service    { return a.sched }
func (a *App) Pool() *worker.Pool               { return a.pool }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) API() *api.Service                { return a.api }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		var errs []error
		_, err := mapWorkers(c)
		errs = append(errs, err)
		_, err = mapAPI(c)
		errs = append(errs, err)
		_, err = mapNotifier(c)
		errs = append(errs, err)
		_, err = configSchedules(c)
		errs = append(errs, err)
		return errors.Join(errs...)
	})

	if err := a.syncSchedules(runCtx, cfg); err != nil {
		return err
	}
	a.recoverPending(runCtx)

	if err := a.pool.Start(runCtx); err != nil {
		return err
	}
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	a.api.Start(runCtx)
	a.notif.Start(runCtx)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm.Path() != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(c, last, newCfg)
					last = newCfg
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("storage", a.driver),
		logx.Int("jobs", a.reg.Len()),
	)
	return nil
}

// applyConfig fans a validated reload out to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "jobs":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	if wc, err := mapWorkers(newCfg); err != nil {
		a.log.Warn("invalid workers config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(wc)
	}

	if err := a.sched.Apply(ctx, mapScheduler(newCfg)); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}
	if err := a.syncSchedules(ctx, newCfg); err != nil {
		a.log.Warn("schedule sync failed", logx.Err(err))
	}

	if ac, err := mapAPI(newCfg); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, ac)
	}

	if nc, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
		if oldCfg.Notifier.Enabled != nc.Enabled {
			a.log.Warn("notifier enable/token change applies after restart")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: sections})
	}
}

func (a *App) syncSchedules(ctx context.Context, cfg *config.Config) error {
	want, err := configSchedules(cfg)
	if err != nil {
		return err
	}
	res, err := scheduler.Sync(ctx, a.store, config.SourceConfig, want)
	if err != nil {
		return err
	}
	if res.Saved > 0 || res.Deleted > 0 {
		a.log.Info("schedules synced", logx.Int("saved", res.Saved), logx.Int("deleted", res.Deleted))
	}
	return nil
}

// recoverPending requeues runs left pending by a previous process. Runs
// that had already started are closed out as failures since their outcome
// is unknown.
func (a *App) recoverPending(ctx context.Context) {
	runs, err := a.store.ListRuns(ctx, storage.RunFilter{Status: job.StatusPending, Limit: recoverLimit})
	if err != nil {
		a.log.Warn("list pending runs failed", logx.Err(err))
		return
	}
	var requeued, interrupted int
	// ListRuns is newest first; push oldest first to keep FIFO order.
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if !run.Started.IsZero() {
			run.Finish(time.Now(), job.StatusFailure, "interrupted: process stopped while the job was running")
			if err := a.store.UpdateRun(ctx, &run); err != nil {
				a.log.Warn("close interrupted run failed", logx.String("run_id", run.ID), logx.Err(err))
			}
			interrupted++
			continue
		}
		if err := a.queue.Push(run.Priority, run.ID); err != nil {
			a.log.Warn("requeue run failed", logx.String("run_id", run.ID), logx.Err(err))
			continue
		}
		requeued++
	}
	if requeued > 0 || interrupted > 0 {
		a.log.Info("recovered pending runs", logx.Int("requeued", requeued), logx.Int("interrupted", interrupted))
	}
}

// Status is the payload of GET /v1/status.
type Status struct {
	Uptime    string             `json:"uptime"`
	Storage   string             `json:"storage"`
	Queue     queue.Stats        `json:"queue"`
	Workers   worker.Snapshot    `json:"workers"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Notifier  notifier.Stats     `json:"notifier"`
	Jobs      int                `json:"jobs"`
}

func (a *App) Status() Status {
	return Status{
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Storage:   a.driver,
		Queue:     a.queue.Stats(),
		Workers:   a.pool.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Notifier:  a.notif.Stats(),
		Jobs:      a.reg.Len(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop. The caller's deadline is never extended.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Producers first so nothing new is queued while workers drain.
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("workers", 30*time.Second, a.pool.Stop)
	a.queue.Close()
	if left := a.queue.Len(); left > 0 {
		a.log.Info("pending runs left in queue", logx.Int("count", left))
	}
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.closeJobs != nil {
		if err := a.closeJobs(); err != nil {
			a.log.Warn("close jobs failed", logx.Err(err))
		}
		a.closeJobs = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		a.log.Info("stopped")
		_ = a.logs.Close()
		a.logs = nil
	}
}
