package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"jobqueue/internal/dispatch"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/job"
	"jobqueue/internal/storage"
	"jobqueue/pkg/logx"
)

const (
	// errorWarnEvery throttles repeated warnings for the same schedule.
	errorWarnEvery = 5 * time.Second
	// maxCatchUp bounds how many skipped minutes a late tick replays.
	maxCatchUp = 5
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron
	ctx context.Context

	enq    Enqueuer
	lister ScheduleLister
	hosts  HostResolver
	log    logx.Logger
	bus    eventbus.Bus

	onError func(*ScheduleError)

	tickMu   sync.Mutex
	lastTick time.Time

	warnMu  sync.Mutex
	limiter map[string]*rate.Limiter

	ticks    atomic.Uint64
	enqueued atomic.Uint64
	errs     atomic.Uint64

	now func() time.Time
}

func New(cfg Config, enq Enqueuer, lister ScheduleLister, hosts HostResolver, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		enq:     enq,
		lister:  lister,
		hosts:   hosts,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		limiter: map[string]*rate.Limiter{},
		now:     time.Now,
	}
	s.cfg = cfg
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// OnError registers a callback that receives every schedule error. It is
// called synchronously from the tick goroutine.
func (s *Service) OnError(fn func(*ScheduleError)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

func (s *Service) loadLocation(tz string) *time.Location {
	if tz == "" || tz == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("timezone", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start registers the minute trigger. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("service disabled")
		return nil
	}
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New(cron.WithLocation(s.loc))
	ctx := s.ctx
	if _, err := c.AddFunc("* * * * *", func() { s.fire(ctx) }); err != nil {
		return fmt.Errorf("register minute trigger: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("timezone", s.loc.String()))
	return nil
}

// Stop halts the trigger and waits for a running tick, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps the config. A timezone or enable change restarts the trigger.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	restart := old.Timezone != cfg.Timezone || old.Enabled != cfg.Enabled
	s.loc = s.loadLocation(cfg.Timezone)
	c := s.c
	if restart {
		s.c = nil
	}
	s.mu.Unlock()
	if !restart {
		return nil
	}
	if c != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		select {
		case <-c.Stop().Done():
		case <-stopCtx.Done():
		}
		cancel()
	}
	if !cfg.Enabled {
		s.log.Info("service disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.ctx = ctx
	}
	return s.startLocked()
}

// fire evaluates the current minute, replaying a few skipped minutes when
// the trigger ran late.
func (s *Service) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	now := s.now().In(loc).Truncate(time.Minute)

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	from := now
	if !s.lastTick.IsZero() {
		if !now.After(s.lastTick) {
			return
		}
		from = s.lastTick.Add(time.Minute)
		if earliest := now.Add(-maxCatchUp * time.Minute); from.Before(earliest) {
			s.log.Warn("scheduler fell behind, skipping minutes",
				logx.Time("last_tick", s.lastTick),
				logx.Time("resume", earliest),
			)
			from = earliest
		}
	}
	for t := from; !t.After(now); t = t.Add(time.Minute) {
		s.RunOnce(ctx, t)
	}
	s.lastTick = now
}

// RunOnce evaluates every enabled schedule for every host at t and
// enqueues the due ones. Failures are reported and never stop the pass.
func (s *Service) RunOnce(ctx context.Context, t time.Time) TickReport {
	s.ticks.Add(1)
	rep := TickReport{At: t}

	hosts, err := s.resolveHosts(ctx)
	if err != nil {
		s.report(&ScheduleError{Schedule: "*", At: t, Err: fmt.Errorf("resolve hosts: %w", err)})
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	rep.Hosts = len(hosts)
	for _, host := range hosts {
		h := host
		scheds, err := s.lister.ListSchedules(ctx, storage.ScheduleFilter{
			Host:          &h,
			IncludeGlobal: true,
			EnabledOnly:   true,
		})
		if err != nil {
			se := &ScheduleError{Schedule: "*", Host: host, At: t, Err: fmt.Errorf("list schedules: %w", err)}
			s.report(se)
			rep.Errors = append(rep.Errors, se)
			continue
		}
		part := s.Tick(ctx, t, host, scheds)
		rep.Evaluated += part.Evaluated
		rep.Due += part.Due
		rep.RunIDs = append(rep.RunIDs, part.RunIDs...)
		rep.Errors = append(rep.Errors, part.Errors...)
	}
	if rep.Due > 0 || len(rep.Errors) > 0 {
		s.log.Debug("tick",
			logx.Time("at", t),
			logx.Int("hosts", rep.Hosts),
			logx.Int("evaluated", rep.Evaluated),
			logx.Int("due", rep.Due),
			logx.Int("errors", len(rep.Errors)),
		)
	}
	return rep
}

// Tick evaluates the given schedules for one host at t.
func (s *Service) Tick(ctx context.Context, t time.Time, host string, scheds []job.Schedule) TickReport {
	rep := TickReport{At: t, Hosts: 1}
	s.mu.Lock()
	defPrio := s.cfg.DefaultPriority
	s.mu.Unlock()

	for _, sc := range scheds {
		if !sc.Enabled {
			continue
		}
		rep.Evaluated++
		due, err := sc.Due(t)
		if err != nil {
			se := &ScheduleError{Schedule: sc.Name, Host: host, Key: sc.Signature.Key(), At: t, Err: err}
			s.report(se)
			rep.Errors = append(rep.Errors, se)
			continue
		}
		if !due {
			continue
		}
		rep.Due++
		prio := sc.Priority
		if prio == 0 {
			prio = defPrio
		}
		run, err := s.enq.Enqueue(ctx, dispatch.Request{
			Signature:  sc.Signature,
			Priority:   prio,
			Host:       host,
			ScheduleID: sc.ID,
		})
		if err != nil {
			se := &ScheduleError{Schedule: sc.Name, Host: host, Key: sc.Signature.Key(), At: t, Err: err}
			s.report(se)
			rep.Errors = append(rep.Errors, se)
			continue
		}
		s.enqueued.Add(1)
		rep.RunIDs = append(rep.RunIDs, run.ID)
	}
	return rep
}

func (s *Service) resolveHosts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	pinned := s.cfg.Hosts
	s.mu.Unlock()

	var hosts []string
	if len(pinned) > 0 {
		hosts = normalizeHosts(pinned)
	} else if s.hosts != nil {
		h, err := s.hosts.Hosts(ctx)
		if err != nil {
			return nil, err
		}
		hosts = normalizeHosts(h)
	}
	if len(hosts) == 0 {
		// Single-tenant: global schedules run once without a host.
		return []string{""}, nil
	}
	return hosts, nil
}

func (s *Service) report(se *ScheduleError) {
	s.errs.Add(1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleError, Time: se.At, Data: se})
	}
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(se)
	}

	if errors.Is(se.Err, context.Canceled) {
		return
	}
	if !s.allowWarn(se.Schedule + "@" + se.Host) {
		return
	}
	s.log.Warn("schedule failed",
		logx.String("schedule", se.Schedule),
		logx.String("host", se.Host),
		logx.String("job", se.Key),
		logx.Err(se.Err),
	)
}

func (s *Service) allowWarn(key string) bool {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	l, ok := s.limiter[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(errorWarnEvery), 1)
		s.limiter[key] = l
	}
	return l.Allow()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: s.loc.String(),
	}
	loc := s.loc
	s.mu.Unlock()

	s.tickMu.Lock()
	snap.LastTick = s.lastTick
	s.tickMu.Unlock()
	if snap.Running {
		snap.NextTick = s.now().In(loc).Truncate(time.Minute).Add(time.Minute)
	}
	snap.Ticks = s.ticks.Load()
	snap.Enqueued = s.enqueued.Load()
	snap.ErrorsSum = s.errs.Load()
	return snap
}

// Location is the zone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}
