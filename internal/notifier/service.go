package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"jobqueue/internal/eventbus"
	rtsup "jobqueue/internal/runtime/supervisor"
	"jobqueue/internal/scheduler"
	"jobqueue/internal/worker"
	"jobqueue/pkg/logx"
)

const (
	historyMax    = 100
	dedupMax      = 2000
	sendTimeout   = 10 * time.Second
	outputMaxLen  = 600
	maxRetryDelay = 5 * time.Minute
)

var ErrQueueFull = errors.New("notifier queue full")

// Service turns bus events into chat messages.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger

	sup   *rtsup.Supervisor
	queue chan string
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, dropped, deduped atomic.Uint64

	now func() time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "notifier")),
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and runs the send loop. No-op when disabled,
// without a sender, or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	events, unsub := s.bus.SubscribeTypes(s.cfg.QueueSize, eventbus.JobFailed, eventbus.JobSuccess, eventbus.ScheduleError)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	s.sup.GoRestart("notify.events", func(c context.Context) error {
		return s.eventLoop(c, events)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.sup.GoRestart("notify.send", func(c context.Context) error {
		return s.sendLoop(c, q)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("notifier started", logx.Bool("on_success", s.cfg.OnSuccess))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("notifier stopped")
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			onSuccess := s.cfg.OnSuccess
			s.mu.Unlock()
			if text, ok := Format(ev, onSuccess); ok {
				_ = s.Notify(text)
			}
		}
	}
}

// Notify queues text for delivery. Identical text inside the dedup window
// is dropped silently.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	q := s.queue
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if q == nil {
		return fmt.Errorf("notifier not running")
	}
	if window > 0 && !s.dedupAllow(text, window) {
		s.deduped.Add(1)
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= dedupMax {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-q:
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(cfg.RetryBase, attempt))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(HistoryItem{At: s.now(), Text: text})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}
	s.failed.Add(1)
	s.appendHistory(HistoryItem{At: s.now(), Text: text, Err: lastErr.Error()})
	s.log.Warn("notify dropped after retries", logx.Err(lastErr), logx.Int("retry_max", cfg.RetryMax))
}

// retryDelay doubles base per attempt, capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Deduped: s.deduped.Load(),
	}
}

// Format renders the message for an event. ok is false for events that
// are not reported.
func Format(ev eventbus.Event, onSuccess bool) (text string, ok bool) {
	switch ev.Type {
	case eventbus.JobFailed:
		re, isRun := ev.Data.(worker.RunEvent)
		if !isRun {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "❌ job %s failed", re.Key)
		if re.Host != "" {
			fmt.Fprintf(&b, " on %s", re.Host)
		}
		fmt.Fprintf(&b, "\nrun %s, attempts %d, took %s", re.RunID, re.Attempts, re.RunTime.Round(time.Millisecond))
		if re.Output != "" {
			b.WriteString("\n")
			b.WriteString(truncate(re.Output, outputMaxLen))
		}
		return b.String(), true
	case eventbus.JobSuccess:
		if !onSuccess {
			return "", false
		}
		re, isRun := ev.Data.(worker.RunEvent)
		if !isRun {
			return "", false
		}
		return fmt.Sprintf("✅ job %s done in %s (run %s)", re.Key, re.RunTime.Round(time.Millisecond), re.RunID), true
	case eventbus.ScheduleError:
		se, isSched := ev.Data.(*scheduler.ScheduleError)
		if !isSched {
			return "", false
		}
		return "⚠️ " + se.Error(), true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
