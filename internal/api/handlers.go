package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"jobqueue/internal/dispatch"
	"jobqueue/internal/job"
	"jobqueue/internal/storage"
	"jobqueue/pkg/logx"
)

// SourceAPI marks schedules created over HTTP.
const SourceAPI = "api"

const maxBody = 1 << 20

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	Job      string         `json:"job"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	Priority *int           `json:"priority,omitempty"`
	Host     string         `json:"host,omitempty"`
}

// ScheduleRequest is the body of PUT /v1/schedules.
type ScheduleRequest struct {
	Name     string         `json:"name"`
	Host     string         `json:"host,omitempty"`
	Job      string         `json:"job"`
	Minute   string         `json:"minute,omitempty"`
	Hour     string         `json:"hour,omitempty"`
	Month    string         `json:"month,omitempty"`
	Cron     string         `json:"cron,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// DueSchedule is one entry of GET /v1/schedules/due.
type DueSchedule struct {
	Schedule job.Schedule `json:"schedule"`
	Due      bool         `json:"due"`
	Next     time.Time    `json:"next,omitzero"`
	Error    string       `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler builds the router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var limiter *rate.Limiter
	if cfg.EnqueueRate > 0 {
		burst := max(cfg.EnqueueBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.EnqueueRate), burst)
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/status", s.getStatus)
			r.Get("/jobs", s.listJobs)
			r.With(rateLimit(limiter)).Post("/jobs", s.enqueue)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{id}", s.getRun)
			r.Get("/schedules", s.listSchedules)
			r.Put("/schedules", s.putSchedule)
			r.Get("/schedules/due", s.dueSchedules)
			r.Delete("/schedules/{name}", s.deleteSchedule)
		})
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if !s.log.Enabled(logx.LevelDebug) {
			return
		}
		s.log.Debug("http.request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				if v, ok := strings.CutPrefix(ah, "Bearer "); ok {
					got = strings.TrimSpace(v)
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, errors.New("enqueue rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Catalog.List(r.URL.Query().Get("match"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(infos), "jobs": infos})
}

func (s *Service) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mod, fn, err := job.ParseKey(req.Job)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job: %w", err))
		return
	}
	prio := 0
	if req.Priority != nil {
		prio = *req.Priority
	} else if s.deps.DefaultPriority != nil {
		prio = s.deps.DefaultPriority()
	}
	run, err := s.deps.Enqueuer.Enqueue(r.Context(), dispatch.Request{
		Signature: job.Signature{Module: mod, Function: fn, Args: req.Args, Kwargs: req.Kwargs},
		Priority:  prio,
		Host:      strings.TrimSpace(req.Host),
	})
	if err != nil {
		if errors.Is(err, job.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Service) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RunFilter{
		Status: job.Status(q.Get("status")),
		Key:    q.Get("job"),
		Host:   q.Get("host"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", f.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

func (s *Service) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Service) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.deps.Store.ListSchedules(r.Context(), scheduleFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(scheds), "schedules": scheds})
}

func scheduleFilter(r *http.Request) storage.ScheduleFilter {
	var f storage.ScheduleFilter
	if r.URL.Query().Has("host") {
		h := r.URL.Query().Get("host")
		f.Host = &h
		f.IncludeGlobal = true
	}
	return f
}

func (s *Service) putSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name: required"))
		return
	}
	mod, fn, err := job.ParseKey(req.Job)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job: %w", err))
		return
	}
	prio := req.Priority
	if prio == 0 && s.deps.DefaultPriority != nil {
		prio = s.deps.DefaultPriority()
	}
	sc := job.Schedule{
		Name:      strings.TrimSpace(req.Name),
		Host:      strings.TrimSpace(req.Host),
		Minute:    req.Minute,
		Hour:      req.Hour,
		Month:     req.Month,
		Cron:      req.Cron,
		Priority:  prio,
		Enabled:   !req.Disabled,
		Source:    SourceAPI,
		Signature: job.Signature{Module: mod, Function: fn, Args: req.Args, Kwargs: req.Kwargs},
	}
	if _, err := sc.Compile(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Store.SaveSchedule(r.Context(), &sc); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Service) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Store.DeleteSchedule(r.Context(), name, r.URL.Query().Get("host")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dueSchedules evaluates stored schedules at ?at= (RFC 3339, default now)
// without enqueueing anything.
func (s *Service) dueSchedules(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("at: %w", err))
			return
		}
		at = t
	}
	scheds, err := s.deps.Store.ListSchedules(r.Context(), scheduleFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]DueSchedule, 0, len(scheds))
	for _, sc := range scheds {
		d := DueSchedule{Schedule: sc}
		rule, err := sc.Compile()
		if err != nil {
			d.Error = err.Error()
		} else {
			d.Due = rule.Due(at)
			d.Next, _ = rule.Next(at)
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"at": at.Truncate(time.Minute), "schedules": out})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
