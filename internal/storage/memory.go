package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobqueue/internal/job"
)

type scheduleKey struct{ name, host string }

// Memory is a Store kept in process memory. Arguments are round-tripped
// through JSON so values read back look the same as from sqlite.
type Memory struct {
	mu sync.RWMutex

	sigSeq   int64
	sigs     map[int64]job.Signature
	sigByFP  map[string]int64
	schedSeq int64
	scheds   map[scheduleKey]job.Schedule
	runs     map[string]job.Run
	closed   bool

	retention time.Duration
	inserts   int
}

func NewMemory() *Memory {
	return &Memory{
		sigs:    map[int64]job.Signature{},
		sigByFP: map[string]int64{},
		scheds:  map[scheduleKey]job.Schedule{},
		runs:    map[string]job.Run{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func normalize(sig job.Signature) (job.Signature, error) {
	a, k, err := encodeArgs(&sig)
	if err != nil {
		return job.Signature{}, err
	}
	out := job.Signature{ID: sig.ID, Module: sig.Module, Function: sig.Function}
	if err := decodeArgs(&out, a, k); err != nil {
		return job.Signature{}, err
	}
	return out, nil
}

func (m *Memory) SaveSignature(_ context.Context, sig *job.Signature) error {
	fp, err := sig.Fingerprint()
	if err != nil {
		return err
	}
	norm, err := normalize(*sig)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.saveSignatureLocked(sig, norm, fp)
}

func (m *Memory) saveSignatureLocked(sig *job.Signature, norm job.Signature, fp string) error {
	if id, ok := m.sigByFP[fp]; ok {
		sig.ID = id
		return nil
	}
	m.sigSeq++
	norm.ID = m.sigSeq
	m.sigs[norm.ID] = norm
	m.sigByFP[fp] = norm.ID
	sig.ID = norm.ID
	return nil
}

func (m *Memory) GetSignature(_ context.Context, id int64) (job.Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.sigs[id]
	if !ok {
		return job.Signature{}, fmt.Errorf("signature %d: %w", id, ErrNotFound)
	}
	return sig, nil
}

func (m *Memory) SaveSchedule(ctx context.Context, s *job.Schedule) error {
	if err := m.SaveSignature(ctx, &s.Signature); err != nil {
		return err
	}
	s.SignatureID = s.Signature.ID
	s.Minute, s.Hour, s.Month = orStar(s.Minute), orStar(s.Hour), orStar(s.Month)

	m.mu.Lock()
	defer m.mu.Unlock()
	k := scheduleKey{s.Name, s.Host}
	if prev, ok := m.scheds[k]; ok {
		s.ID = prev.ID
	} else {
		m.schedSeq++
		s.ID = m.schedSeq
	}
	cp := *s
	cp.Signature = m.sigs[s.SignatureID]
	m.scheds[k] = cp
	return nil
}

func (m *Memory) DeleteSchedule(_ context.Context, name, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scheduleKey{name, host}
	if _, ok := m.scheds[k]; !ok {
		return fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	delete(m.scheds, k)
	return nil
}

func (m *Memory) ListSchedules(_ context.Context, f ScheduleFilter) ([]job.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []job.Schedule
	for _, s := range m.scheds {
		if f.Host != nil && s.Host != *f.Host && !(f.IncludeGlobal && s.Host == "") {
			continue
		}
		if f.EnabledOnly && !s.Enabled {
			continue
		}
		if f.Source != "" && s.Source != f.Source {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) Hosts(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for k := range m.scheds {
		if k.host != "" && !seen[k.host] {
			seen[k.host] = true
			out = append(out, k.host)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) InsertRun(ctx context.Context, r *job.Run) error {
	if r.SignatureID == 0 {
		if err := m.SaveSignature(ctx, &r.Signature); err != nil {
			return err
		}
		r.SignatureID = r.Signature.ID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("insert run %s: duplicate id", r.ID)
	}
	sig, ok := m.sigs[r.SignatureID]
	if !ok {
		return fmt.Errorf("insert run %s: signature %d: %w", r.ID, r.SignatureID, ErrNotFound)
	}
	cp := *r
	cp.Signature = sig
	m.runs[r.ID] = cp
	if m.retention > 0 {
		m.inserts++
		if m.inserts%pruneEvery == 0 {
			m.pruneLocked(time.Now().Add(-m.retention))
		}
	}
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, r *job.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prev, ok := m.runs[r.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	prev.Status = r.Status
	prev.Output = r.Output
	prev.Attempts = r.Attempts
	prev.Started = r.Started
	prev.Finished = r.Finished
	prev.StartTime = r.StartTime
	prev.RunTime = r.RunTime
	m.runs[r.ID] = prev
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (job.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return job.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]job.Run, error) {
	m.mu.RLock()
	out := make([]job.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Key != "" && r.Signature.Key() != f.Key {
			continue
		}
		if f.Host != "" && r.Host != f.Host {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID > out[j].ID
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) PruneRuns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(before), nil
}

func (m *Memory) pruneLocked(before time.Time) int64 {
	var n int64
	for id, r := range m.runs {
		if r.Status != job.StatusPending && r.Created.Before(before) {
			delete(m.runs, id)
			n++
		}
	}
	return n
}
