package scheduler

import (
	"context"
	"errors"
	"fmt"

	"jobqueue/internal/job"
	"jobqueue/internal/storage"
)

// ScheduleStore is the subset of storage.Store used by Sync.
type ScheduleStore interface {
	ScheduleLister
	SaveSchedule(ctx context.Context, s *job.Schedule) error
	DeleteSchedule(ctx context.Context, name, host string) error
}

type SyncResult struct {
	Saved   int `json:"saved"`
	Deleted int `json:"deleted"`
}

// Sync makes the stored schedules owned by source match want. Schedules
// from other sources are left alone.
func Sync(ctx context.Context, st ScheduleStore, source string, want []job.Schedule) (SyncResult, error) {
	var res SyncResult
	have, err := st.ListSchedules(ctx, storage.ScheduleFilter{Source: source})
	if err != nil {
		return res, fmt.Errorf("list %s schedules: %w", source, err)
	}

	keep := make(map[[2]string]bool, len(want))
	var errs []error
	for i := range want {
		sc := want[i]
		sc.Source = source
		// a failed save must not turn a declared schedule into a stale one
		keep[[2]string{sc.Name, sc.Host}] = true
		if err := st.SaveSchedule(ctx, &sc); err != nil {
			errs = append(errs, fmt.Errorf("save schedule %q: %w", sc.Name, err))
			continue
		}
		res.Saved++
	}
	for _, sc := range have {
		if keep[[2]string{sc.Name, sc.Host}] {
			continue
		}
		if err := st.DeleteSchedule(ctx, sc.Name, sc.Host); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete schedule %q: %w", sc.Name, err))
			continue
		}
		res.Deleted++
	}
	return res, errors.Join(errs...)
}
