package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Run is one execution attempt of a signature.
//
// A run is created pending when it is queued, owned by a single worker while
// it executes, and read-only once Finished is set.
type Run struct {
	ID          string    `json:"id"`
	SignatureID int64     `json:"signature_id"`
	Signature   Signature `json:"signature"`
	// ScheduleID is zero for ad hoc runs.
	ScheduleID int64  `json:"schedule_id,omitempty"`
	Host       string `json:"host,omitempty"`
	Priority   int    `json:"priority"`
	Status     Status `json:"status"`
	Output     string `json:"output,omitempty"`
	Attempts   int    `json:"attempts"`

	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`

	// StartTime is queue latency (Started - Created); RunTime is
	// Finished - Started.
	StartTime time.Duration `json:"start_time"`
	RunTime   time.Duration `json:"run_time"`
}

// Done reports whether the run reached a terminal status.
func (r *Run) Done() bool { return r.Status == StatusSuccess || r.Status == StatusFailure }

// Begin marks the run as picked up by a worker.
func (r *Run) Begin(now time.Time) {
	if now.Before(r.Created) {
		now = r.Created
	}
	r.Started = now
	r.StartTime = r.Started.Sub(r.Created)
}

// Finish records the outcome and derives the run duration.
func (r *Run) Finish(now time.Time, status Status, output string) {
	if r.Started.IsZero() {
		r.Begin(now)
	}
	if now.Before(r.Started) {
		now = r.Started
	}
	r.Finished = now
	r.Status = status
	r.Output = output
	r.RunTime = r.Finished.Sub(r.Started)
}

// FormatOutput renders a job return value for storage.
func FormatOutput(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
