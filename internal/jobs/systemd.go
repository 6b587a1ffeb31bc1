package jobs

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"jobqueue/internal/worker"
)

// UnitStatus is the output of systemd.status.
type UnitStatus struct {
	Unit        string    `json:"unit"`
	Active      string    `json:"active"`
	SubState    string    `json:"sub_state"`
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitzero"`
}

// unitName appends ".service" when the name has no unit suffix.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// checkAllowed rejects units missing from the allowlist. Matching ignores
// the ".service" suffix.
func checkAllowed(allow []string, unit string) error {
	want := unitName(unit)
	if want == "" {
		return worker.NoRetry(fmt.Errorf("unit: %w", errMissingArg))
	}
	if slices.ContainsFunc(allow, func(u string) bool { return unitName(u) == want }) {
		return nil
	}
	return worker.NoRetry(fmt.Errorf("unit %q is not in jobs.systemd.units", want))
}
