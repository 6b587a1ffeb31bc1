package scheduler

import (
	"context"
	"sort"
	"strings"
)

// StaticHosts is a fixed host list.
type StaticHosts []string

func (h StaticHosts) Hosts(context.Context) ([]string, error) {
	return normalizeHosts(h), nil
}

// normalizeHosts trims, dedupes and sorts.
func normalizeHosts(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
