package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule binds a recurrence rule to a signature.
//
// Minute, Hour and Month each hold "*", a literal, or "*/N". When Cron is
// set it replaces the three fields with a standard 5-field expression.
type Schedule struct {
	ID          int64     `json:"id,omitempty"`
	Name        string    `json:"name"`
	Host        string    `json:"host,omitempty"`
	Minute      string    `json:"minute"`
	Hour        string    `json:"hour"`
	Month       string    `json:"month"`
	Cron        string    `json:"cron,omitempty"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	Source      string    `json:"source,omitempty"`
	SignatureID int64     `json:"signature_id,omitempty"`
	Signature   Signature `json:"signature"`
}

// FieldKind is the shape of one schedule field.
type FieldKind int

const (
	FieldAny FieldKind = iota
	FieldExact
	FieldEvery
)

// Field is a parsed minute/hour/month field.
type Field struct {
	Kind  FieldKind
	Value int
}

func (f Field) String() string {
	switch f.Kind {
	case FieldExact:
		return strconv.Itoa(f.Value)
	case FieldEvery:
		return "*/" + strconv.Itoa(f.Value)
	default:
		return "*"
	}
}

// ParseField parses "*", "*/N" or a literal within [lo, hi]. An empty
// string is treated as "*".
func ParseField(raw string, lo, hi int) (Field, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "" || s == "*":
		return Field{Kind: FieldAny}, nil
	case strings.HasPrefix(s, "*/"):
		n, err := strconv.Atoi(s[2:])
		if err != nil || n <= 0 {
			return Field{}, fmt.Errorf("invalid step %q", raw)
		}
		if n > hi {
			return Field{}, fmt.Errorf("step %q exceeds %d", raw, hi)
		}
		return Field{Kind: FieldEvery, Value: n}, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return Field{}, fmt.Errorf("invalid value %q", raw)
		}
		if n < lo || n > hi {
			return Field{}, fmt.Errorf("value %d out of range [%d,%d]", n, lo, hi)
		}
		return Field{Kind: FieldExact, Value: n}, nil
	}
}

// match checks v against f. For step fields, lowerZero must also hold:
// the lower-order components are at their start so the rule fires once per
// period instead of on every sub-unit.
func (f Field) match(v int, lowerZero bool) bool {
	switch f.Kind {
	case FieldExact:
		return v == f.Value
	case FieldEvery:
		return v%f.Value == 0 && lowerZero
	default:
		return true
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Rule is a compiled schedule ready for evaluation.
type Rule struct {
	minute, hour, month Field
	cron                cron.Schedule
}

// Compile validates the schedule fields.
func (s Schedule) Compile() (Rule, error) {
	if expr := strings.TrimSpace(s.Cron); expr != "" {
		cs, err := cronParser.Parse(expr)
		if err != nil {
			return Rule{}, fmt.Errorf("schedule %q: cron: %w", s.Name, err)
		}
		return Rule{cron: cs}, nil
	}
	var (
		r   Rule
		err error
	)
	if r.minute, err = ParseField(s.Minute, 0, 59); err != nil {
		return Rule{}, fmt.Errorf("schedule %q: minute: %w", s.Name, err)
	}
	if r.hour, err = ParseField(s.Hour, 0, 23); err != nil {
		return Rule{}, fmt.Errorf("schedule %q: hour: %w", s.Name, err)
	}
	if r.month, err = ParseField(s.Month, 1, 12); err != nil {
		return Rule{}, fmt.Errorf("schedule %q: month: %w", s.Name, err)
	}
	return r, nil
}

// Due reports whether the rule fires in the minute containing t.
func (r Rule) Due(t time.Time) bool {
	t = t.Truncate(time.Minute)
	if r.cron != nil {
		return r.cron.Next(t.Add(-time.Second)).Equal(t)
	}
	minute, hour, day, month := t.Minute(), t.Hour(), t.Day(), int(t.Month())
	return r.minute.match(minute, true) &&
		r.hour.match(hour, minute == 0) &&
		r.month.match(month, day == 1 && hour == 0 && minute == 0)
}

// Next returns the first minute strictly after t at which the rule fires,
// searching at most one year ahead.
func (r Rule) Next(t time.Time) (time.Time, bool) {
	t = t.Truncate(time.Minute)
	if r.cron != nil {
		n := r.cron.Next(t)
		return n, !n.IsZero()
	}
	end := t.AddDate(1, 0, 1)
	for c := t.Add(time.Minute); c.Before(end); c = c.Add(time.Minute) {
		if r.Due(c) {
			return c, true
		}
	}
	return time.Time{}, false
}

// Due compiles and evaluates in one step.
func (s Schedule) Due(t time.Time) (bool, error) {
	r, err := s.Compile()
	if err != nil {
		return false, err
	}
	return r.Due(t), nil
}
