package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2026, month, day, hour, minute, 0, 0, time.UTC)
}

func TestParseField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    Field
		wantErr bool
	}{
		{raw: "", want: Field{Kind: FieldAny}},
		{raw: "*", want: Field{Kind: FieldAny}},
		{raw: " 7 ", want: Field{Kind: FieldExact, Value: 7}},
		{raw: "*/15", want: Field{Kind: FieldEvery, Value: 15}},
		{raw: "*/0", wantErr: true},
		{raw: "*/x", wantErr: true},
		{raw: "60", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "1-5", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseField(tc.raw, 0, 59)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEveryFifteenMinutes(t *testing.T) {
	t.Parallel()

	s := Schedule{Name: "quarter", Minute: "*/15", Hour: "*", Month: "*"}
	r, err := s.Compile()
	require.NoError(t, err)

	var fired []int
	for _, m := range []int{0, 5, 14, 15, 16, 30} {
		if r.Due(at(time.March, 3, 10, m)) {
			fired = append(fired, m)
		}
	}
	assert.Equal(t, []int{0, 15, 30}, fired)
}

func TestLiteralMinute(t *testing.T) {
	t.Parallel()

	r, err := Schedule{Minute: "7"}.Compile()
	require.NoError(t, err)
	for m := 0; m < 60; m++ {
		assert.Equal(t, m == 7, r.Due(at(time.May, 9, 4, m)), "minute %d", m)
	}
}

func TestHourStepRequiresMinuteZero(t *testing.T) {
	t.Parallel()

	r, err := Schedule{Minute: "*", Hour: "*/6"}.Compile()
	require.NoError(t, err)

	assert.True(t, r.Due(at(time.June, 2, 6, 0)))
	assert.True(t, r.Due(at(time.June, 2, 0, 0)))
	assert.False(t, r.Due(at(time.June, 2, 6, 1)), "fires on every minute of the hour")
	assert.False(t, r.Due(at(time.June, 2, 7, 0)))
}

func TestMonthStepRequiresStartOfMonth(t *testing.T) {
	t.Parallel()

	r, err := Schedule{Month: "*/3"}.Compile()
	require.NoError(t, err)

	assert.True(t, r.Due(at(time.March, 1, 0, 0)))
	assert.False(t, r.Due(at(time.March, 1, 0, 5)))
	assert.False(t, r.Due(at(time.March, 2, 0, 0)))
	assert.False(t, r.Due(at(time.April, 1, 0, 0)))
}

func TestSecondsAreIgnored(t *testing.T) {
	t.Parallel()

	r, err := Schedule{Minute: "30"}.Compile()
	require.NoError(t, err)
	assert.True(t, r.Due(time.Date(2026, 1, 1, 1, 30, 42, 5, time.UTC)))
}

func TestCronExpressionOverridesFields(t *testing.T) {
	t.Parallel()

	s := Schedule{Name: "weekday", Minute: "*/5", Cron: "30 9 * * 1-5"}
	r, err := s.Compile()
	require.NoError(t, err)

	// 2026-03-02 is a Monday.
	assert.True(t, r.Due(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)))
	assert.False(t, r.Due(time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)))
	assert.False(t, r.Due(time.Date(2026, 3, 7, 9, 30, 0, 0, time.UTC)))
}

func TestCompileRejectsBadFields(t *testing.T) {
	t.Parallel()

	for _, s := range []Schedule{
		{Name: "m", Minute: "61"},
		{Name: "h", Hour: "*/25"},
		{Name: "mo", Month: "0"},
		{Name: "c", Cron: "not a cron"},
	} {
		_, err := s.Compile()
		assert.Error(t, err, s.Name)
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	r, err := Schedule{Minute: "*/15"}.Compile()
	require.NoError(t, err)

	n, ok := r.Next(at(time.July, 4, 12, 15))
	require.True(t, ok)
	assert.Equal(t, at(time.July, 4, 12, 30), n)
}
