package rrule_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"calsync/internal/rrule"
)

func TestDecode(t *testing.T) {
	t.Run("weekly with day set and count", func(t *testing.T) {
		d, err := rrule.Decode("FREQ=WEEKLY;BYDAY=MO,WE,FR;COUNT=10")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if d.Freq != rrule.Weekly {
			t.Errorf("Freq = %v, want WEEKLY", d.Freq)
		}
		want := []rrule.Weekday{rrule.Monday, rrule.Wednesday, rrule.Friday}
		if !reflect.DeepEqual(d.ByDay, want) {
			t.Errorf("ByDay = %v, want %v", d.ByDay, want)
		}
		if d.Count != 10 {
			t.Errorf("Count = %d, want 10", d.Count)
		}
		if d.Interval != 1 {
			t.Errorf("Interval = %d, want 1", d.Interval)
		}
	})

	t.Run("tolerates RRULE prefix", func(t *testing.T) {
		d, err := rrule.Decode("RRULE:FREQ=DAILY;INTERVAL=2")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if d.Freq != rrule.Daily || d.Interval != 2 {
			t.Errorf("got %+v, want daily interval 2", d)
		}
	})

	t.Run("monthly positional", func(t *testing.T) {
		d, err := rrule.Decode("FREQ=MONTHLY;BYDAY=TU;BYSETPOS=2")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if d.BySetPos != 2 || len(d.ByDay) != 1 || d.ByDay[0] != rrule.Tuesday {
			t.Errorf("got %+v, want second Tuesday", d)
		}
	})

	t.Run("until parses UTC basic format", func(t *testing.T) {
		d, err := rrule.Decode("FREQ=DAILY;UNTIL=20240610T090000Z")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		want := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
		if d.Until == nil || !d.Until.Equal(want) {
			t.Errorf("Until = %v, want %v", d.Until, want)
		}
	})

	t.Run("unknown tokens go to passthrough", func(t *testing.T) {
		d, err := rrule.Decode("FREQ=WEEKLY;WKST=SU;BYHOUR=9")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		want := []string{"WKST=SU", "BYHOUR=9"}
		if !reflect.DeepEqual(d.Passthrough, want) {
			t.Errorf("Passthrough = %v, want %v", d.Passthrough, want)
		}
	})

	t.Run("rejects contradictory monthly modes", func(t *testing.T) {
		_, err := rrule.Decode("FREQ=MONTHLY;BYMONTHDAY=15;BYDAY=MO;BYSETPOS=1")
		var merr *rrule.MalformedRuleError
		if !errors.As(err, &merr) {
			t.Fatalf("Decode() error = %v, want *MalformedRuleError", err)
		}
	})

	t.Run("rejects until and count together", func(t *testing.T) {
		_, err := rrule.Decode("FREQ=DAILY;UNTIL=20250101T000000Z;COUNT=3")
		var merr *rrule.MalformedRuleError
		if !errors.As(err, &merr) {
			t.Fatalf("Decode() error = %v, want *MalformedRuleError", err)
		}
	})

	t.Run("rejects missing FREQ", func(t *testing.T) {
		_, err := rrule.Decode("INTERVAL=2;COUNT=5")
		var merr *rrule.MalformedRuleError
		if !errors.As(err, &merr) {
			t.Fatalf("Decode() error = %v, want *MalformedRuleError", err)
		}
	})

	t.Run("rejects duplicate tokens", func(t *testing.T) {
		_, err := rrule.Decode("FREQ=DAILY;FREQ=WEEKLY")
		var merr *rrule.MalformedRuleError
		if !errors.As(err, &merr) {
			t.Fatalf("Decode() error = %v, want *MalformedRuleError", err)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	until := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exdate := time.Date(2024, 7, 4, 13, 0, 0, 0, time.UTC)

	descriptors := []rrule.Descriptor{
		{Freq: rrule.Daily, Interval: 1},
		{Freq: rrule.Weekly, Interval: 2, ByDay: []rrule.Weekday{rrule.Monday, rrule.Friday}},
		{Freq: rrule.Weekly, Interval: 1, ByDay: []rrule.Weekday{rrule.Monday}, Count: 5},
		{Freq: rrule.Monthly, Interval: 1, ByMonthDay: 15, Until: &until},
		{Freq: rrule.Monthly, Interval: 3, ByDay: []rrule.Weekday{rrule.Thursday}, BySetPos: -1},
		{Freq: rrule.Yearly, Interval: 1, ByMonth: []int{3, 9}},
		{Freq: rrule.Daily, Interval: 1, ExceptionDates: []time.Time{exdate}},
		{Freq: rrule.Weekly, Interval: 1, ByDay: []rrule.Weekday{rrule.Sunday}, Passthrough: []string{"WKST=SU"}},
	}

	for _, d := range descriptors {
		encoded := rrule.Encode(d)
		decoded, err := rrule.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", encoded, err)
		}
		if !descriptorsEqual(d, decoded) {
			t.Errorf("round trip mismatch for %q:\n got  %+v\n want %+v", encoded, decoded, d)
		}
	}
}

// descriptorsEqual compares semantically: time values by instant, the
// rest structurally.
func descriptorsEqual(a, b rrule.Descriptor) bool {
	if a.Freq != b.Freq || a.Interval != b.Interval ||
		a.ByMonthDay != b.ByMonthDay || a.BySetPos != b.BySetPos ||
		a.Count != b.Count {
		return false
	}
	if !reflect.DeepEqual(a.ByDay, b.ByDay) || !reflect.DeepEqual(a.ByMonth, b.ByMonth) ||
		!reflect.DeepEqual(a.Passthrough, b.Passthrough) {
		return false
	}
	if (a.Until == nil) != (b.Until == nil) {
		return false
	}
	if a.Until != nil && !a.Until.Equal(*b.Until) {
		return false
	}
	if len(a.ExceptionDates) != len(b.ExceptionDates) {
		return false
	}
	for i := range a.ExceptionDates {
		if !a.ExceptionDates[i].Equal(b.ExceptionDates[i]) {
			return false
		}
	}
	return true
}
