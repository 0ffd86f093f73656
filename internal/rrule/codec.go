// Package rrule converts between RFC-5545 recurrence-rule strings and the
// internal Descriptor type. The token tables are fixed; there is no locale
// dependency. Tokens this system does not interpret are preserved verbatim
// in Descriptor.Passthrough rather than silently dropped, so provider-
// authored rules survive a decode/encode cycle untouched.
package rrule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	teambition "github.com/teambition/rrule-go"
)

// Frequency is the base recurrence frequency.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Weekday is a two-letter RFC-5545 day token.
type Weekday string

const (
	Monday    Weekday = "MO"
	Tuesday   Weekday = "TU"
	Wednesday Weekday = "WE"
	Thursday  Weekday = "TH"
	Friday    Weekday = "FR"
	Saturday  Weekday = "SA"
	Sunday    Weekday = "SU"
)

// weekdayTable is the fixed mapping onto rrule-go weekday values used by
// the occurrence expander.
var weekdayTable = map[Weekday]teambition.Weekday{
	Monday:    teambition.MO,
	Tuesday:   teambition.TU,
	Wednesday: teambition.WE,
	Thursday:  teambition.TH,
	Friday:    teambition.FR,
	Saturday:  teambition.SA,
	Sunday:    teambition.SU,
}

// RRuleWeekday resolves the day token against the fixed table.
func (w Weekday) RRuleWeekday() (teambition.Weekday, bool) {
	d, ok := weekdayTable[w]
	return d, ok
}

// Descriptor is the decomposed form of a recurrence rule.
//
// Monthly rules use exactly one of ByMonthDay or (BySetPos, one ByDay entry).
// The end condition is "never" unless exactly one of Until or Count is set.
// ExceptionDates are stored inline as an EXDATE token so the canonical rule
// string remains the single source of truth for a master's recurrence.
type Descriptor struct {
	Freq     Frequency
	Interval int

	ByDay      []Weekday
	ByMonthDay int
	BySetPos   int
	ByMonth    []int

	Until *time.Time
	Count int

	ExceptionDates []time.Time

	// Passthrough holds unrecognized KEY=VALUE tokens in their original
	// order, re-emitted verbatim by Encode.
	Passthrough []string
}

// MalformedRuleError reports a rule string that could not be decoded.
type MalformedRuleError struct {
	Rule   string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed recurrence rule %q: %s", e.Rule, e.Reason)
}

const (
	untilLayout     = "20060102T150405Z"
	untilDateLayout = "20060102"
)

// Decode parses a rule string into a Descriptor. An optional "RRULE:"
// prefix is tolerated. Contradictory tokens (both UNTIL and COUNT, or a
// monthly mode specified two ways at once) fail with *MalformedRuleError.
func Decode(rule string) (Descriptor, error) {
	raw := strings.TrimSpace(rule)
	body := strings.TrimPrefix(raw, "RRULE:")
	if body == "" {
		return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "empty rule"}
	}

	d := Descriptor{Interval: 1}
	seen := make(map[string]bool)

	for _, tok := range strings.Split(body, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "token without value: " + tok}
		}
		key := strings.ToUpper(tok[:eq])
		val := tok[eq+1:]

		if seen[key] {
			return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "duplicate token " + key}
		}
		seen[key] = true

		switch key {
		case "FREQ":
			switch Frequency(strings.ToUpper(val)) {
			case Daily, Weekly, Monthly, Yearly:
				d.Freq = Frequency(strings.ToUpper(val))
			default:
				return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "unsupported FREQ " + val}
			}
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad INTERVAL " + val}
			}
			d.Interval = n
		case "BYDAY":
			for _, p := range strings.Split(val, ",") {
				w := Weekday(strings.ToUpper(strings.TrimSpace(p)))
				if _, ok := weekdayTable[w]; !ok {
					return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad BYDAY entry " + p}
				}
				d.ByDay = append(d.ByDay, w)
			}
		case "BYMONTHDAY":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > 31 {
				return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad BYMONTHDAY " + val}
			}
			d.ByMonthDay = n
		case "BYSETPOS":
			n, err := strconv.Atoi(val)
			if err != nil || n == 0 || n < -1 || n > 5 {
				return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad BYSETPOS " + val}
			}
			d.BySetPos = n
		case "BYMONTH":
			for _, p := range strings.Split(val, ",") {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil || n < 1 || n > 12 {
					return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad BYMONTH entry " + p}
				}
				d.ByMonth = append(d.ByMonth, n)
			}
		case "UNTIL":
			t, err := parseUntil(val)
			if err != nil {
				return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad UNTIL " + val}
			}
			d.Until = &t
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad COUNT " + val}
			}
			d.Count = n
		case "EXDATE":
			for _, p := range strings.Split(val, ",") {
				t, err := parseUntil(strings.TrimSpace(p))
				if err != nil {
					return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "bad EXDATE entry " + p}
				}
				d.ExceptionDates = append(d.ExceptionDates, t)
			}
		default:
			d.Passthrough = append(d.Passthrough, key+"="+val)
		}
	}

	if d.Freq == "" {
		return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "missing FREQ"}
	}
	if d.Until != nil && d.Count > 0 {
		return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "both UNTIL and COUNT set"}
	}
	if d.Freq == Monthly {
		positional := d.BySetPos != 0 || len(d.ByDay) > 0
		if d.ByMonthDay > 0 && positional {
			return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "monthly mode specified two ways"}
		}
		if d.BySetPos != 0 && len(d.ByDay) != 1 {
			return Descriptor{}, &MalformedRuleError{Rule: rule, Reason: "BYSETPOS requires exactly one BYDAY"}
		}
	}

	return d, nil
}

// Encode renders the descriptor as a rule string without the "RRULE:"
// prefix, in a deterministic token order. Decode(Encode(d)) is semantically
// equal to d for any descriptor this system produced.
func Encode(d Descriptor) string {
	parts := []string{"FREQ=" + string(d.Freq)}

	if d.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(d.Interval))
	}
	if len(d.ByDay) > 0 {
		days := make([]string, len(d.ByDay))
		for i, w := range d.ByDay {
			days[i] = string(w)
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if d.ByMonthDay > 0 {
		parts = append(parts, "BYMONTHDAY="+strconv.Itoa(d.ByMonthDay))
	}
	if d.BySetPos != 0 {
		parts = append(parts, "BYSETPOS="+strconv.Itoa(d.BySetPos))
	}
	if len(d.ByMonth) > 0 {
		months := make([]string, len(d.ByMonth))
		for i, m := range d.ByMonth {
			months[i] = strconv.Itoa(m)
		}
		parts = append(parts, "BYMONTH="+strings.Join(months, ","))
	}
	if d.Until != nil {
		parts = append(parts, "UNTIL="+d.Until.UTC().Format(untilLayout))
	} else if d.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(d.Count))
	}
	if len(d.ExceptionDates) > 0 {
		exs := make([]string, len(d.ExceptionDates))
		for i, t := range d.ExceptionDates {
			exs[i] = t.UTC().Format(untilLayout)
		}
		parts = append(parts, "EXDATE="+strings.Join(exs, ","))
	}

	parts = append(parts, d.Passthrough...)

	return strings.Join(parts, ";")
}

func parseUntil(v string) (time.Time, error) {
	if strings.Contains(v, "T") {
		return time.Parse(untilLayout, v)
	}
	return time.Parse(untilDateLayout, v)
}
