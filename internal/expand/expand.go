// Package expand materializes recurring master events into concrete
// occurrences inside a window. Expansion is pure computation: it never
// touches the network or the store.
//
// The expansion keeps the master's local wall-clock time invariant across
// DST shifts. Candidate dates come from the recurrence rule with the
// time-of-day ignored; each candidate's UTC instant is then recomputed from
// the fixed local time using that date's own UTC offset, looked up in the
// timezone database rather than derived from the master's original offset.
package expand

import (
	"errors"
	"time"

	teambition "github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/rrule"
)

const defaultMaxOccurrencesPerMaster = 5000

// Expander expands recurring masters. The zero value is usable.
type Expander struct {
	// MaxOccurrencesPerMaster is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerMaster is used.
	MaxOccurrencesPerMaster int
}

// Expand returns the finite sequence of occurrences of master intersecting
// [windowStart, windowEnd), excluding instants listed in the master's
// exception dates. Repeated calls with the same inputs return the same
// sequence. Non-recurring masters yield themselves when they intersect the
// window.
func (x *Expander) Expand(master *model.EventRecord, windowStart, windowEnd time.Time) ([]model.Occurrence, error) {
	if master == nil {
		return nil, errors.New("expand: master is nil")
	}
	if windowEnd.Before(windowStart) {
		return nil, errors.New("expand: window end is before window start")
	}

	if !master.IsRecurringMaster() {
		return x.expandSingle(master, windowStart, windowEnd), nil
	}

	desc, err := rrule.Decode(master.RecurrenceRule)
	if err != nil {
		return nil, err
	}

	loc := locationFor(master)

	// (a) Derive the master's local wall-clock time-of-day. This stays
	// fixed for every occurrence regardless of DST.
	anchor := master.StartTime.In(loc)
	hour, minute, sec := anchor.Clock()

	// The original offset, used only to reconstruct the "raw" (naive)
	// instant for exception matching.
	_, baseOffset := anchor.Zone()

	// (b) Enumerate candidate calendar dates, ignoring time-of-day.
	dates, err := candidateDates(desc, anchor, loc, windowStart, windowEnd, x.cap())
	if err != nil {
		return nil, err
	}

	exceptions := exceptionSet(master, desc)
	duration := master.Duration()

	occs := make([]model.Occurrence, 0, len(dates))
	for _, d := range dates {
		// (c) Recompute the UTC instant from the fixed local time using
		// this date's own offset.
		corrected := CorrectWallClock(d.Year(), d.Month(), d.Day(), hour, minute, sec, loc)

		raw := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, sec, 0,
			time.FixedZone("", baseOffset))

		// (e) Drop candidates whose raw or corrected instant is excluded.
		if exceptions[raw.UTC().Unix()] || exceptions[corrected.UTC().Unix()] {
			continue
		}

		// UNTIL is an instant; the date-space enumeration only bounds at
		// the date it falls on, so filter the corrected instant here.
		if desc.Until != nil && corrected.After(*desc.Until) {
			continue
		}

		// (d) Occurrence end preserves the master's original duration.
		end := corrected.Add(duration)

		if !overlaps(corrected, end, windowStart, windowEnd) {
			continue
		}

		occs = append(occs, model.Occurrence{
			ID:            InstanceID(master.ID, corrected),
			MasterEventID: master.ID,
			ConnectionID:  master.ConnectionID,
			Title:         master.Title,
			Location:      master.Location,
			AllDay:        master.AllDay,
			Start:         corrected.UTC(),
			End:           end.UTC(),
		})
	}

	return occs, nil
}

// InstanceID synthesizes the deterministic identity of one occurrence.
func InstanceID(masterID string, correctedStart time.Time) string {
	return masterID + "_" + correctedStart.UTC().Format(time.RFC3339)
}

// CorrectWallClock resolves a local wall-clock time on a given date to an
// instant. If the wall time does not exist on that date (spring-forward
// gap), it rounds forward to the next valid instant: the moment the gap
// ends. The lookup works for sub-hour offset shifts as well.
func CorrectWallClock(year int, month time.Month, day, hour, minute, sec int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, sec, 0, loc)
	if h, m, s := t.Clock(); h == hour && m == minute && s == sec {
		return t
	}

	// time.Date normalized a nonexistent wall time past the gap. Binary
	// search over whole seconds for the transition instant between the
	// start of the day and the normalized result; the first second on the
	// new offset is the gap end.
	lo := time.Date(year, month, day, 0, 0, 0, 0, loc).Unix()
	hi := t.Unix()
	_, loOff := time.Unix(lo, 0).In(loc).Zone()
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if _, off := time.Unix(mid, 0).In(loc).Zone(); off == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	return time.Unix(hi, 0).In(loc)
}

func (x *Expander) cap() int {
	if x.MaxOccurrencesPerMaster > 0 {
		return x.MaxOccurrencesPerMaster
	}
	return defaultMaxOccurrencesPerMaster
}

func (x *Expander) expandSingle(master *model.EventRecord, windowStart, windowEnd time.Time) []model.Occurrence {
	if !overlaps(master.StartTime, master.EndTime, windowStart, windowEnd) {
		return nil
	}
	return []model.Occurrence{{
		ID:            master.ID,
		MasterEventID: master.ID,
		ConnectionID:  master.ConnectionID,
		Title:         master.Title,
		Location:      master.Location,
		AllDay:        master.AllDay,
		Start:         master.StartTime.UTC(),
		End:           master.EndTime.UTC(),
	}}
}

// candidateDates enumerates the rule's calendar dates around the window.
// Enumeration happens in a date-only space (midnight UTC) so that COUNT and
// UNTIL semantics are independent of time-of-day and offset.
func candidateDates(desc rrule.Descriptor, anchor time.Time, loc *time.Location, windowStart, windowEnd time.Time, maxN int) ([]time.Time, error) {
	opt := teambition.ROption{
		Interval: desc.Interval,
		Dtstart:  midnightUTC(anchor),
	}

	switch desc.Freq {
	case rrule.Daily:
		opt.Freq = teambition.DAILY
	case rrule.Weekly:
		opt.Freq = teambition.WEEKLY
	case rrule.Monthly:
		opt.Freq = teambition.MONTHLY
	case rrule.Yearly:
		opt.Freq = teambition.YEARLY
	default:
		return nil, errors.New("expand: unsupported frequency " + string(desc.Freq))
	}

	for _, w := range desc.ByDay {
		wd, ok := w.RRuleWeekday()
		if !ok {
			return nil, errors.New("expand: unknown weekday token " + string(w))
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	if desc.ByMonthDay > 0 {
		opt.Bymonthday = []int{desc.ByMonthDay}
	}
	if desc.BySetPos != 0 {
		opt.Bysetpos = []int{desc.BySetPos}
	}
	if len(desc.ByMonth) > 0 {
		opt.Bymonth = desc.ByMonth
	}
	if desc.Count > 0 {
		opt.Count = desc.Count
	}
	if desc.Until != nil {
		// UNTIL is an instant; in date space it bounds at the local date
		// it falls on.
		opt.Until = midnightUTC(desc.Until.In(loc))
	}

	rule, err := teambition.NewRRule(opt)
	if err != nil {
		return nil, err
	}

	// One day of slack on both sides: converting a local date to an
	// instant can move it across the window edge in either direction.
	lo := midnightUTC(windowStart.In(loc)).AddDate(0, 0, -1)
	hi := midnightUTC(windowEnd.In(loc)).AddDate(0, 0, 1)

	dates := rule.Between(lo, hi, true)
	if len(dates) > maxN {
		appLog.Warn("expand: occurrence cap hit, truncating", "cap", maxN)
		dates = dates[:maxN]
	}
	return dates, nil
}

// exceptionSet collects excluded instants from the record column and any
// EXDATE tokens carried in the rule itself, keyed by unix second.
func exceptionSet(master *model.EventRecord, desc rrule.Descriptor) map[int64]bool {
	set := make(map[int64]bool)
	for _, t := range master.ExceptionInstants() {
		set[t.Unix()] = true
	}
	for _, t := range desc.ExceptionDates {
		set[t.Unix()] = true
	}
	return set
}

func locationFor(master *model.EventRecord) *time.Location {
	if master.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(master.Timezone)
	if err != nil {
		appLog.Warn("expand: unknown timezone label, using UTC",
			"event_id", master.ID, "timezone", master.Timezone)
		return time.UTC
	}
	return loc
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
