package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// ICSAdapter syncs a subscribed ICS feed. There is no incremental token;
// the continuation token stores the feed's ETag and Last-Modified values so
// an unchanged feed costs one conditional GET. On change the adapter
// returns the complete current event set (Result.FullSet) and the caller
// diffs it against previously seen ids to synthesize removals.
type ICSAdapter struct {
	// HTTPClient overrides the transport. Nil uses a client with a
	// 15-second timeout.
	HTTPClient *http.Client
}

// icsToken is the JSON shape stored in the connection's continuation token.
type icsToken struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (a *ICSAdapter) Provider() model.Provider { return model.ProviderICS }

func (a *ICSAdapter) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Fetch conditionally GETs the feed. A 304 yields Unchanged with the same
// token; a 200 yields the parsed full set and a refreshed token.
func (a *ICSAdapter) Fetch(ctx context.Context, conn *model.Connection, _, continuationToken string, _ Window) (*Result, error) {
	if conn.FeedURL == "" {
		return nil, errors.New("ics: connection has no feed URL")
	}

	var tok icsToken
	if continuationToken != "" {
		if err := json.Unmarshal([]byte(continuationToken), &tok); err != nil {
			// A corrupt token is not fatal; fetch unconditionally.
			appLog.Warn("ics: discarding unreadable continuation token", "connection_id", conn.ID)
			tok = icsToken{}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.FeedURL, nil)
	if err != nil {
		return nil, err
	}
	if tok.ETag != "" {
		req.Header.Set("If-None-Match", tok.ETag)
	}
	if tok.LastModified != "" {
		req.Header.Set("If-Modified-Since", tok.LastModified)
	}

	resp, err := a.client().Do(req)
	if err != nil {
		return nil, &TransientError{Op: "ics.fetch", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to parsing below.
	case http.StatusNotModified:
		return &Result{Unchanged: true, NextContinuationToken: continuationToken}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &ReauthorizationRequiredError{ConnectionID: conn.ID, Err: errors.New(resp.Status)}
	default:
		if te := transientFromStatus("ics.fetch", resp.StatusCode, resp.Header); te != nil {
			return nil, te
		}
		return nil, errors.New("ics: fetch failed: " + resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "ics.fetch", Err: err}
	}

	res, err := parseICSFeed(conn, body)
	if err != nil {
		return nil, err
	}

	next, _ := json.Marshal(icsToken{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})
	res.NextContinuationToken = string(next)
	res.FullSet = true
	return res, nil
}

func parseICSFeed(conn *model.Connection, body []byte) (*Result, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty feed body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			appLog.Warn("ics: skipping malformed VEVENT",
				"connection_id", conn.ID, "provider_event_id", perr.ProviderEventID, "reason", perr.Reason)
			res.SkippedEvents = append(res.SkippedEvents, *perr)
			continue
		}
		res.Upserts = append(res.Upserts, *ev)
	}

	appLog.Debug("ics: feed parsed", "connection_id", conn.ID,
		"events", len(res.Upserts), "skipped", len(res.SkippedEvents))
	return res, nil
}

func parseVEvent(ve *ical.VEvent) (*NormalizedEvent, *EventError) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, &EventError{Reason: "missing UID"}
	}
	uid := uidProp.Value

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, &EventError{ProviderEventID: uid, Reason: "bad DTSTART: " + err.Error()}
	}
	end, err := ve.GetEndAt()
	if err != nil {
		// Events without DTEND default to one hour.
		end = start.Add(time.Hour)
	}

	ev := &NormalizedEvent{
		ProviderEventID: uid,
		Start:           start.UTC(),
		End:             end.UTC(),
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}

	// All-day detection: VALUE=DATE or a date-only DTSTART literal.
	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				ev.AllDay = true
			}
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				ev.Timezone = tzs[0]
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			ev.AllDay = true
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		ev.RecurrenceRule = rruleProp.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := time.UTC
		if params := p.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				if l, lerr := time.LoadLocation(tzs[0]); lerr == nil {
					loc = l
				}
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, perr := parseICSTime(part, loc); perr == nil {
				ev.ExceptionDates = append(ev.ExceptionDates, t.UTC())
			}
		}
	}

	// RECURRENCE-ID marks an overridden instance of a series; the series
	// shares the instance's UID in ICS, so the parent is the UID itself.
	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		t, perr := parseICSTime(rid.Value, time.UTC)
		if perr != nil {
			// Without the instant the override has no identity of its
			// own and would land on the master's row.
			return nil, &EventError{ProviderEventID: uid, Reason: "bad RECURRENCE-ID: " + perr.Error()}
		}
		ev.IsRecurringInstance = true
		ev.ParentProviderEventID = uid
		// Distinguish the instance row from the master row.
		ev.ProviderEventID = uid + "_" + t.UTC().Format(time.RFC3339)
	}

	return ev, nil
}

// parseICSTime parses basic ICS date/date-time forms: UTC ("...Z"),
// floating local, and date-only.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
