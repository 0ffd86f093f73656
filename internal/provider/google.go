package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const googlePageSize = 250

// GoogleAdapter syncs a Google calendar using the polling-token protocol:
// every list response carries an opaque sync token that scopes the next
// fetch to changes since this one. An expired token comes back as HTTP 410
// and forces a bounded full resync.
type GoogleAdapter struct {
	// Endpoint overrides the Calendar API base URL. Used by tests to
	// point the adapter at a fake server; empty means production.
	Endpoint string

	// HTTPClient overrides the transport. Nil means the library default.
	HTTPClient *http.Client
}

func (a *GoogleAdapter) Provider() model.Provider { return model.ProviderGoogle }

func (a *GoogleAdapter) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if a.HTTPClient != nil {
		opts = []option.ClientOption{option.WithHTTPClient(a.HTTPClient)}
	}
	if a.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.Endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

// Fetch lists changed events. With a continuation token only the token is
// sent; without one the fetch covers window and yields a fresh token as a
// side effect.
func (a *GoogleAdapter) Fetch(ctx context.Context, conn *model.Connection, accessToken, continuationToken string, window Window) (*Result, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, &TransientError{Op: "google.fetch", Err: err}
	}

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	res := &Result{}
	pageToken := ""

	for {
		call := svc.Events.List(calendarID).
			Context(ctx).
			ShowDeleted(true).
			MaxResults(googlePageSize)

		if continuationToken != "" {
			// A sync token cannot be combined with a time window.
			call = call.SyncToken(continuationToken)
		} else {
			call = call.
				TimeMin(window.Start.Format(time.RFC3339)).
				TimeMax(window.End.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return a.mapError(conn, err)
		}

		for _, item := range page.Items {
			if item.Status == "cancelled" {
				res.RemovedProviderIDs = append(res.RemovedProviderIDs, item.Id)
				continue
			}
			ev, nerr := normalizeGoogleEvent(item)
			if nerr != nil {
				appLog.Warn("google: skipping malformed event",
					"connection_id", conn.ID, "provider_event_id", item.Id, "reason", nerr.Reason)
				res.SkippedEvents = append(res.SkippedEvents, EventError{
					ProviderEventID: item.Id,
					Reason:          nerr.Reason,
				})
				continue
			}
			res.Upserts = append(res.Upserts, *ev)
		}

		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			continue
		}
		res.NextContinuationToken = page.NextSyncToken
		return res, nil
	}
}

func (a *GoogleAdapter) mapError(conn *model.Connection, err error) (*Result, error) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusGone:
			// Sync token expired: clear it and ask for a full resync.
			return &Result{RequiresFullResync: true}, nil
		case gerr.Code == http.StatusUnauthorized:
			return nil, &ReauthorizationRequiredError{ConnectionID: conn.ID, Err: err}
		case gerr.Code == http.StatusTooManyRequests || gerr.Code == http.StatusForbidden:
			// 403 from Google is almost always a rate limit on this API.
			return nil, &TransientError{Op: "google.fetch", StatusCode: gerr.Code, RetryAfter: retryAfter(gerr.Header), Err: err}
		case gerr.Code >= 500:
			return nil, &TransientError{Op: "google.fetch", StatusCode: gerr.Code, Err: err}
		}
		return nil, err
	}
	// Anything without an HTTP status is a network-level failure.
	return nil, &TransientError{Op: "google.fetch", Err: err}
}

func normalizeGoogleEvent(item *calendar.Event) (*NormalizedEvent, *EventError) {
	start, allDay, err := parseGoogleTime(item.Start)
	if err != nil {
		return nil, &EventError{ProviderEventID: item.Id, Reason: "bad start time: " + err.Error()}
	}
	end, _, err := parseGoogleTime(item.End)
	if err != nil {
		return nil, &EventError{ProviderEventID: item.Id, Reason: "bad end time: " + err.Error()}
	}

	ev := &NormalizedEvent{
		ProviderEventID: item.Id,
		Title:           item.Summary,
		Description:     item.Description,
		Location:        item.Location,
		Start:           start,
		End:             end,
		AllDay:          allDay,
		HTMLLink:        item.HtmlLink,
	}
	if item.Start != nil {
		ev.Timezone = item.Start.TimeZone
	}
	if item.RecurringEventId != "" {
		ev.IsRecurringInstance = true
		ev.ParentProviderEventID = item.RecurringEventId
	}

	for _, line := range item.Recurrence {
		switch {
		case strings.HasPrefix(line, "RRULE:"):
			ev.RecurrenceRule = strings.TrimPrefix(line, "RRULE:")
		case strings.HasPrefix(line, "EXDATE"):
			ev.ExceptionDates = append(ev.ExceptionDates, parseExdateLine(line)...)
		}
	}

	return ev, nil
}

func parseGoogleTime(edt *calendar.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, errors.New("missing")
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		return t.UTC(), false, err
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		return t, true, err
	}
	return time.Time{}, false, errors.New("neither date nor dateTime set")
}

// parseExdateLine parses a Google recurrence EXDATE line such as
// "EXDATE;TZID=America/New_York:20240311T090000" or
// "EXDATE:20240311T130000Z". Entries that fail to parse are dropped.
func parseExdateLine(line string) []time.Time {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return nil
	}
	prefix := line[:colon]
	values := line[colon+1:]

	loc := time.UTC
	if i := strings.Index(prefix, "TZID="); i >= 0 {
		name := prefix[i+len("TZID="):]
		if j := strings.IndexByte(name, ';'); j >= 0 {
			name = name[:j]
		}
		if l, err := time.LoadLocation(name); err == nil {
			loc = l
		}
	}

	var out []time.Time
	for _, v := range strings.Split(values, ",") {
		if t, err := parseICSTime(strings.TrimSpace(v), loc); err == nil {
			out = append(out, t.UTC())
		}
	}
	return out
}
