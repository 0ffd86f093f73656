package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/rrule"
)

const (
	msGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	graphTimeFormat = "2006-01-02T15:04:05"
	graphPagePrefer = "odata.maxpagesize=250"
)

// MSGraphAdapter syncs a Microsoft 365 calendar through the Graph
// calendarView delta API. The continuation token is an opaque URL: a
// nextLink mid-sequence or a deltaLink once the sequence is drained.
type MSGraphAdapter struct {
	// BaseURL overrides the Graph endpoint in tests. Empty means the
	// public v1.0 endpoint.
	BaseURL string

	// HTTPClient overrides the transport. Nil uses a client with a
	// 30-second timeout.
	HTTPClient *http.Client
}

func (a *MSGraphAdapter) Provider() model.Provider { return model.ProviderMicrosoft }

func (a *MSGraphAdapter) base() string {
	if a.BaseURL != "" {
		return strings.TrimRight(a.BaseURL, "/")
	}
	return msGraphBaseURL
}

func (a *MSGraphAdapter) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphRecurrence struct {
	Pattern struct {
		Type           string   `json:"type"`
		Interval       int      `json:"interval"`
		DaysOfWeek     []string `json:"daysOfWeek"`
		DayOfMonth     int      `json:"dayOfMonth"`
		Month          int      `json:"month"`
		Index          string   `json:"index"`
		FirstDayOfWeek string   `json:"firstDayOfWeek"`
	} `json:"pattern"`
	Range struct {
		Type                string `json:"type"`
		StartDate           string `json:"startDate"`
		EndDate             string `json:"endDate"`
		NumberOfOccurrences int    `json:"numberOfOccurrences"`
	} `json:"range"`
}

type graphEvent struct {
	ID             string           `json:"id"`
	Subject        string           `json:"subject"`
	BodyPreview    string           `json:"bodyPreview"`
	Start          *graphDateTime   `json:"start"`
	End            *graphDateTime   `json:"end"`
	Location       struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	IsAllDay       bool             `json:"isAllDay"`
	Type           string           `json:"type"`
	SeriesMasterID string           `json:"seriesMasterId"`
	OriginalStart  string           `json:"originalStart"`
	Recurrence     *graphRecurrence `json:"recurrence"`
	WebLink        string           `json:"webLink"`
	Removed        *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphDeltaPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch walks the delta sequence. The first call (no token) opens a new
// calendarView delta over the window; subsequent calls resume from the
// stored link. All pages up to the deltaLink are consumed in one call so
// the caller's token always points at a consistent position.
func (a *MSGraphAdapter) Fetch(ctx context.Context, conn *model.Connection, accessToken, continuationToken string, window Window) (*Result, error) {
	endpoint := continuationToken
	if endpoint == "" {
		params := url.Values{}
		params.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
		params.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
		path := "/me/calendarView/delta"
		if conn.CalendarID != "" {
			path = "/me/calendars/" + url.PathEscape(conn.CalendarID) + "/calendarView/delta"
		}
		endpoint = a.base() + path + "?" + params.Encode()
	}

	res := &Result{}
	for {
		page, err := a.fetchPage(ctx, conn, accessToken, endpoint)
		if err != nil {
			var gone *graphGoneError
			if errors.As(err, &gone) {
				return &Result{RequiresFullResync: true}, nil
			}
			return nil, err
		}

		for i := range page.Value {
			ev := &page.Value[i]
			if ev.Removed != nil {
				res.RemovedProviderIDs = append(res.RemovedProviderIDs, ev.ID)
				continue
			}
			ne, perr := normalizeGraphEvent(ev)
			if perr != nil {
				appLog.Warn("msgraph: skipping malformed event",
					"connection_id", conn.ID, "provider_event_id", perr.ProviderEventID, "reason", perr.Reason)
				res.SkippedEvents = append(res.SkippedEvents, *perr)
				continue
			}
			res.Upserts = append(res.Upserts, *ne)
		}

		if page.DeltaLink != "" {
			res.NextContinuationToken = page.DeltaLink
			return res, nil
		}
		if page.NextLink == "" {
			return nil, errors.New("msgraph: delta page carried neither nextLink nor deltaLink")
		}
		endpoint = page.NextLink
	}
}

// graphGoneError signals a 410 on a stale delta link.
type graphGoneError struct{}

func (*graphGoneError) Error() string { return "msgraph: delta token gone" }

func (a *MSGraphAdapter) fetchPage(ctx context.Context, conn *model.Connection, accessToken, endpoint string) (*graphDeltaPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC", `+graphPagePrefer)

	resp, err := a.client().Do(req)
	if err != nil {
		return nil, &TransientError{Op: "msgraph.delta", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusGone:
		return nil, &graphGoneError{}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &ReauthorizationRequiredError{ConnectionID: conn.ID, Err: graphAPIError(resp)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{
			Op:         "msgraph.delta",
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header),
			Err:        graphAPIError(resp),
		}
	default:
		var body graphErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		// Graph reports a stale delta state as either 410 or a 4xx with
		// this code.
		if body.Error.Code == "syncStateNotFound" {
			return nil, &graphGoneError{}
		}
		if body.Error.Code != "" {
			return nil, fmt.Errorf("msgraph: %s (%s): %s", resp.Status, body.Error.Code, body.Error.Message)
		}
		return nil, fmt.Errorf("msgraph: %s", resp.Status)
	}

	var page graphDeltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("msgraph: decode delta page: %w", err)
	}
	return &page, nil
}

func graphAPIError(resp *http.Response) error {
	var body graphErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Code != "" {
		return fmt.Errorf("msgraph: %s (%s): %s", resp.Status, body.Error.Code, body.Error.Message)
	}
	return fmt.Errorf("msgraph: %s", resp.Status)
}

func normalizeGraphEvent(ev *graphEvent) (*NormalizedEvent, *EventError) {
	if ev.ID == "" {
		return nil, &EventError{Reason: "missing event id"}
	}
	if ev.Start == nil || ev.End == nil {
		return nil, &EventError{ProviderEventID: ev.ID, Reason: "missing start or end"}
	}

	start, err := parseGraphTime(ev.Start)
	if err != nil {
		return nil, &EventError{ProviderEventID: ev.ID, Reason: "bad start: " + err.Error()}
	}
	end, err := parseGraphTime(ev.End)
	if err != nil {
		return nil, &EventError{ProviderEventID: ev.ID, Reason: "bad end: " + err.Error()}
	}

	ne := &NormalizedEvent{
		ProviderEventID: ev.ID,
		Title:           ev.Subject,
		Description:     ev.BodyPreview,
		Location:        ev.Location.DisplayName,
		Start:           start,
		End:             end,
		AllDay:          ev.IsAllDay,
		HTMLLink:        ev.WebLink,
	}
	if ev.Start.TimeZone != "" && ev.Start.TimeZone != "UTC" {
		ne.Timezone = ev.Start.TimeZone
	}

	switch ev.Type {
	case "seriesMaster":
		rule, cerr := convertGraphRecurrence(ev.Recurrence)
		if cerr != nil {
			return nil, &EventError{ProviderEventID: ev.ID, Reason: "unsupported recurrence: " + cerr.Error()}
		}
		ne.RecurrenceRule = rule
	case "occurrence", "exception":
		ne.IsRecurringInstance = true
		ne.ParentProviderEventID = ev.SeriesMasterID
	}

	return ne, nil
}

// parseGraphTime handles Graph's bare local-time layout, with and without
// the 7-digit fractional part some endpoints emit. The Prefer header pins
// the response timezone to UTC.
func parseGraphTime(dt *graphDateTime) (time.Time, error) {
	v := strings.TrimSpace(dt.DateTime)
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}

	if t, err := time.ParseInLocation(graphTimeFormat, v, loc); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(graphTimeFormat+".9999999", v, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var graphDayToByDay = map[string]rrule.Weekday{
	"monday":    rrule.Monday,
	"tuesday":   rrule.Tuesday,
	"wednesday": rrule.Wednesday,
	"thursday":  rrule.Thursday,
	"friday":    rrule.Friday,
	"saturday":  rrule.Saturday,
	"sunday":    rrule.Sunday,
}

var graphIndexToSetPos = map[string]int{
	"first":  1,
	"second": 2,
	"third":  3,
	"fourth": 4,
	"last":   -1,
}

// convertGraphRecurrence maps a Graph recurrence pattern to a canonical
// RRULE string. Graph splits RFC 5545 semantics across pattern/range
// objects; everything it can express folds back into standard tokens.
func convertGraphRecurrence(rec *graphRecurrence) (string, error) {
	if rec == nil {
		return "", errors.New("series master without recurrence")
	}

	d := rrule.Descriptor{Interval: rec.Pattern.Interval}
	if d.Interval < 1 {
		d.Interval = 1
	}

	mapDays := func() error {
		for _, day := range rec.Pattern.DaysOfWeek {
			wd, ok := graphDayToByDay[strings.ToLower(day)]
			if !ok {
				return fmt.Errorf("unknown day %q", day)
			}
			d.ByDay = append(d.ByDay, wd)
		}
		return nil
	}

	switch rec.Pattern.Type {
	case "daily":
		d.Freq = rrule.Daily
	case "weekly":
		d.Freq = rrule.Weekly
		if err := mapDays(); err != nil {
			return "", err
		}
	case "absoluteMonthly":
		d.Freq = rrule.Monthly
		d.ByMonthDay = rec.Pattern.DayOfMonth
	case "relativeMonthly":
		d.Freq = rrule.Monthly
		if err := mapDays(); err != nil {
			return "", err
		}
		pos, ok := graphIndexToSetPos[strings.ToLower(rec.Pattern.Index)]
		if !ok {
			return "", fmt.Errorf("unknown index %q", rec.Pattern.Index)
		}
		d.BySetPos = pos
	case "absoluteYearly":
		d.Freq = rrule.Yearly
		d.ByMonthDay = rec.Pattern.DayOfMonth
		if rec.Pattern.Month > 0 {
			d.ByMonth = []int{rec.Pattern.Month}
		}
	case "relativeYearly":
		d.Freq = rrule.Yearly
		if err := mapDays(); err != nil {
			return "", err
		}
		pos, ok := graphIndexToSetPos[strings.ToLower(rec.Pattern.Index)]
		if !ok {
			return "", fmt.Errorf("unknown index %q", rec.Pattern.Index)
		}
		d.BySetPos = pos
		if rec.Pattern.Month > 0 {
			d.ByMonth = []int{rec.Pattern.Month}
		}
	default:
		return "", fmt.Errorf("unknown pattern type %q", rec.Pattern.Type)
	}

	switch rec.Range.Type {
	case "endDate":
		day, err := time.Parse("2006-01-02", rec.Range.EndDate)
		if err != nil {
			return "", fmt.Errorf("bad range endDate %q", rec.Range.EndDate)
		}
		until := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC)
		d.Until = &until
	case "numbered":
		d.Count = rec.Range.NumberOfOccurrences
	case "noEnd", "":
		// Unbounded.
	default:
		return "", fmt.Errorf("unknown range type %q", rec.Range.Type)
	}

	return rrule.Encode(d), nil
}
