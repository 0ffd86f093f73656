package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"calsync/internal/model"
)

func TestMSGraphFetchFollowsDeltaSequence(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/me/calendarView/delta", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"value": [
				{
					"id": "g1",
					"subject": "Planning",
					"type": "singleInstance",
					"start": {"dateTime": "2024-03-04T14:00:00.0000000", "timeZone": "UTC"},
					"end":   {"dateTime": "2024-03-04T15:00:00.0000000", "timeZone": "UTC"}
				}
			],
			"@odata.nextLink": "` + srv.URL + `/page2"
		}`))
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"value": [
				{"id": "g2", "@removed": {"reason": "deleted"}}
			],
			"@odata.deltaLink": "` + srv.URL + `/delta-next"
		}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	a := &MSGraphAdapter{BaseURL: srv.URL}
	conn := &model.Connection{ID: "conn-ms", Provider: model.ProviderMicrosoft}

	res, err := a.Fetch(context.Background(), conn, "tok", "", Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Upserts) != 1 || res.Upserts[0].ProviderEventID != "g1" {
		t.Fatalf("upserts = %+v", res.Upserts)
	}
	want := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	if !res.Upserts[0].Start.Equal(want) {
		t.Errorf("start = %v, want %v", res.Upserts[0].Start, want)
	}
	if len(res.RemovedProviderIDs) != 1 || res.RemovedProviderIDs[0] != "g2" {
		t.Errorf("removed = %v", res.RemovedProviderIDs)
	}
	if res.NextContinuationToken != srv.URL+"/delta-next" {
		t.Errorf("token = %q", res.NextContinuationToken)
	}
}

func TestMSGraphFetchResumesFromToken(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/stored-delta" {
			t.Errorf("path = %q, want /stored-delta", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value": [], "@odata.deltaLink": "next"}`))
	}))
	defer srv.Close()

	a := &MSGraphAdapter{}
	conn := &model.Connection{ID: "conn-ms", Provider: model.ProviderMicrosoft}

	res, err := a.Fetch(context.Background(), conn, "tok", srv.URL+"/stored-delta", Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if res.NextContinuationToken != "next" {
		t.Errorf("token = %q", res.NextContinuationToken)
	}
}

func TestMSGraphFetchStaleDeltaLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	a := &MSGraphAdapter{}
	res, err := a.Fetch(context.Background(), &model.Connection{ID: "c"}, "tok", srv.URL+"/stale", Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.RequiresFullResync {
		t.Fatal("expected RequiresFullResync on 410")
	}
}

func TestMSGraphFetchThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := &MSGraphAdapter{}
	_, err := a.Fetch(context.Background(), &model.Connection{ID: "c"}, "tok", srv.URL+"/delta", Window{})
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransientError", err)
	}
	if te.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", te.RetryAfter)
	}
}

func TestMSGraphSeriesMasterRecurrence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"value": [
				{
					"id": "series",
					"subject": "Team sync",
					"type": "seriesMaster",
					"start": {"dateTime": "2024-03-04T14:00:00", "timeZone": "UTC"},
					"end":   {"dateTime": "2024-03-04T15:00:00", "timeZone": "UTC"},
					"recurrence": {
						"pattern": {"type": "weekly", "interval": 2, "daysOfWeek": ["monday", "wednesday"]},
						"range": {"type": "numbered", "numberOfOccurrences": 10}
					}
				},
				{
					"id": "occ1",
					"type": "occurrence",
					"seriesMasterId": "series",
					"start": {"dateTime": "2024-03-04T14:00:00", "timeZone": "UTC"},
					"end":   {"dateTime": "2024-03-04T15:00:00", "timeZone": "UTC"}
				}
			],
			"@odata.deltaLink": "d"
		}`))
	}))
	defer srv.Close()

	a := &MSGraphAdapter{}
	res, err := a.Fetch(context.Background(), &model.Connection{ID: "c"}, "tok", srv.URL+"/delta", Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(res.Upserts))
	}
	master := res.Upserts[0]
	if master.RecurrenceRule != "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE;COUNT=10" {
		t.Errorf("rule = %q", master.RecurrenceRule)
	}
	occ := res.Upserts[1]
	if !occ.IsRecurringInstance || occ.ParentProviderEventID != "series" {
		t.Errorf("occurrence = %+v", occ)
	}
}

func TestConvertGraphRecurrence(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "daily interval",
			body: `{"pattern":{"type":"daily","interval":3},"range":{"type":"noEnd"}}`,
			want: "FREQ=DAILY;INTERVAL=3",
		},
		{
			name: "absolute monthly with end date",
			body: `{"pattern":{"type":"absoluteMonthly","interval":1,"dayOfMonth":15},"range":{"type":"endDate","endDate":"2024-12-31"}}`,
			want: "FREQ=MONTHLY;BYMONTHDAY=15;UNTIL=20241231T235959Z",
		},
		{
			name: "relative monthly last friday",
			body: `{"pattern":{"type":"relativeMonthly","interval":1,"daysOfWeek":["friday"],"index":"last"},"range":{"type":"noEnd"}}`,
			want: "FREQ=MONTHLY;BYDAY=FR;BYSETPOS=-1",
		},
		{
			name: "absolute yearly",
			body: `{"pattern":{"type":"absoluteYearly","interval":1,"dayOfMonth":4,"month":7},"range":{"type":"noEnd"}}`,
			want: "FREQ=YEARLY;BYMONTHDAY=4;BYMONTH=7",
		},
		{
			name: "relative yearly second tuesday of november",
			body: `{"pattern":{"type":"relativeYearly","interval":1,"daysOfWeek":["tuesday"],"index":"second","month":11},"range":{"type":"noEnd"}}`,
			want: "FREQ=YEARLY;BYDAY=TU;BYSETPOS=2;BYMONTH=11",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rec graphRecurrence
			if err := json.Unmarshal([]byte(tc.body), &rec); err != nil {
				t.Fatalf("decode fixture: %v", err)
			}
			got, err := convertGraphRecurrence(&rec)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if got != tc.want {
				t.Errorf("rule = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConvertGraphRecurrenceRejectsUnknownPattern(t *testing.T) {
	var rec graphRecurrence
	if err := json.Unmarshal([]byte(`{"pattern":{"type":"lunar"},"range":{"type":"noEnd"}}`), &rec); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if _, err := convertGraphRecurrence(&rec); err == nil || !strings.Contains(err.Error(), "lunar") {
		t.Fatalf("err = %v, want unknown pattern", err)
	}
}
