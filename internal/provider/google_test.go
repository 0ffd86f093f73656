package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"calsync/internal/model"
)

// fakeGoogle serves a scripted sequence of Events.List responses.
type fakeGoogle struct {
	idx       int
	responses []func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.idx >= len(f.responses) {
		http.Error(w, "unexpected request", http.StatusInternalServerError)
		return
	}
	h := f.responses[f.idx]
	f.idx++
	h(w, r)
}

func jsonPage(events *calendar.Events) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}

func googleTestAdapter(t *testing.T, fake *fakeGoogle) (*GoogleAdapter, *model.Connection) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	a := &GoogleAdapter{Endpoint: srv.URL + "/", HTTPClient: srv.Client()}
	return a, &model.Connection{ID: "conn-g", Provider: model.ProviderGoogle, CalendarID: "primary"}
}

func TestGoogleFetchPagesAndToken(t *testing.T) {
	fake := &fakeGoogle{responses: []func(http.ResponseWriter, *http.Request){
		jsonPage(&calendar.Events{
			Items: []*calendar.Event{
				{
					Id:      "ev1",
					Status:  "confirmed",
					Summary: "Standup",
					Start:   &calendar.EventDateTime{DateTime: "2024-03-04T14:00:00Z"},
					End:     &calendar.EventDateTime{DateTime: "2024-03-04T14:30:00Z"},
				},
			},
			NextPageToken: "p2",
		}),
		jsonPage(&calendar.Events{
			Items: []*calendar.Event{
				{Id: "gone", Status: "cancelled"},
				{
					Id:     "ev2",
					Status: "confirmed",
					Start:  &calendar.EventDateTime{Date: "2024-03-05"},
					End:    &calendar.EventDateTime{Date: "2024-03-06"},
				},
			},
			NextSyncToken: "sync-1",
		}),
	}}
	a, conn := googleTestAdapter(t, fake)

	res, err := a.Fetch(context.Background(), conn, "tok", "", Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(res.Upserts))
	}
	if res.Upserts[0].Title != "Standup" || res.Upserts[0].AllDay {
		t.Errorf("first upsert = %+v", res.Upserts[0])
	}
	if !res.Upserts[1].AllDay {
		t.Errorf("date-only event should be all-day: %+v", res.Upserts[1])
	}
	if len(res.RemovedProviderIDs) != 1 || res.RemovedProviderIDs[0] != "gone" {
		t.Errorf("removed = %v, want [gone]", res.RemovedProviderIDs)
	}
	if res.NextContinuationToken != "sync-1" {
		t.Errorf("token = %q, want sync-1", res.NextContinuationToken)
	}
}

func TestGoogleFetchRecurrence(t *testing.T) {
	fake := &fakeGoogle{responses: []func(http.ResponseWriter, *http.Request){
		jsonPage(&calendar.Events{
			Items: []*calendar.Event{
				{
					Id:     "master",
					Status: "confirmed",
					Start:  &calendar.EventDateTime{DateTime: "2024-03-04T14:00:00Z", TimeZone: "America/New_York"},
					End:    &calendar.EventDateTime{DateTime: "2024-03-04T15:00:00Z"},
					Recurrence: []string{
						"RRULE:FREQ=WEEKLY;BYDAY=MO",
						"EXDATE;TZID=America/New_York:20240311T090000",
					},
				},
			},
			NextSyncToken: "sync-2",
		}),
	}}
	a, conn := googleTestAdapter(t, fake)

	res, err := a.Fetch(context.Background(), conn, "tok", "", Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	ev := res.Upserts[0]
	if ev.RecurrenceRule != "FREQ=WEEKLY;BYDAY=MO" {
		t.Errorf("rule = %q", ev.RecurrenceRule)
	}
	if ev.Timezone != "America/New_York" {
		t.Errorf("timezone = %q", ev.Timezone)
	}
	want := time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC)
	if len(ev.ExceptionDates) != 1 || !ev.ExceptionDates[0].Equal(want) {
		t.Errorf("exdates = %v, want [%v]", ev.ExceptionDates, want)
	}
}

func TestGoogleFetchExpiredToken(t *testing.T) {
	fake := &fakeGoogle{responses: []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGone)
			w.Write([]byte(`{"error":{"code":410,"message":"Sync token is no longer valid"}}`))
		},
	}}
	a, conn := googleTestAdapter(t, fake)

	res, err := a.Fetch(context.Background(), conn, "tok", "stale-token", Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.RequiresFullResync {
		t.Fatal("expected RequiresFullResync on 410")
	}
}

func TestGoogleFetchMalformedEventSkipped(t *testing.T) {
	fake := &fakeGoogle{responses: []func(http.ResponseWriter, *http.Request){
		jsonPage(&calendar.Events{
			Items: []*calendar.Event{
				{Id: "broken", Status: "confirmed"}, // no start/end
				{
					Id:     "ok",
					Status: "confirmed",
					Start:  &calendar.EventDateTime{DateTime: "2024-03-04T14:00:00Z"},
					End:    &calendar.EventDateTime{DateTime: "2024-03-04T15:00:00Z"},
				},
			},
			NextSyncToken: "sync-3",
		}),
	}}
	a, conn := googleTestAdapter(t, fake)

	res, err := a.Fetch(context.Background(), conn, "tok", "", Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Upserts) != 1 || res.Upserts[0].ProviderEventID != "ok" {
		t.Fatalf("upserts = %+v", res.Upserts)
	}
	if len(res.SkippedEvents) != 1 || res.SkippedEvents[0].ProviderEventID != "broken" {
		t.Fatalf("skipped = %+v", res.SkippedEvents)
	}
}
