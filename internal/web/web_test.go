package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/provider"
	syncpkg "calsync/internal/sync"
	"calsync/internal/testutil"
	"calsync/internal/webhook"
)

type staticTokens struct{}

func (staticTokens) GetValidToken(context.Context, string) (string, error) { return "at", nil }

type fixture struct {
	server  *Server
	store   *testutil.MemoryStore
	adapter *testutil.FakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewMemoryStore()
	adapter := &testutil.FakeAdapter{Kind: model.ProviderMicrosoft}
	orch := syncpkg.NewOrchestrator(st,
		map[model.Provider]provider.Adapter{model.ProviderMicrosoft: adapter},
		staticTokens{}, syncpkg.Options{})
	mgr := webhook.NewManager(st, nil, staticTokens{}, orch, "https://calsync.example.com")
	cfg := config.DefaultConfig()
	return &fixture{
		server:  NewServer(cfg, st, orch, mgr),
		store:   st,
		adapter: adapter,
	}
}

func (f *fixture) seedConnection(t *testing.T, conn *model.Connection) {
	t.Helper()
	if err := f.store.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Errorf("health = %d %q", rr.Code, rr.Body.String())
	}
}

func TestMicrosoftValidationHandshake(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft?validationToken=abc%20123", nil)
	f.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	if got := rr.Body.String(); got != "abc 123" {
		t.Errorf("echo = %q, want the decoded token", got)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestMicrosoftNotificationTriggersSync(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, &model.Connection{ID: "c1", Provider: model.ProviderMicrosoft, Connected: true})
	if err := f.store.SaveSubscription(context.Background(), &model.WebhookSubscription{
		ConnectionID:         "c1",
		Provider:             model.ProviderMicrosoft,
		RemoteSubscriptionID: "sub-1",
		ValidationSecret:     "s3cret",
		ExpiresAt:            time.Now().Add(48 * time.Hour),
		Active:               true,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	body := `{"value":[{"subscriptionId":"sub-1","clientState":"s3cret","changeType":"updated"}]}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader(body))
	f.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", rr.Code)
	}
	waitFor(t, func() bool { return f.adapter.Calls() == 1 })
}

func TestMicrosoftNotificationBadStateIsStillAccepted(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, &model.Connection{ID: "c1", Provider: model.ProviderMicrosoft, Connected: true})
	if err := f.store.SaveSubscription(context.Background(), &model.WebhookSubscription{
		ConnectionID: "c1", Provider: model.ProviderMicrosoft,
		RemoteSubscriptionID: "sub-1", ValidationSecret: "s3cret",
		ExpiresAt: time.Now().Add(48 * time.Hour), Active: true,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	body := `{"value":[{"subscriptionId":"sub-1","clientState":"wrong"}]}`
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202 even for invalid state", rr.Code)
	}

	// Garbage bodies are also absorbed.
	rr = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader("not json")))
	if rr.Code != http.StatusAccepted {
		t.Errorf("garbage body code = %d, want 202", rr.Code)
	}

	time.Sleep(30 * time.Millisecond)
	if f.adapter.Calls() != 0 {
		t.Errorf("sync ran despite invalid client state")
	}
}

func TestGoogleWebhookSyncPingIgnored(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "tok")
	req.Header.Set("X-Goog-Resource-State", "sync")
	f.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("code = %d", rr.Code)
	}
	time.Sleep(20 * time.Millisecond)
	if f.adapter.Calls() != 0 {
		t.Error("handshake ping must not trigger a sync")
	}
}

func TestGoogleWebhookDispatches(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, &model.Connection{ID: "c1", Provider: model.ProviderMicrosoft, Connected: true})
	if err := f.store.SaveSubscription(context.Background(), &model.WebhookSubscription{
		ConnectionID: "c1", Provider: model.ProviderGoogle,
		RemoteSubscriptionID: "chan-1", ValidationSecret: "tok",
		ExpiresAt: time.Now().Add(48 * time.Hour), Active: true,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "tok")
	req.Header.Set("X-Goog-Resource-State", "exists")
	f.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	waitFor(t, func() bool { return f.adapter.Calls() == 1 })
}

func TestConnectionsList(t *testing.T) {
	f := newFixture(t)
	last := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	f.seedConnection(t, &model.Connection{
		ID: "c1", Provider: model.ProviderMicrosoft, Connected: true,
		AccessToken: "secret-token", LastSyncedAt: &last,
	})

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	var out []connectionDTO
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "c1" || out[0].Provider != "MICROSOFT" {
		t.Errorf("connections = %+v", out)
	}
	if strings.Contains(rr.Body.String(), "secret-token") {
		t.Error("access token leaked into API response")
	}
}

func TestConnectionSyncEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, &model.Connection{ID: "c1", Provider: model.ProviderMicrosoft, Connected: true})
	f.adapter.Results = []*provider.Result{{
		Upserts: []provider.NormalizedEvent{{
			ProviderEventID: "e1",
			Start:           time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC),
			End:             time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC),
		}},
		NextContinuationToken: "tok",
	}}

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/connections/sync?id=c1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rr.Code, rr.Body.String())
	}
	var res syncpkg.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("result = %+v", res)
	}

	rr = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/connections/sync?id=missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown connection code = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/connections/sync", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing id code = %d", rr.Code)
	}
}

func TestConnectionSyncErrorHidesProviderText(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, &model.Connection{ID: "c1", Provider: model.ProviderMicrosoft, Connected: true})
	f.adapter.Errs = []error{&provider.TransientError{
		Op: "msgraph.delta", StatusCode: 503,
		Err: errors.New("upstream tenant detail"),
	}}

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/connections/sync?id=c1", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "upstream tenant detail") {
		t.Error("provider error text leaked to the HTTP caller")
	}
}

func TestOccurrencesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, &model.Connection{ID: "c1", Provider: model.ProviderMicrosoft, Connected: true})
	start := time.Now().UTC().Truncate(time.Hour)
	if _, err := f.store.UpsertEvent(context.Background(), &model.EventRecord{
		ConnectionID:    "c1",
		ProviderEventID: "e1",
		Title:           "Dentist",
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		SyncStatus:      model.SyncSynced,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/occurrences?connection_id=c1&days=2&backfill=1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rr.Code, rr.Body.String())
	}
	var out []occurrenceDTO
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Title != "Dentist" {
		t.Errorf("occurrences = %+v", out)
	}

	rr = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/occurrences", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing connection_id code = %d", rr.Code)
	}
}
