// Package web exposes the HTTP surface: webhook ingress for provider
// notifications, a small JSON API over connections and occurrences, and a
// health probe.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"calsync/internal/config"
	"calsync/internal/expand"
	appLog "calsync/internal/log"
	"calsync/internal/store"
	syncpkg "calsync/internal/sync"
	"calsync/internal/webhook"
)

// Server wires the HTTP handlers to the sync core.
type Server struct {
	cfg      *config.Config
	store    store.Store
	syncer   *syncpkg.Orchestrator
	webhooks *webhook.Manager
	mux      *http.ServeMux
	expander expand.Expander
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st store.Store, syncer *syncpkg.Orchestrator, webhooks *webhook.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		syncer:   syncer,
		webhooks: webhooks,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/webhooks/google", s.handleGoogleWebhook)
	s.mux.HandleFunc("/webhooks/microsoft", s.handleMicrosoftWebhook)
	s.mux.HandleFunc("/api/connections", s.handleConnections)
	s.mux.HandleFunc("/api/connections/sync", s.handleConnectionSync)
	s.mux.HandleFunc("/api/occurrences", s.handleOccurrences)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleGoogleWebhook receives channel notifications. Google sends no
// body worth parsing; the channel id and token travel in headers. The
// response is always 200 so Google does not tear the channel down over a
// processing hiccup on our side.
func (s *Server) handleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID := r.Header.Get("X-Goog-Channel-ID")
	token := r.Header.Get("X-Goog-Channel-Token")
	state := r.Header.Get("X-Goog-Resource-State")

	w.WriteHeader(http.StatusOK)

	// "sync" is the handshake ping sent right after channel creation.
	if channelID == "" || state == "sync" {
		return
	}
	go s.notify(channelID, token)
}

// graphNotification is the inbound Microsoft change-notification batch.
type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

// handleMicrosoftWebhook serves both the subscription validation handshake
// (echo validationToken as plain text) and notification batches.
func (s *Server) handleMicrosoftWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if vt := r.URL.Query().Get("validationToken"); vt != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(vt))
		return
	}

	var batch graphNotification
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		appLog.Warn("undecodable notification batch", "error", err.Error())
		// Still 202: Graph retries delivery on anything else and the
		// retry would fail the same way.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	for _, n := range batch.Value {
		go s.notify(n.SubscriptionID, n.ClientState)
	}
}

// notify validates and dispatches one notification off the request path.
func (s *Server) notify(remoteID, secret string) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.SyncTimeoutSeconds)*time.Second+10*time.Second)
	defer cancel()
	s.webhooks.HandleNotification(ctx, remoteID, secret)
}

// connectionDTO is a JSON-friendly view of a connection; tokens stay
// server-side.
type connectionDTO struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	CalendarID   string     `json:"calendar_id,omitempty"`
	FeedURL      string     `json:"feed_url,omitempty"`
	Connected    bool       `json:"connected"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conns, err := s.store.ListConnections(r.Context())
	if err != nil {
		appLog.Error("failed to list connections", err)
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}

	out := make([]connectionDTO, 0, len(conns))
	for i := range conns {
		c := &conns[i]
		out = append(out, connectionDTO{
			ID:           c.ID,
			Provider:     string(c.Provider),
			CalendarID:   c.CalendarID,
			FeedURL:      c.FeedURL,
			Connected:    c.Connected,
			LastSyncedAt: c.LastSyncedAt,
			LastError:    c.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConnectionSync triggers a sync for one connection.
//
// POST /api/connections/sync?id=<connection-id>[&full=1]
func (s *Server) handleConnectionSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	var res *syncpkg.Result
	var err error
	if r.URL.Query().Get("full") != "" {
		res, err = s.syncer.FullResync(r.Context(), id)
	} else {
		res, err = s.syncer.SyncConnection(r.Context(), id)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, syncpkg.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "connection not found")
	default:
		// Provider error text stays in the log.
		appLog.Error("manual sync failed", err, "connection_id", id)
		writeError(w, http.StatusBadGateway, "sync failed")
	}
}

// occurrenceDTO is a JSON-friendly view of an expanded occurrence.
type occurrenceDTO struct {
	ID            string    `json:"id"`
	MasterEventID string    `json:"master_event_id"`
	Title         string    `json:"title"`
	Location      string    `json:"location,omitempty"`
	AllDay        bool      `json:"all_day"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// handleOccurrences expands a connection's events over a window.
//
// GET /api/occurrences?connection_id=<id>&days=7&backfill=1
//   - days:     how many days forward (default 7)
//   - backfill: how many days back (default 1)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	connectionID := q.Get("connection_id")
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "missing connection_id")
		return
	}
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -backfill)
	windowEnd := now.AddDate(0, 0, days)

	events, err := s.store.FindEventsByConnection(r.Context(), connectionID)
	if err != nil {
		appLog.Error("failed to load events", err, "connection_id", connectionID)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	var out []occurrenceDTO
	for i := range events {
		rec := &events[i]
		if rec.IsRecurringInstance {
			// Provider-materialized instances are carried as-is by their
			// own rows; expanding the master again would double-count.
			continue
		}
		occs, err := s.expander.Expand(rec, windowStart, windowEnd)
		if err != nil {
			appLog.Warn("expansion failed", "event_id", rec.ID, "error", err.Error())
			continue
		}
		for _, occ := range occs {
			out = append(out, occurrenceDTO{
				ID:            occ.ID,
				MasterEventID: occ.MasterEventID,
				Title:         occ.Title,
				Location:      occ.Location,
				AllDay:        occ.AllDay,
				Start:         occ.Start,
				End:           occ.End,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to encode JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
