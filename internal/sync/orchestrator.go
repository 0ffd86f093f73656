// Package sync drives the incremental synchronization of one connection:
// fetch changes through the provider adapter, apply them to the store, and
// advance the continuation token only after the whole batch landed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"calsync/internal/expand"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/rrule"
	"calsync/internal/store"
)

// ErrSyncInProgress is returned when a sync for the connection is already
// running. At most one sync per connection is ever in flight.
var ErrSyncInProgress = errors.New("sync already in progress for connection")

// TokenSource yields a valid access token for a connection.
type TokenSource interface {
	GetValidToken(ctx context.Context, connectionID string) (string, error)
}

// Notifier is told about sync failures. The zero Notifier is allowed.
type Notifier interface {
	OnSyncFailure(connectionID string, err error)
}

// Clock supplies the current time; swapped out in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Result summarizes one applied sync batch.
type Result struct {
	Added   int
	Updated int
	Removed int
	Skipped int
}

// Options tunes the orchestrator.
type Options struct {
	// Timeout bounds a single sync run. Zero means 2 minutes.
	Timeout time.Duration

	// WindowDays bounds full (re)syncs to now±WindowDays. Zero means 90.
	WindowDays int

	Notifier Notifier
	Clock    Clock
}

// Orchestrator owns the per-connection sync state machine.
type Orchestrator struct {
	store    store.Store
	adapters map[model.Provider]provider.Adapter
	tokens   TokenSource
	opts     Options
	expander expand.Expander

	mu      sync.Mutex
	syncing map[string]bool
}

func NewOrchestrator(st store.Store, adapters map[model.Provider]provider.Adapter, tokens TokenSource, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 90
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Orchestrator{
		store:    st,
		adapters: adapters,
		tokens:   tokens,
		opts:     opts,
		syncing:  make(map[string]bool),
	}
}

// SyncConnection runs one sync for the connection. Concurrent calls for
// the same connection return ErrSyncInProgress; the connection's stored
// state is untouched until the batch has been fully applied.
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID string) (*Result, error) {
	if !o.acquire(connectionID) {
		return nil, ErrSyncInProgress
	}
	defer o.release(connectionID)

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	res, err := o.run(ctx, connectionID)
	if err != nil {
		o.recordFailure(connectionID, err)
		return nil, err
	}
	return res, nil
}

// FullResync discards the stored continuation token and runs a complete
// window sync. Used when an operator wants to rebuild a connection's local
// state without waiting for the provider to invalidate the token.
func (o *Orchestrator) FullResync(ctx context.Context, connectionID string) (*Result, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.ContinuationToken != "" {
		conn.ContinuationToken = ""
		if err := o.store.SaveConnection(ctx, conn); err != nil {
			return nil, err
		}
	}
	return o.SyncConnection(ctx, connectionID)
}

func (o *Orchestrator) acquire(connectionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncing[connectionID] {
		return false
	}
	o.syncing[connectionID] = true
	return true
}

func (o *Orchestrator) release(connectionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.syncing, connectionID)
}

func (o *Orchestrator) run(ctx context.Context, connectionID string) (*Result, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Connected {
		return nil, &provider.ReauthorizationRequiredError{ConnectionID: connectionID}
	}

	adapter, ok := o.adapters[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", conn.Provider)
	}

	accessToken := ""
	if conn.Provider != model.ProviderICS {
		accessToken, err = o.tokens.GetValidToken(ctx, connectionID)
		if err != nil {
			return nil, err
		}
	}

	window := o.window()
	fetched, err := adapter.Fetch(ctx, conn, accessToken, conn.ContinuationToken, window)
	if err != nil {
		return nil, err
	}

	// An invalidated token allows exactly one bounded full-resync retry.
	if fetched.RequiresFullResync {
		appLog.Info("continuation token invalidated, running full resync",
			"connection_id", conn.ID, "provider", string(conn.Provider))
		fetched, err = adapter.Fetch(ctx, conn, accessToken, "", window)
		if err != nil {
			return nil, err
		}
		if fetched.RequiresFullResync {
			return nil, &provider.InvalidContinuationTokenError{Provider: string(conn.Provider)}
		}
	}

	if fetched.Unchanged {
		return &Result{}, o.finish(ctx, conn, conn.ContinuationToken)
	}

	res, err := o.apply(ctx, conn, fetched)
	if err != nil {
		return nil, err
	}

	token := fetched.NextContinuationToken
	if token == "" {
		token = conn.ContinuationToken
	}
	if err := o.finish(ctx, conn, token); err != nil {
		return nil, err
	}

	appLog.Info("sync complete", "connection_id", conn.ID, "provider", string(conn.Provider),
		"added", res.Added, "updated", res.Updated, "removed", res.Removed, "skipped", res.Skipped)
	return res, nil
}

// apply lands one fetched batch: upserts, explicit removals, and the
// full-set diff for sources that always report their complete state.
func (o *Orchestrator) apply(ctx context.Context, conn *model.Connection, fetched *provider.Result) (*Result, error) {
	res := &Result{Skipped: len(fetched.SkippedEvents)}

	var knownBefore map[string]bool
	if fetched.FullSet {
		ids, err := o.store.EventProviderIDs(ctx, conn.ID)
		if err != nil {
			return nil, err
		}
		knownBefore = make(map[string]bool, len(ids))
		for _, id := range ids {
			knownBefore[id] = true
		}
	}

	seen := make(map[string]bool, len(fetched.Upserts))
	for i := range fetched.Upserts {
		ev := &fetched.Upserts[i]
		rec, err := o.toRecord(conn, ev)
		if err != nil {
			// A master with an unusable rule is skipped, not fatal.
			var merr *rrule.MalformedRuleError
			if errors.As(err, &merr) {
				appLog.Warn("skipping event with malformed recurrence rule",
					"connection_id", conn.ID, "provider_event_id", ev.ProviderEventID, "reason", merr.Reason)
				res.Skipped++
				continue
			}
			return nil, err
		}
		created, err := o.store.UpsertEvent(ctx, rec)
		if err != nil {
			return nil, err
		}
		if created {
			res.Added++
		} else {
			res.Updated++
		}
		seen[ev.ProviderEventID] = true
	}

	for _, id := range fetched.RemovedProviderIDs {
		found, err := o.store.SoftDeleteEvent(ctx, conn.ID, id)
		if err != nil {
			return nil, err
		}
		if found {
			res.Removed++
		}
	}

	if fetched.FullSet {
		for id := range knownBefore {
			if seen[id] {
				continue
			}
			found, err := o.store.SoftDeleteEvent(ctx, conn.ID, id)
			if err != nil {
				return nil, err
			}
			if found {
				res.Removed++
			}
		}
	}

	return res, nil
}

// toRecord converts a normalized provider event into its stored form and
// regenerates the derived recurrence columns from the rule.
func (o *Orchestrator) toRecord(conn *model.Connection, ev *provider.NormalizedEvent) (*model.EventRecord, error) {
	rec := &model.EventRecord{
		ConnectionID:        conn.ID,
		ProviderEventID:     ev.ProviderEventID,
		Title:               ev.Title,
		Description:         ev.Description,
		Location:            ev.Location,
		StartTime:           ev.Start.UTC(),
		EndTime:             ev.End.UTC(),
		AllDay:              ev.AllDay,
		Timezone:            ev.Timezone,
		IsRecurringInstance: ev.IsRecurringInstance,
		ParentEventID:       ev.ParentProviderEventID,
		SyncStatus:          model.SyncSynced,
		HTMLLink:            ev.HTMLLink,
	}

	if ev.RecurrenceRule != "" {
		desc, err := rrule.Decode(ev.RecurrenceRule)
		if err != nil {
			return nil, err
		}
		for _, ex := range ev.ExceptionDates {
			desc.ExceptionDates = append(desc.ExceptionDates, ex.UTC())
		}
		// Re-encode so the stored rule is canonical and carries the
		// exceptions inline.
		rec.RecurrenceRule = rrule.Encode(desc)
		rec.RecurFreq = string(desc.Freq)
		rec.RecurInterval = desc.Interval
		rec.RecurCount = desc.Count
		if desc.Until != nil {
			u := desc.Until.UTC()
			rec.RecurUntil = &u
		}
		rec.ExceptionDates = joinInstants(desc.ExceptionDates)
	}

	return rec, nil
}

func joinInstants(ts []time.Time) string {
	if len(ts) == 0 {
		return ""
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.UTC().Format(time.RFC3339)
	}
	return strings.Join(parts, ",")
}

// finish persists the advanced token and sync bookkeeping in one save.
func (o *Orchestrator) finish(ctx context.Context, conn *model.Connection, token string) error {
	now := o.opts.Clock.Now().UTC()
	conn.ContinuationToken = token
	conn.LastSyncedAt = &now
	conn.LastError = ""
	return o.store.SaveConnection(ctx, conn)
}

func (o *Orchestrator) recordFailure(connectionID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	appLog.Error("sync failed", err, "connection_id", connectionID)

	// Best effort: the original context may already be dead.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if conn, gerr := o.store.GetConnection(ctx, connectionID); gerr == nil {
		conn.LastError = failureSummary(err)
		// A rejected credential is terminal until the user re-links;
		// retrying with it would fail the same way on every sweep.
		var reauth *provider.ReauthorizationRequiredError
		if errors.As(err, &reauth) {
			conn.Connected = false
		}
		if serr := o.store.SaveConnection(ctx, conn); serr != nil {
			appLog.Error("failed to record sync failure", serr, "connection_id", connectionID)
		}
	}
	if o.opts.Notifier != nil {
		o.opts.Notifier.OnSyncFailure(connectionID, err)
	}
}

// failureSummary reduces err to a short classification for the
// connection's LastError column. Raw provider error bodies stay in the
// logs only.
func failureSummary(err error) string {
	var (
		reauth    *provider.ReauthorizationRequiredError
		transient *provider.TransientError
		invalid   *provider.InvalidContinuationTokenError
	)
	switch {
	case errors.As(err, &reauth):
		return "reauthorization required"
	case errors.As(err, &transient):
		if transient.StatusCode != 0 {
			return fmt.Sprintf("transient provider error (%s, status %d)", transient.Op, transient.StatusCode)
		}
		return fmt.Sprintf("transient provider error (%s)", transient.Op)
	case errors.As(err, &invalid):
		return "continuation token invalid after full resync"
	case errors.Is(err, context.DeadlineExceeded):
		return "sync timed out"
	default:
		return "sync failed"
	}
}

func (o *Orchestrator) window() provider.Window {
	now := o.opts.Clock.Now().UTC()
	d := time.Duration(o.opts.WindowDays) * 24 * time.Hour
	return provider.Window{Start: now.Add(-d), End: now.Add(d)}
}

// SyncAll runs a sync for every live connection, optionally filtered by
// provider. Failures are isolated per connection.
func (o *Orchestrator) SyncAll(ctx context.Context, only model.Provider) {
	var (
		conns []model.Connection
		err   error
	)
	if only != "" {
		conns, err = o.store.ListConnectionsByProvider(ctx, only)
	} else {
		conns, err = o.store.ListConnections(ctx)
	}
	if err != nil {
		appLog.Error("failed to list connections for sync sweep", err)
		return
	}
	for i := range conns {
		if !conns[i].Connected {
			continue
		}
		if _, err := o.SyncConnection(ctx, conns[i].ID); err != nil &&
			!errors.Is(err, ErrSyncInProgress) {
			appLog.Warn("sweep sync failed", "connection_id", conns[i].ID, "error", err.Error())
		}
	}
}

// ExpandOccurrences materializes the occurrences of one stored event in
// [windowStart, windowEnd). Non-recurring events yield themselves when
// they overlap the window.
func (o *Orchestrator) ExpandOccurrences(ctx context.Context, eventID string, windowStart, windowEnd time.Time) ([]model.Occurrence, error) {
	rec, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return o.expander.Expand(rec, windowStart, windowEnd)
}
