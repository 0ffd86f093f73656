// Package provider contains the sync adapters for the three external
// calendar systems. All adapters normalize provider event shapes into one
// NormalizedEvent type and share a single fetch contract; the differences
// between the incremental-sync protocols (polling token, delta link,
// conditional fetch) stay inside each adapter.
package provider

import (
	"context"
	"time"

	"calsync/internal/model"
)

// Window bounds the range of events fetched during a full (re)sync.
// Incremental fetches ignore it; the continuation token already scopes them.
type Window struct {
	Start time.Time
	End   time.Time
}

// NormalizedEvent is the provider-independent shape of one fetched event.
type NormalizedEvent struct {
	ProviderEventID string

	Title       string
	Description string
	Location    string

	// Start and End are UTC instants. Timezone is the advisory IANA label
	// the provider reported for the event's wall-clock anchor.
	Start    time.Time
	End      time.Time
	AllDay   bool
	Timezone string

	// RecurrenceRule is the raw rule string, without an "RRULE:" prefix.
	// Empty for non-recurring events.
	RecurrenceRule string

	// IsRecurringInstance marks an expanded/overridden instance of a
	// series; ParentProviderEventID points at the series master.
	IsRecurringInstance   bool
	ParentProviderEventID string

	ExceptionDates []time.Time

	HTMLLink string
}

// EventError records a single event that could not be normalized. The
// batch continues without it.
type EventError struct {
	ProviderEventID string
	Reason          string
}

// Result is the outcome of one adapter fetch.
type Result struct {
	Upserts            []NormalizedEvent
	RemovedProviderIDs []string

	// NextContinuationToken replaces the stored token once the whole
	// batch has been applied.
	NextContinuationToken string

	// RequiresFullResync is set when the continuation token was rejected
	// by the provider. The token must be cleared and the sync re-invoked
	// once with a bounded window.
	RequiresFullResync bool

	// Unchanged is set by the conditional-fetch adapter when the feed
	// reported 304 Not Modified; there is nothing to apply.
	Unchanged bool

	// FullSet marks Upserts as the complete current event set of the
	// source, allowing the caller to synthesize removals by diffing
	// against previously seen ids.
	FullSet bool

	// SkippedEvents lists malformed events that were recorded and
	// skipped without aborting the batch.
	SkippedEvents []EventError
}

// Adapter is the common incremental-sync contract.
type Adapter interface {
	Provider() model.Provider

	// Fetch returns the changes since continuationToken. An empty token
	// requests a full fetch bounded by window. accessToken is unused by
	// adapters whose sources are unauthenticated (ICS feeds).
	Fetch(ctx context.Context, conn *model.Connection, accessToken, continuationToken string, window Window) (*Result, error)
}
