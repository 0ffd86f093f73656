// Package model holds the persistent and wire-facing types shared across
// the sync core: connections, locally stored events, webhook subscriptions,
// and expanded occurrences.
package model

import "time"

// Provider identifies which external calendar system a connection talks to.
type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderICS       Provider = "ICS"
)

// SyncStatus tracks the sync lifecycle of a single event record.
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
	SyncDeleted SyncStatus = "DELETED"
)

// Connection links one user to one provider calendar. The continuation
// token is opaque to everything except the owning provider adapter:
// a Google sync token, a Microsoft delta link, or a JSON-encoded
// {etag, last_modified} pair for ICS feeds.
type Connection struct {
	ID       string   `gorm:"primaryKey;size:36"`
	UserID   string   `gorm:"index;size:36"`
	Provider Provider `gorm:"index;size:16;not null"`

	// CalendarID is the provider-side calendar identifier ("primary" for
	// Google's default calendar). For ICS connections FeedURL is set instead.
	CalendarID string `gorm:"size:512"`
	FeedURL    string `gorm:"size:2048"`

	ContinuationToken string `gorm:"size:4096"`

	// AccessToken/RefreshToken/TokenExpiresAt are managed exclusively by the
	// token refresh gate. Encryption at rest is the store's concern.
	AccessToken    string `gorm:"size:4096"`
	RefreshToken   string `gorm:"size:4096"`
	TokenExpiresAt *time.Time

	Connected    bool `gorm:"default:true"`
	LastSyncedAt *time.Time
	LastError    string `gorm:"size:1024"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time `gorm:"index"`
}

// EventRecord is a locally known calendar event. (ConnectionID,
// ProviderEventID) is unique; removals are always soft deletes so that a
// reappearing provider event revives the same row.
type EventRecord struct {
	ID           string `gorm:"primaryKey;size:128"`
	ConnectionID string `gorm:"uniqueIndex:idx_conn_provider_event;size:36;not null"`

	ProviderEventID string `gorm:"uniqueIndex:idx_conn_provider_event;size:512;not null"`

	Title       string `gorm:"size:500"`
	Description string `gorm:"size:2000"`
	Location    string `gorm:"size:500"`

	// StartTime/EndTime are UTC instants; Timezone is the advisory IANA
	// label the provider reported, used to recover local wall-clock time
	// during recurrence expansion.
	StartTime time.Time `gorm:"index;not null"`
	EndTime   time.Time `gorm:"not null"`
	AllDay    bool
	Timezone  string `gorm:"size:64"`

	// RecurrenceRule is the canonical rule string and the source of truth
	// for recurrence. It is set iff this row is a recurring master.
	RecurrenceRule      string `gorm:"size:1024"`
	IsRecurringInstance bool
	ParentEventID       string `gorm:"size:128"`

	// ExceptionDates holds excluded instants as a comma-joined list of
	// RFC3339 UTC timestamps. Empty when the master has no exceptions.
	ExceptionDates string `gorm:"size:4096"`

	// Derived recurrence filter columns. These are a queryable cache
	// regenerated from RecurrenceRule via the codec on every upsert;
	// they must never be written directly.
	RecurFreq     string `gorm:"index;size:16"`
	RecurInterval int
	RecurUntil    *time.Time
	RecurCount    int

	SyncStatus SyncStatus `gorm:"size:16;default:PENDING"`
	HTMLLink   string     `gorm:"size:2048"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time `gorm:"index"`
}

// WebhookSubscription is one push-notification channel for a connection.
// A connection has at most one active subscription.
type WebhookSubscription struct {
	ID           string   `gorm:"primaryKey;size:36"`
	ConnectionID string   `gorm:"index;size:36;not null"`
	Provider     Provider `gorm:"size:16;not null"`

	// RemoteSubscriptionID is the provider-assigned id: a Graph
	// subscription id or a Google channel id.
	RemoteSubscriptionID string `gorm:"index;size:512;not null"`

	// ResourceID is Google's opaque resource id, required to stop a channel.
	ResourceID string `gorm:"size:512"`

	// ValidationSecret is echoed back by the provider on each notification
	// and compared in constant time.
	ValidationSecret string `gorm:"size:128"`

	NotificationURL    string `gorm:"size:2048"`
	ExpiresAt          time.Time
	Active             bool `gorm:"index;default:true"`
	LastNotificationAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Occurrence is one concrete, time-bound instance produced by expanding a
// master event into a window. Start and End are UTC instants.
type Occurrence struct {
	// ID is synthesized deterministically from the master id and the
	// DST-corrected start instant, so repeated expansions agree.
	ID            string
	MasterEventID string
	ConnectionID  string

	Title    string
	Location string
	AllDay   bool

	Start time.Time
	End   time.Time
}

// ExceptionInstants parses the master's ExceptionDates column. Malformed
// entries are dropped; the codec writes only RFC3339 UTC values.
func (e *EventRecord) ExceptionInstants() []time.Time {
	if e.ExceptionDates == "" {
		return nil
	}
	var out []time.Time
	start := 0
	for i := 0; i <= len(e.ExceptionDates); i++ {
		if i == len(e.ExceptionDates) || e.ExceptionDates[i] == ',' {
			if s := e.ExceptionDates[start:i]; s != "" {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					out = append(out, t.UTC())
				}
			}
			start = i + 1
		}
	}
	return out
}

// IsRecurringMaster reports whether this record defines a recurrence.
func (e *EventRecord) IsRecurringMaster() bool {
	return e.RecurrenceRule != "" && !e.IsRecurringInstance
}

// Duration is the master's original event length, carried onto every
// expanded occurrence.
func (e *EventRecord) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}
