// Package testutil provides in-memory fakes shared by the package tests:
// a Store double, a stub clock, and a scriptable provider adapter.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
)

// StubClock returns a fixed time until advanced.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(now time.Time) *StubClock {
	return &StubClock{now: now}
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MemoryStore is an in-memory store.Store for tests.
type MemoryStore struct {
	mu            sync.Mutex
	connections   map[string]*model.Connection
	events        map[string]*model.EventRecord
	subscriptions map[string]*model.WebhookSubscription
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections:   make(map[string]*model.Connection),
		events:        make(map[string]*model.EventRecord),
		subscriptions: make(map[string]*model.WebhookSubscription),
	}
}

func (m *MemoryStore) GetConnection(_ context.Context, id string) (*model.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok || conn.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (m *MemoryStore) SaveConnection(_ context.Context, conn *model.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	cp := *conn
	m.connections[conn.ID] = &cp
	return nil
}

func (m *MemoryStore) ListConnections(_ context.Context) ([]model.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Connection
	for _, c := range m.connections {
		if c.DeletedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListConnectionsByProvider(_ context.Context, p model.Provider) ([]model.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Connection
	for _, c := range m.connections {
		if c.DeletedAt == nil && c.Provider == p {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) DisconnectConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok || conn.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	conn.DeletedAt = &now
	conn.Connected = false
	for _, e := range m.events {
		if e.ConnectionID == id && e.DeletedAt == nil {
			e.DeletedAt = &now
			e.SyncStatus = model.SyncDeleted
		}
	}
	for _, s := range m.subscriptions {
		if s.ConnectionID == id {
			s.Active = false
		}
	}
	return nil
}

func (m *MemoryStore) UpsertEvent(_ context.Context, rec *model.EventRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ConnectionID == rec.ConnectionID && e.ProviderEventID == rec.ProviderEventID {
			rec.ID = e.ID
			rec.CreatedAt = e.CreatedAt
			rec.DeletedAt = nil
			cp := *rec
			m.events[e.ID] = &cp
			return false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	m.events[rec.ID] = &cp
	return true, nil
}

func (m *MemoryStore) SoftDeleteEvent(_ context.Context, connectionID, providerEventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ConnectionID == connectionID && e.ProviderEventID == providerEventID && e.DeletedAt == nil {
			now := time.Now().UTC()
			e.DeletedAt = &now
			e.SyncStatus = model.SyncDeleted
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) FindEventsByConnection(_ context.Context, connectionID string) ([]model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventRecord
	for _, e := range m.events {
		if e.ConnectionID == connectionID && e.DeletedAt == nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *MemoryStore) EventProviderIDs(_ context.Context, connectionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ConnectionID == connectionID && e.DeletedAt == nil {
			out = append(out, e.ProviderEventID)
		}
	}
	return out, nil
}

// EventByProviderID looks an event up by its provider id, including
// soft-deleted rows. Test assertions only.
func (m *MemoryStore) EventByProviderID(connectionID, providerEventID string) *model.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ConnectionID == connectionID && e.ProviderEventID == providerEventID {
			cp := *e
			return &cp
		}
	}
	return nil
}

func (m *MemoryStore) ActiveSubscription(_ context.Context, connectionID string) (*model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.ConnectionID == connectionID && s.Active {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) SubscriptionByRemoteID(_ context.Context, remoteID string) (*model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.RemoteSubscriptionID == remoteID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) SaveSubscription(_ context.Context, sub *model.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) SubscriptionsExpiringBefore(_ context.Context, cutoff time.Time) ([]model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WebhookSubscription
	for _, s := range m.subscriptions {
		if s.Active && s.ExpiresAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeactivateSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subscriptions[id]; ok {
		s.Active = false
	}
	return nil
}

// FakeAdapter replays scripted fetch results and records the tokens it
// was called with.
type FakeAdapter struct {
	mu       sync.Mutex
	Kind     model.Provider
	Results  []*provider.Result
	Errs     []error
	calls    int
	Tokens   []string
	LastConn string
}

var _ provider.Adapter = (*FakeAdapter)(nil)

func (f *FakeAdapter) Provider() model.Provider { return f.Kind }

func (f *FakeAdapter) Fetch(_ context.Context, conn *model.Connection, _, continuationToken string, _ provider.Window) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens = append(f.Tokens, continuationToken)
	f.LastConn = conn.ID
	i := f.calls
	f.calls++
	if i < len(f.Errs) && f.Errs[i] != nil {
		return nil, f.Errs[i]
	}
	if i < len(f.Results) {
		return f.Results[i], nil
	}
	return &provider.Result{}, nil
}

// Calls reports how many times Fetch ran.
func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
