// Package store persists connections, event records, and webhook
// subscriptions. Soft deletes are managed explicitly through the
// deleted_at column so a reappearing provider event revives its old row.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"calsync/internal/model"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract used by the sync orchestrator, the
// token gate, and the webhook manager.
type Store interface {
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	SaveConnection(ctx context.Context, conn *model.Connection) error
	ListConnections(ctx context.Context) ([]model.Connection, error)
	ListConnectionsByProvider(ctx context.Context, p model.Provider) ([]model.Connection, error)
	DisconnectConnection(ctx context.Context, id string) error

	// UpsertEvent creates or revives the row keyed by (ConnectionID,
	// ProviderEventID) and reports whether a new row was created.
	UpsertEvent(ctx context.Context, rec *model.EventRecord) (created bool, err error)

	// SoftDeleteEvent marks the event removed and reports whether a live
	// row existed. Removing an unknown event is a no-op.
	SoftDeleteEvent(ctx context.Context, connectionID, providerEventID string) (found bool, err error)

	GetEvent(ctx context.Context, id string) (*model.EventRecord, error)
	FindEventsByConnection(ctx context.Context, connectionID string) ([]model.EventRecord, error)

	// EventProviderIDs returns the provider ids of all live events of one
	// connection, for diffing against a full-set fetch.
	EventProviderIDs(ctx context.Context, connectionID string) ([]string, error)

	ActiveSubscription(ctx context.Context, connectionID string) (*model.WebhookSubscription, error)
	SubscriptionByRemoteID(ctx context.Context, remoteID string) (*model.WebhookSubscription, error)
	SaveSubscription(ctx context.Context, sub *model.WebhookSubscription) error
	SubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]model.WebhookSubscription, error)
	DeactivateSubscription(ctx context.Context, id string) error
}

// DB is the Postgres-backed Store.
type DB struct {
	gorm *gorm.DB
}

var _ Store = (*DB)(nil)

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*DB, error) {
	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := g.AutoMigrate(
		&model.Connection{},
		&model.EventRecord{},
		&model.WebhookSubscription{},
	); err != nil {
		return nil, err
	}
	return &DB{gorm: g}, nil
}

func (d *DB) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	var conn model.Connection
	err := d.gorm.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (d *DB) SaveConnection(ctx context.Context, conn *model.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	return d.gorm.WithContext(ctx).Save(conn).Error
}

func (d *DB) ListConnections(ctx context.Context) ([]model.Connection, error) {
	var conns []model.Connection
	err := d.gorm.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("created_at").
		Find(&conns).Error
	return conns, err
}

func (d *DB) ListConnectionsByProvider(ctx context.Context, p model.Provider) ([]model.Connection, error) {
	var conns []model.Connection
	err := d.gorm.WithContext(ctx).
		Where("provider = ? AND deleted_at IS NULL", p).
		Order("created_at").
		Find(&conns).Error
	return conns, err
}

// DisconnectConnection soft-deletes the connection and cascades: its live
// events are soft-deleted and its subscriptions deactivated, all in one
// transaction.
func (d *DB) DisconnectConnection(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Connection{}).
			Where("id = ? AND deleted_at IS NULL", id).
			Updates(map[string]any{"deleted_at": now, "connected": false})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&model.EventRecord{}).
			Where("connection_id = ? AND deleted_at IS NULL", id).
			Updates(map[string]any{"deleted_at": now, "sync_status": model.SyncDeleted}).Error; err != nil {
			return err
		}
		return tx.Model(&model.WebhookSubscription{}).
			Where("connection_id = ? AND active", id).
			Update("active", false).Error
	})
}

func (d *DB) UpsertEvent(ctx context.Context, rec *model.EventRecord) (bool, error) {
	created := false
	err := d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.EventRecord
		err := tx.Where("connection_id = ? AND provider_event_id = ?",
			rec.ConnectionID, rec.ProviderEventID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			created = true
			return tx.Create(rec).Error
		case err != nil:
			return err
		}

		// Revive the existing row in place; a soft-deleted event that
		// reappears at the provider gets its deleted_at cleared.
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.DeletedAt = nil
		return tx.Model(&model.EventRecord{}).
			Where("id = ?", existing.ID).
			Select("*").Omit("id", "created_at").
			Updates(rec).Error
	})
	return created, err
}

func (d *DB) SoftDeleteEvent(ctx context.Context, connectionID, providerEventID string) (bool, error) {
	res := d.gorm.WithContext(ctx).Model(&model.EventRecord{}).
		Where("connection_id = ? AND provider_event_id = ? AND deleted_at IS NULL",
			connectionID, providerEventID).
		Updates(map[string]any{
			"deleted_at":  time.Now().UTC(),
			"sync_status": model.SyncDeleted,
		})
	return res.RowsAffected > 0, res.Error
}

func (d *DB) GetEvent(ctx context.Context, id string) (*model.EventRecord, error) {
	var rec model.EventRecord
	err := d.gorm.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *DB) FindEventsByConnection(ctx context.Context, connectionID string) ([]model.EventRecord, error) {
	var recs []model.EventRecord
	err := d.gorm.WithContext(ctx).
		Where("connection_id = ? AND deleted_at IS NULL", connectionID).
		Order("start_time").
		Find(&recs).Error
	return recs, err
}

func (d *DB) EventProviderIDs(ctx context.Context, connectionID string) ([]string, error) {
	var ids []string
	err := d.gorm.WithContext(ctx).Model(&model.EventRecord{}).
		Where("connection_id = ? AND deleted_at IS NULL", connectionID).
		Pluck("provider_event_id", &ids).Error
	return ids, err
}

func (d *DB) ActiveSubscription(ctx context.Context, connectionID string) (*model.WebhookSubscription, error) {
	var sub model.WebhookSubscription
	err := d.gorm.WithContext(ctx).
		Where("connection_id = ? AND active", connectionID).
		Order("expires_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *DB) SubscriptionByRemoteID(ctx context.Context, remoteID string) (*model.WebhookSubscription, error) {
	var sub model.WebhookSubscription
	err := d.gorm.WithContext(ctx).
		Where("remote_subscription_id = ?", remoteID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *DB) SaveSubscription(ctx context.Context, sub *model.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	return d.gorm.WithContext(ctx).Save(sub).Error
}

func (d *DB) SubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]model.WebhookSubscription, error) {
	var subs []model.WebhookSubscription
	err := d.gorm.WithContext(ctx).
		Where("active AND expires_at < ?", cutoff).
		Order("expires_at").
		Find(&subs).Error
	return subs, err
}

func (d *DB) DeactivateSubscription(ctx context.Context, id string) error {
	return d.gorm.WithContext(ctx).Model(&model.WebhookSubscription{}).
		Where("id = ?", id).
		Update("active", false).Error
}
