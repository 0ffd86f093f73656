// Package webhook manages push-notification subscriptions: creating them
// when a connection appears, renewing them before they lapse, and turning
// inbound notifications into sync triggers.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
	syncpkg "calsync/internal/sync"
)

// renewalWindow is how far before expiry a subscription becomes eligible
// for renewal.
const renewalWindow = 24 * time.Hour

// ErrSubscriptionNotFound marks a remote 404: the provider no longer knows
// the subscription, so renewal must not be retried.
var ErrSubscriptionNotFound = errors.New("webhook: subscription not found upstream")

// ErrRenewalUnsupported is returned by transports whose provider has no
// renew call; the manager recreates the subscription instead.
var ErrRenewalUnsupported = errors.New("webhook: provider does not support renewal")

// Transport is the provider-side subscription API.
type Transport interface {
	Provider() model.Provider

	// Subscribe registers a notification channel and returns the
	// provider-assigned id, the opaque resource id (empty when the
	// provider has none), and the expiry.
	Subscribe(ctx context.Context, conn *model.Connection, accessToken, notificationURL, secret string) (remoteID, resourceID string, expiresAt time.Time, err error)

	// Renew extends an existing subscription.
	Renew(ctx context.Context, conn *model.Connection, accessToken string, sub *model.WebhookSubscription) (time.Time, error)

	Unsubscribe(ctx context.Context, conn *model.Connection, accessToken string, sub *model.WebhookSubscription) error
}

// Syncer triggers a sync run; notifications carry no payload worth
// parsing, they only say "something changed".
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string) (*syncpkg.Result, error)
}

// Clock supplies the current time; swapped out in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Manager drives the subscription lifecycle for all connections.
type Manager struct {
	store      store.Store
	transports map[model.Provider]Transport
	tokens     syncpkg.TokenSource
	syncer     Syncer
	baseURL    string
	clock      Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager builds a Manager. baseURL is the externally reachable root
// the ingress handlers are mounted under.
func NewManager(st store.Store, transports map[model.Provider]Transport, tokens syncpkg.TokenSource, syncer Syncer, baseURL string, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		transports: transports,
		tokens:     tokens,
		syncer:     syncer,
		baseURL:    baseURL,
		clock:      systemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure makes sure the connection has a live subscription. Calling it on
// a connection that already has one comfortably ahead of expiry is a
// no-op; ICS connections never get subscriptions.
func (m *Manager) Ensure(ctx context.Context, connectionID string) error {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	tr, ok := m.transports[conn.Provider]
	if !ok {
		return nil
	}

	if sub, err := m.store.ActiveSubscription(ctx, connectionID); err == nil {
		if sub.ExpiresAt.After(m.clock.Now().Add(renewalWindow)) {
			return nil
		}
		return m.renew(ctx, conn, tr, sub)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return m.subscribe(ctx, conn, tr)
}

func (m *Manager) subscribe(ctx context.Context, conn *model.Connection, tr Transport) error {
	accessToken, err := m.tokens.GetValidToken(ctx, conn.ID)
	if err != nil {
		return err
	}

	secret := uuid.NewString()
	url := m.notificationURL(conn.Provider)
	remoteID, resourceID, expiresAt, err := tr.Subscribe(ctx, conn, accessToken, url, secret)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", conn.Provider, err)
	}

	sub := &model.WebhookSubscription{
		ConnectionID:         conn.ID,
		Provider:             conn.Provider,
		RemoteSubscriptionID: remoteID,
		ResourceID:           resourceID,
		ValidationSecret:     secret,
		NotificationURL:      url,
		ExpiresAt:            expiresAt,
		Active:               true,
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	appLog.Info("webhook subscription created", "connection_id", conn.ID,
		"provider", string(conn.Provider), "expires_at", expiresAt)
	return nil
}

func (m *Manager) renew(ctx context.Context, conn *model.Connection, tr Transport, sub *model.WebhookSubscription) error {
	accessToken, err := m.tokens.GetValidToken(ctx, conn.ID)
	if err != nil {
		return err
	}

	expiresAt, err := tr.Renew(ctx, conn, accessToken, sub)
	switch {
	case err == nil:
		sub.ExpiresAt = expiresAt
		if err := m.store.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		appLog.Info("webhook subscription renewed", "connection_id", conn.ID, "expires_at", expiresAt)
		return nil

	case errors.Is(err, ErrRenewalUnsupported):
		// Recreate: drop the old channel, then subscribe fresh.
		if uerr := tr.Unsubscribe(ctx, conn, accessToken, sub); uerr != nil &&
			!errors.Is(uerr, ErrSubscriptionNotFound) {
			appLog.Warn("failed to stop old channel before recreate",
				"connection_id", conn.ID, "error", uerr.Error())
		}
		if derr := m.store.DeactivateSubscription(ctx, sub.ID); derr != nil {
			return derr
		}
		return m.subscribe(ctx, conn, tr)

	case errors.Is(err, ErrSubscriptionNotFound):
		// The provider already dropped it; mark it expired and create a
		// replacement. No renewal retries against a 404.
		if derr := m.store.DeactivateSubscription(ctx, sub.ID); derr != nil {
			return derr
		}
		appLog.Warn("subscription expired upstream, recreating", "connection_id", conn.ID)
		return m.subscribe(ctx, conn, tr)

	default:
		return fmt.Errorf("renew %s: %w", conn.Provider, err)
	}
}

// RenewExpiring renews every active subscription lapsing within the
// renewal window. Per-subscription failures are isolated.
func (m *Manager) RenewExpiring(ctx context.Context) {
	cutoff := m.clock.Now().Add(renewalWindow)
	subs, err := m.store.SubscriptionsExpiringBefore(ctx, cutoff)
	if err != nil {
		appLog.Error("failed to list expiring subscriptions", err)
		return
	}
	for i := range subs {
		sub := &subs[i]
		conn, err := m.store.GetConnection(ctx, sub.ConnectionID)
		if err != nil {
			// Connection gone; the subscription is orphaned.
			if derr := m.store.DeactivateSubscription(ctx, sub.ID); derr != nil {
				appLog.Error("failed to deactivate orphaned subscription", derr, "subscription_id", sub.ID)
			}
			continue
		}
		tr, ok := m.transports[conn.Provider]
		if !ok {
			continue
		}
		if err := m.renew(ctx, conn, tr, sub); err != nil {
			appLog.Warn("subscription renewal failed",
				"connection_id", conn.ID, "subscription_id", sub.ID, "error", err.Error())
		}
	}
}

// Stop tears down the connection's subscription, locally and upstream.
func (m *Manager) Stop(ctx context.Context, connectionID string) error {
	sub, err := m.store.ActiveSubscription(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err == nil {
		if tr, ok := m.transports[conn.Provider]; ok {
			if accessToken, terr := m.tokens.GetValidToken(ctx, connectionID); terr == nil {
				if uerr := tr.Unsubscribe(ctx, conn, accessToken, sub); uerr != nil &&
					!errors.Is(uerr, ErrSubscriptionNotFound) {
					appLog.Warn("upstream unsubscribe failed", "connection_id", connectionID, "error", uerr.Error())
				}
			}
		}
	}
	return m.store.DeactivateSubscription(ctx, sub.ID)
}

// HandleNotification validates an inbound notification and triggers a
// sync. The secret comparison is constant time; a mismatch or unknown
// subscription id is swallowed after logging so probes learn nothing.
func (m *Manager) HandleNotification(ctx context.Context, remoteSubscriptionID, secret string) {
	sub, err := m.store.SubscriptionByRemoteID(ctx, remoteSubscriptionID)
	if err != nil {
		appLog.Warn("notification for unknown subscription", "remote_id", remoteSubscriptionID)
		return
	}
	if !sub.Active {
		appLog.Debug("notification for inactive subscription", "subscription_id", sub.ID)
		return
	}
	if subtle.ConstantTimeCompare([]byte(sub.ValidationSecret), []byte(secret)) != 1 {
		appLog.Warn("notification failed secret validation", "subscription_id", sub.ID)
		return
	}

	now := m.clock.Now().UTC()
	sub.LastNotificationAt = &now
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		appLog.Error("failed to record notification time", err, "subscription_id", sub.ID)
	}

	if _, err := m.syncer.SyncConnection(ctx, sub.ConnectionID); err != nil &&
		!errors.Is(err, syncpkg.ErrSyncInProgress) {
		appLog.Warn("notification-triggered sync failed",
			"connection_id", sub.ConnectionID, "error", err.Error())
	}
}

func (m *Manager) notificationURL(p model.Provider) string {
	switch p {
	case model.ProviderGoogle:
		return m.baseURL + "/webhooks/google"
	case model.ProviderMicrosoft:
		return m.baseURL + "/webhooks/microsoft"
	default:
		return m.baseURL + "/webhooks"
	}
}
