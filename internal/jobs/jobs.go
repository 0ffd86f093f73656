// Package jobs runs the periodic background work: ICS feed polling for
// connections that have no push channel, webhook subscription renewal, and
// cleanup of subscription rows whose channels are long dead.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
	syncpkg "calsync/internal/sync"
	"calsync/internal/webhook"
)

// staleAfter is how long past expiry an inactive-looking subscription row
// is kept before cleanup deactivates it for good.
const staleAfter = 7 * 24 * time.Hour

// Scheduler owns the cron instance and the handles it drives.
type Scheduler struct {
	cfg      *config.Config
	store    store.Store
	syncer   *syncpkg.Orchestrator
	webhooks *webhook.Manager
	cron     *cron.Cron
}

// New builds a Scheduler; Start registers the entries and kicks off cron.
func New(cfg *config.Config, st store.Store, syncer *syncpkg.Orchestrator, webhooks *webhook.Manager) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		syncer:   syncer,
		webhooks: webhooks,
		cron:     cron.New(),
	}
}

// Start registers the three periodic entries and starts the cron loop.
// Jobs that cannot be scheduled abort startup; a typo in a cron spec is a
// config error, not something to limp along without.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SyncCron, func() { s.runFeedSync(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.RenewalCron, func() { s.runRenewal(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.CleanupCron, func() { s.runCleanup(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	appLog.Info("scheduler started",
		"sync_cron", s.cfg.SyncCron,
		"renewal_cron", s.cfg.RenewalCron,
		"cleanup_cron", s.cfg.CleanupCron,
	)
	return nil
}

// Stop halts the cron loop and waits for running entries to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	appLog.Info("scheduler stopped")
}

// runFeedSync polls every ICS connection. Google and Microsoft connections
// are driven by webhook notifications instead; feeds have no push channel,
// so polling is their only freshness mechanism.
func (s *Scheduler) runFeedSync(ctx context.Context) {
	appLog.Debug("feed sync sweep starting")
	s.syncer.SyncAll(ctx, model.ProviderICS)
}

// runRenewal renews webhook subscriptions that are inside the renewal
// window, and re-establishes channels for connected push-capable
// connections that somehow lost theirs.
func (s *Scheduler) runRenewal(ctx context.Context) {
	appLog.Debug("subscription renewal sweep starting")
	s.webhooks.RenewExpiring(ctx)

	for _, p := range []model.Provider{model.ProviderGoogle, model.ProviderMicrosoft} {
		conns, err := s.store.ListConnectionsByProvider(ctx, p)
		if err != nil {
			appLog.Error("failed to list connections for renewal", err, "provider", string(p))
			continue
		}
		for i := range conns {
			if !conns[i].Connected {
				continue
			}
			if err := s.webhooks.Ensure(ctx, conns[i].ID); err != nil {
				appLog.Warn("failed to ensure subscription",
					"connection_id", conns[i].ID, "error", err.Error())
			}
		}
	}
}

// runCleanup deactivates subscription rows that expired long ago and were
// never renewed. Their upstream channels are gone; keeping the rows active
// only makes every notification lookup scan dead secrets.
func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	subs, err := s.store.SubscriptionsExpiringBefore(ctx, cutoff)
	if err != nil {
		appLog.Error("failed to list stale subscriptions", err)
		return
	}
	for i := range subs {
		if err := s.store.DeactivateSubscription(ctx, subs[i].ID); err != nil {
			appLog.Warn("failed to deactivate stale subscription",
				"subscription_id", subs[i].ID, "error", err.Error())
			continue
		}
		appLog.Info("deactivated stale subscription",
			"subscription_id", subs[i].ID,
			"connection_id", subs[i].ConnectionID,
			"expired_at", subs[i].ExpiresAt.Format(time.RFC3339),
		)
	}
	if len(subs) > 0 {
		appLog.Info("subscription cleanup complete", "deactivated", len(subs))
	}
}
