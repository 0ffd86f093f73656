// Package token guards provider access tokens. All reads go through the
// gate: it returns the stored token while it is comfortably fresh and
// otherwise refreshes it, collapsing concurrent refreshes for the same
// connection into a single upstream call.
package token

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
)

// refreshThreshold is how close to expiry a token may get before the gate
// refreshes it instead of handing it out.
const refreshThreshold = 5 * time.Minute

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, conn *model.Connection) (accessToken string, expiresAt time.Time, err error)
}

// Clock supplies the current time; swapped out in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Gate serializes token refreshes per connection.
type Gate struct {
	store     store.Store
	refresher Refresher
	clock     Clock
	group     singleflight.Group
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(g *Gate) { g.clock = c }
}

func NewGate(st store.Store, r Refresher, opts ...Option) *Gate {
	g := &Gate{store: st, refresher: r, clock: systemClock{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GetValidToken returns an access token guaranteed to stay valid for at
// least the refresh threshold. Concurrent callers for the same connection
// share one refresh; a failed refresh disconnects the connection so later
// calls fail fast until the user reauthorizes.
func (g *Gate) GetValidToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.Connected {
		return "", &provider.ReauthorizationRequiredError{ConnectionID: connectionID}
	}
	if conn.AccessToken != "" && conn.TokenExpiresAt != nil &&
		conn.TokenExpiresAt.After(g.clock.Now().Add(refreshThreshold)) {
		return conn.AccessToken, nil
	}

	v, err, _ := g.group.Do(connectionID, func() (any, error) {
		return g.refresh(ctx, connectionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Gate) refresh(ctx context.Context, connectionID string) (string, error) {
	// Re-read inside the flight: the winner of a concurrent burst may
	// already have refreshed by the time a loser's closure runs.
	conn, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.Connected {
		return "", &provider.ReauthorizationRequiredError{ConnectionID: connectionID}
	}
	if conn.AccessToken != "" && conn.TokenExpiresAt != nil &&
		conn.TokenExpiresAt.After(g.clock.Now().Add(refreshThreshold)) {
		return conn.AccessToken, nil
	}
	if conn.RefreshToken == "" {
		return "", g.disconnect(ctx, conn, fmt.Errorf("no refresh token on record"))
	}

	access, expiresAt, err := g.refresher.Refresh(ctx, conn)
	if err != nil {
		if provider.IsTransient(err) {
			// Leave the connection alone; the caller retries later.
			return "", err
		}
		return "", g.disconnect(ctx, conn, err)
	}

	conn.AccessToken = access
	conn.TokenExpiresAt = &expiresAt
	if err := g.store.SaveConnection(ctx, conn); err != nil {
		return "", err
	}
	appLog.Debug("token refreshed", "connection_id", conn.ID, "expires_at", expiresAt)
	return access, nil
}

// disconnect marks the connection as needing reauthorization and returns
// the error future callers will see.
func (g *Gate) disconnect(ctx context.Context, conn *model.Connection, cause error) error {
	conn.Connected = false
	// Summary only; the cause goes to the log below.
	conn.LastError = "token refresh failed, reauthorization required"
	if err := g.store.SaveConnection(ctx, conn); err != nil {
		appLog.Error("failed to persist disconnect", err, "connection_id", conn.ID)
	}
	appLog.Warn("connection disconnected after refresh failure",
		"connection_id", conn.ID, "cause", cause.Error())
	return &provider.ReauthorizationRequiredError{ConnectionID: conn.ID, Err: cause}
}

// OAuthRefresher refreshes through a standard OAuth2 token endpoint,
// selected per provider.
type OAuthRefresher struct {
	// Configs maps a provider to its OAuth2 client configuration.
	Configs map[model.Provider]*oauth2.Config
}

var _ Refresher = (*OAuthRefresher)(nil)

func (r *OAuthRefresher) Refresh(ctx context.Context, conn *model.Connection) (string, time.Time, error) {
	cfg, ok := r.Configs[conn.Provider]
	if !ok {
		return "", time.Time{}, fmt.Errorf("no oauth config for provider %s", conn.Provider)
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}
