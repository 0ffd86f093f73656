package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/model"
)

// GoogleTransport registers push channels on the Calendar events watch
// API. Google channels cannot be extended, so Renew always reports
// ErrRenewalUnsupported and the manager recreates the channel.
type GoogleTransport struct {
	// Endpoint overrides the Calendar API base URL for tests.
	Endpoint string

	// HTTPClient overrides the transport. Nil means the library default.
	HTTPClient *http.Client

	// TTL is the requested channel lifetime. Zero means 7 days, the
	// documented maximum for calendar channels.
	TTL time.Duration
}

var _ Transport = (*GoogleTransport)(nil)

func (t *GoogleTransport) Provider() model.Provider { return model.ProviderGoogle }

func (t *GoogleTransport) ttl() time.Duration {
	if t.TTL > 0 {
		return t.TTL
	}
	return 7 * 24 * time.Hour
}

func (t *GoogleTransport) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if t.HTTPClient != nil {
		opts = []option.ClientOption{option.WithHTTPClient(t.HTTPClient)}
	}
	if t.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(t.Endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func (t *GoogleTransport) Subscribe(ctx context.Context, conn *model.Connection, accessToken, notificationURL, secret string) (string, string, time.Time, error) {
	svc, err := t.service(ctx, accessToken)
	if err != nil {
		return "", "", time.Time{}, err
	}

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	expiration := time.Now().Add(t.ttl())
	ch, err := svc.Events.Watch(calendarID, &calendar.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    notificationURL,
		Token:      secret,
		Expiration: expiration.UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		return "", "", time.Time{}, err
	}

	expiresAt := expiration
	if ch.Expiration > 0 {
		expiresAt = time.UnixMilli(ch.Expiration).UTC()
	}
	return ch.Id, ch.ResourceId, expiresAt, nil
}

func (t *GoogleTransport) Renew(context.Context, *model.Connection, string, *model.WebhookSubscription) (time.Time, error) {
	return time.Time{}, ErrRenewalUnsupported
}

func (t *GoogleTransport) Unsubscribe(ctx context.Context, _ *model.Connection, accessToken string, sub *model.WebhookSubscription) error {
	svc, err := t.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&calendar.Channel{
		Id:         sub.RemoteSubscriptionID,
		ResourceId: sub.ResourceID,
	}).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return ErrSubscriptionNotFound
	}
	return err
}
