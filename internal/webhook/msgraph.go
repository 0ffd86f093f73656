package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"calsync/internal/model"
)

const msGraphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphTransport manages Microsoft Graph change-notification
// subscriptions. Graph subscriptions are renewable in place via PATCH.
type GraphTransport struct {
	// BaseURL overrides the Graph endpoint in tests.
	BaseURL string

	// HTTPClient overrides the transport. Nil uses a client with a
	// 30-second timeout.
	HTTPClient *http.Client

	// TTL is the requested subscription lifetime. Zero means 3 days,
	// within Graph's limit for event resources.
	TTL time.Duration
}

var _ Transport = (*GraphTransport)(nil)

func (t *GraphTransport) Provider() model.Provider { return model.ProviderMicrosoft }

func (t *GraphTransport) base() string {
	if t.BaseURL != "" {
		return strings.TrimRight(t.BaseURL, "/")
	}
	return msGraphBaseURL
}

func (t *GraphTransport) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (t *GraphTransport) ttl() time.Duration {
	if t.TTL > 0 {
		return t.TTL
	}
	return 3 * 24 * time.Hour
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

func (t *GraphTransport) Subscribe(ctx context.Context, conn *model.Connection, accessToken, notificationURL, secret string) (string, string, time.Time, error) {
	resource := "/me/events"
	if conn.CalendarID != "" {
		resource = "/me/calendars/" + conn.CalendarID + "/events"
	}

	body := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    notificationURL,
		Resource:           resource,
		ExpirationDateTime: time.Now().Add(t.ttl()).UTC().Format(time.RFC3339),
		ClientState:        secret,
	}

	var created graphSubscription
	if err := t.do(ctx, accessToken, http.MethodPost, t.base()+"/subscriptions", &body, http.StatusCreated, &created); err != nil {
		return "", "", time.Time{}, err
	}

	expiresAt, err := time.Parse(time.RFC3339, created.ExpirationDateTime)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("graph: bad expirationDateTime %q", created.ExpirationDateTime)
	}
	return created.ID, "", expiresAt.UTC(), nil
}

func (t *GraphTransport) Renew(ctx context.Context, _ *model.Connection, accessToken string, sub *model.WebhookSubscription) (time.Time, error) {
	body := graphSubscription{
		ExpirationDateTime: time.Now().Add(t.ttl()).UTC().Format(time.RFC3339),
	}
	var renewed graphSubscription
	url := t.base() + "/subscriptions/" + sub.RemoteSubscriptionID
	if err := t.do(ctx, accessToken, http.MethodPatch, url, &body, http.StatusOK, &renewed); err != nil {
		return time.Time{}, err
	}
	expiresAt, err := time.Parse(time.RFC3339, renewed.ExpirationDateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("graph: bad expirationDateTime %q", renewed.ExpirationDateTime)
	}
	return expiresAt.UTC(), nil
}

func (t *GraphTransport) Unsubscribe(ctx context.Context, _ *model.Connection, accessToken string, sub *model.WebhookSubscription) error {
	url := t.base() + "/subscriptions/" + sub.RemoteSubscriptionID
	return t.do(ctx, accessToken, http.MethodDelete, url, nil, http.StatusNoContent, nil)
}

func (t *GraphTransport) do(ctx context.Context, accessToken, method, url string, body *graphSubscription, wantStatus int, out *graphSubscription) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSubscriptionNotFound
	}
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph: %s %s: %s: %s", method, url, resp.Status, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
