package notify

import (
	"context"
	"net/http"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// WebhookChannel posts the alert record as JSON.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{URL: url, Headers: headers, Client: http.DefaultClient}
}

func (w *WebhookChannel) Send(ctx context.Context, a *model.Alert) error {
	return postJSON(ctx, w.Client, w.URL, w.Headers, a)
}
