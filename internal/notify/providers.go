package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookProvider POSTs each request as JSON to a fixed URL.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhookProvider(url string, client *http.Client) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookProvider{url: url, client: client}
}

func (p *WebhookProvider) Dispatch(ctx context.Context, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("dispatch returned %s", resp.Status)
	}
	return nil
}

// LogProvider only logs requests. Used when no webhook is configured.
type LogProvider struct {
	Logger *zap.Logger
}

func (p LogProvider) Dispatch(_ context.Context, req DispatchRequest) error {
	if p.Logger != nil {
		p.Logger.Info("push notification",
			zap.String("target", req.TargetIdentity),
			zap.String("tag", req.Tag),
			zap.String("title", req.Title),
		)
	}
	return nil
}
