package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink posts every event to an external notification relay, e.g. a
// push gateway that reaches crews whose app is backgrounded.
type WebhookSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookSink(endpoint, key string) *WebhookSink {
	return &WebhookSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookBody struct {
	Scopes []string `json:"scopes"`
	Event  Event    `json:"event"`
}

func (s *WebhookSink) Send(ctx context.Context, scopes []string, ev Event) error {
	b, err := json.Marshal(webhookBody{Scopes: scopes, Event: ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Key != "" {
		req.Header.Set("Authorization", "Bearer "+s.Key)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
