package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"readyline/internal/config"
	"readyline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier POSTs notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	Hook   config.WebhookConfig
	Client *http.Client
}

func NewWebhook(hook config.WebhookConfig) WebhookNotifier {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return WebhookNotifier{Hook: hook, Client: &http.Client{Timeout: timeout}}
}

// FromConfig builds one notifier per enabled webhook. With none configured
// it returns fallback.
func FromConfig(hooks []config.WebhookConfig, fallback Notifier) Notifier {
	var out Multi
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhook(hook))
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

type webhookBody struct {
	TemplateID string         `json:"template_id"`
	Recipients []domain.Role  `json:"recipients"`
	Context    map[string]any `json:"context,omitempty"`
}

// Notify skips templates the hook does not subscribe to.
func (w WebhookNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if !newTemplateFilter(w.Hook.Templates).match(n.TemplateID) {
		return nil
	}
	data, err := json.Marshal(webhookBody{TemplateID: n.TemplateID, Recipients: n.Recipients, Context: n.Context})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Readyline-Template", n.TemplateID)
	if id, ok := n.Context["delivery_id"].(string); ok {
		req.Header.Set("X-Readyline-Delivery", id)
	}
	if strings.TrimSpace(w.Hook.Secret) != "" {
		req.Header.Set("X-Readyline-Secret", w.Hook.Secret)
	}
	for k, v := range w.Hook.Headers {
		req.Header.Set(k, v)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.Hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type templateFilter struct {
	all bool
	set map[string]struct{}
}

func newTemplateFilter(templates []string) templateFilter {
	set := make(map[string]struct{}, len(templates))
	for _, t := range templates {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return templateFilter{all: true}
	}
	return templateFilter{set: set}
}

func (f templateFilter) match(template string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[template]
	return ok
}
