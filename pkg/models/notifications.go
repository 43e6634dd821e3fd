package models

import (
	"github.com/google/uuid"
)

// NotificationConfig selects and configures an integration kind. Exactly one
// kind-specific section applies; the others stay nil.
type NotificationConfig struct {
	ChatWebhook *ChatWebhookConfig `json:"chat_webhook,omitempty"`
}

// Kind names the configured integration, empty if none is set.
func (c NotificationConfig) Kind() string {
	if c.ChatWebhook != nil {
		return "chat_webhook"
	}
	return ""
}

// ChatWebhookConfig posts report summaries to a chat incoming-webhook URL.
type ChatWebhookConfig struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Notification binds an integration config to a storage container: files
// appearing in that container trigger the integration.
type Notification struct {
	NotificationID uuid.UUID          `json:"notification_id"`
	Container      string             `json:"container"`
	Config         NotificationConfig `json:"config"`
}
