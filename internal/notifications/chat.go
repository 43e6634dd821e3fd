package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// ChatWebhook posts a short summary card to a chat incoming-webhook URL.
type ChatWebhook struct {
	url    string
	title  string
	client *http.Client
}

func NewChatWebhook(cfg models.NotificationConfig) (Integration, error) {
	if cfg.ChatWebhook == nil {
		return nil, fmt.Errorf("chat_webhook config missing")
	}
	title := cfg.ChatWebhook.Title
	if title == "" {
		title = "new file"
	}
	return &ChatWebhook{
		url:    cfg.ChatWebhook.URL,
		title:  title,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type chatCard struct {
	Title string     `json:"title"`
	Text  string     `json:"text"`
	Facts []chatFact `json:"facts,omitempty"`
}

type chatFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (c *ChatWebhook) Notify(ctx context.Context, container, filename string, report *models.Report) error {
	card := chatCard{
		Title: c.title,
		Text:  fmt.Sprintf("%s/%s", container, filename),
	}
	if report != nil {
		card.Facts = []chatFact{
			{Name: "executable", Value: report.Executable},
			{Name: "crash type", Value: report.CrashType},
			{Name: "crash site", Value: report.CrashSite},
		}
		if report.TaskID != nil {
			card.Facts = append(card.Facts, chatFact{Name: "task", Value: report.TaskID.String()})
		}
	}

	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encode chat card: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post chat notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post chat notification: status %d", resp.StatusCode)
	}
	return nil
}
