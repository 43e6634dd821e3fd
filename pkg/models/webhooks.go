package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebhookMessageFormat selects the wire shape of delivered events.
type WebhookMessageFormat string

const (
	// WebhookFormatOnefuzz is the native envelope: one EventMessage per POST
	// with the payload inline.
	WebhookFormatOnefuzz WebhookMessageFormat = "onefuzz"
	// WebhookFormatEventGrid wraps the payload in an Event Grid compatible
	// single-element array.
	WebhookFormatEventGrid WebhookMessageFormat = "event_grid"
)

// WebhookSubscription represents the webhooks table.
type WebhookSubscription struct {
	WebhookID     uuid.UUID            `json:"webhook_id"`
	Name          string               `json:"name"`
	URL           string               `json:"url"`
	EventTypes    []EventType          `json:"event_types"`
	SecretToken   string               `json:"secret_token,omitempty"`
	MessageFormat WebhookMessageFormat `json:"message_format,omitempty"`
}

// Subscribed reports whether the subscription's filter includes t.
func (w WebhookSubscription) Subscribed(t EventType) bool {
	for _, et := range w.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// WebhookMessageState tracks a single delivery attempt sequence.
type WebhookMessageState string

const (
	WebhookMessageQueued    WebhookMessageState = "queued"
	WebhookMessageRetrying  WebhookMessageState = "retrying"
	WebhookMessageSucceeded WebhookMessageState = "succeeded"
	WebhookMessageFailed    WebhookMessageState = "failed"
)

// WebhookMessageLog represents the per-(webhook, event) delivery record.
type WebhookMessageLog struct {
	WebhookID    uuid.UUID           `json:"webhook_id"`
	EventID      uuid.UUID           `json:"event_id"`
	EventType    EventType           `json:"event_type"`
	Event        EventPayload        `json:"event"`
	InstanceID   uuid.UUID           `json:"instance_id"`
	InstanceName string              `json:"instance_name"`
	State        WebhookMessageState `json:"state"`
	TryCount     int                 `json:"try_count"`
	CreatedAt    time.Time           `json:"created_at"`
	// NextTryAfter delays redelivery while backing off between attempts.
	NextTryAfter *time.Time `json:"next_try_after,omitempty"`
}

// UnmarshalJSON decodes the log record, dispatching the payload by the
// declared event type. Needed because Event is an interface field.
func (l *WebhookMessageLog) UnmarshalJSON(data []byte) error {
	type alias WebhookMessageLog
	var head struct {
		alias
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode webhook message log: %w", err)
	}
	payload, err := ParseEventPayload(head.EventType, head.Event)
	if err != nil {
		return err
	}
	*l = WebhookMessageLog(head.alias)
	l.Event = payload
	return nil
}

// WebhookMessage is the v2 envelope POSTed to subscribers using the native
// format. SasURL and ExpirationDate are set only for the reduced payload
// mode, where subscribers fetch the full payload through the signed URL.
type WebhookMessage struct {
	EventID        uuid.UUID    `json:"event_id"`
	EventType      EventType    `json:"event_type"`
	Event          EventPayload `json:"event"`
	InstanceID     uuid.UUID    `json:"instance_id"`
	InstanceName   string       `json:"instance_name"`
	WebhookID      uuid.UUID    `json:"webhook_id"`
	SasURL         *string      `json:"sas_url,omitempty"`
	Version        string       `json:"version"`
	ExpirationDate *time.Time   `json:"expiration_date,omitempty"`
}

// UnmarshalJSON decodes the delivery envelope, dispatching the payload by the
// declared event type.
func (m *WebhookMessage) UnmarshalJSON(data []byte) error {
	type alias WebhookMessage
	var head struct {
		alias
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode webhook message: %w", err)
	}
	payload, err := ParseEventPayload(head.EventType, head.Event)
	if err != nil {
		return err
	}
	*m = WebhookMessage(head.alias)
	m.Event = payload
	return nil
}

// WebhookMessageEventGrid is the Event Grid compatible wire shape; deliveries
// in this format POST a single-element array of these.
type WebhookMessageEventGrid struct {
	DataVersion string       `json:"dataVersion"`
	Subject     string       `json:"subject"`
	EventType   EventType    `json:"eventType"`
	EventTime   time.Time    `json:"eventTime"`
	ID          uuid.UUID    `json:"id"`
	Data        EventPayload `json:"data"`
}
