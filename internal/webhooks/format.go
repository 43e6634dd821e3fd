package webhooks

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// DigestHeader carries the HMAC-SHA512 of the raw request body, hex encoded.
// Present only when the subscription configured a secret token.
const DigestHeader = "X-Onefuzz-Digest"

// EnvelopeVersion is the wire version stamped on native-format deliveries.
const EnvelopeVersion = "2.0"

// BuildBody serializes one delivery in the subscription's configured format.
// The native format POSTs the v2 envelope; the event_grid format POSTs a
// single-element array of Event Grid records.
func BuildBody(sub *models.WebhookSubscription, log *models.WebhookMessageLog) ([]byte, error) {
	switch sub.MessageFormat {
	case models.WebhookFormatEventGrid:
		records := []models.WebhookMessageEventGrid{{
			DataVersion: EnvelopeVersion,
			Subject:     log.InstanceName,
			EventType:   log.EventType,
			EventTime:   log.CreatedAt,
			ID:          log.EventID,
			Data:        log.Event,
		}}
		body, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("encode event_grid body: %w", err)
		}
		return body, nil
	default:
		msg := models.WebhookMessage{
			EventID:      log.EventID,
			EventType:    log.EventType,
			Event:        log.Event,
			InstanceID:   log.InstanceID,
			InstanceName: log.InstanceName,
			WebhookID:    log.WebhookID,
			Version:      EnvelopeVersion,
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode webhook body: %w", err)
		}
		return body, nil
	}
}

// Sign computes the hex-encoded HMAC-SHA512 of body under the secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
