package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
)

// Event types for webhook registry replication
const (
	EventWebhookUpserted = "webhook:upserted"
	EventWebhookDeleted  = "webhook:deleted"
)

// Query types for cluster communication
const (
	QueryFullState = "sync:full-state"
	QueryCount     = "sync:count"
)

// userEventSizeLimit raises Serf's 512 byte default so a webhook with its
// event list and secret fits into one user event
const userEventSizeLimit = 4096

// WebhookSyncEvent represents a webhook registry change
type WebhookSyncEvent struct {
	Type      string          `json:"type"` // "upserted", "deleted"
	Webhook   *models.Webhook `json:"webhook,omitempty"`
	WebhookID string          `json:"webhook_id"`
	NodeID    string          `json:"node_id"`
	At        time.Time       `json:"at"` // last-writer-wins clock
}

// CountResponse represents a response to a count query
type CountResponse struct {
	Count  int    `json:"count"`
	NodeID string `json:"node_id"`
}

func encodeEvent(event WebhookSyncEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(payload) > userEventSizeLimit-len(EventWebhookUpserted) {
		return nil, fmt.Errorf("event for webhook %s is %d bytes, over the %d byte limit",
			event.WebhookID, len(payload), userEventSizeLimit)
	}
	return payload, nil
}

func decodeEvent(payload []byte) (WebhookSyncEvent, error) {
	var event WebhookSyncEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.WebhookID == "" {
		return event, errors.New("event without webhook id")
	}
	return event, nil
}
