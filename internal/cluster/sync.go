package cluster

import (
	"log"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
)

// WebhookUpserted broadcasts a created or changed webhook to the cluster
func (c *Cluster) WebhookUpserted(w *models.Webhook) {
	event := WebhookSyncEvent{
		Type:      "upserted",
		Webhook:   w,
		WebhookID: w.ID,
		NodeID:    c.nodeID,
		At:        w.UpdatedAt,
	}
	if err := c.broadcastEvent(EventWebhookUpserted, event); err != nil {
		log.Printf("[ERROR] Failed to replicate webhook %s: %v", w.ID, err)
	}
}

// WebhookDeleted broadcasts a webhook deletion to the cluster
func (c *Cluster) WebhookDeleted(id string, at time.Time) {
	event := WebhookSyncEvent{
		Type:      "deleted",
		WebhookID: id,
		NodeID:    c.nodeID,
		At:        at,
	}
	if err := c.broadcastEvent(EventWebhookDeleted, event); err != nil {
		log.Printf("[ERROR] Failed to replicate deletion of webhook %s: %v", id, err)
	}
}

// broadcastEvent sends a user event to the cluster
func (c *Cluster) broadcastEvent(eventName string, event WebhookSyncEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}

	if err := c.serf.UserEvent(eventName, payload, false); err != nil {
		return err
	}

	log.Printf("[INFO] Broadcasted %s: %s", eventName, event.WebhookID)
	return nil
}
