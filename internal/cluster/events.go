package cluster

import (
	"context"
	"log"
	"time"

	"github.com/hashicorp/serf/serf"
)

// applyTimeout bounds one registry write caused by a peer event
const applyTimeout = 5 * time.Second

// handleEvents processes Serf events from the event channel
func (c *Cluster) handleEvents() {
	for {
		select {
		case event := <-c.eventCh:
			switch e := event.(type) {
			case serf.MemberEvent:
				c.handleMemberEvent(e)
			case serf.UserEvent:
				c.applyEvent(e.Name, e.Payload)
			case *serf.Query:
				c.handleQuery(e)
			default:
				log.Printf("Unknown event type: %T", e)
			}
		case <-c.shutdown:
			log.Println("Event handler shutting down")
			return
		}
	}
}

// handleMemberEvent handles cluster membership events
func (c *Cluster) handleMemberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		switch event.Type {
		case serf.EventMemberJoin:
			log.Printf("🎉 Node joined: %s (%s)", member.Name, member.Addr)

			// The joining node pulls the registry from its peers
			if member.Name == c.nodeID {
				log.Println("ℹ️  I'm the new node, requesting webhook registry...")
				go c.requestFullSync()
			}

		case serf.EventMemberLeave:
			log.Printf("👋 Node left gracefully: %s", member.Name)

		case serf.EventMemberFailed:
			log.Printf("💀 Node failed: %s", member.Name)

		case serf.EventMemberUpdate:
			log.Printf("🔄 Node updated: %s", member.Name)

		case serf.EventMemberReap:
			log.Printf("🗑️  Node reaped: %s", member.Name)
		}
	}
}

// applyEvent applies a webhook change received from a peer. Events sent by
// this node are skipped; ordering between peers is resolved by the registry's
// last-writer-wins check.
func (c *Cluster) applyEvent(name string, payload []byte) {
	if name != EventWebhookUpserted && name != EventWebhookDeleted {
		log.Printf("Unknown user event: %s", name)
		return
	}

	event, err := decodeEvent(payload)
	if err != nil {
		log.Printf("❌ Failed to decode %s: %v", name, err)
		return
	}
	if event.NodeID == c.nodeID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	switch name {
	case EventWebhookUpserted:
		if event.Webhook == nil {
			log.Printf("❌ Upsert of webhook %s from %s carries no webhook", event.WebhookID, event.NodeID)
			return
		}
		if err := c.registry.ApplyUpsert(ctx, event.Webhook); err != nil {
			log.Printf("❌ Failed to apply webhook %s: %v", event.WebhookID, err)
			return
		}
		log.Printf("📥 Webhook %s synced from %s", event.WebhookID, event.NodeID)

	case EventWebhookDeleted:
		if err := c.registry.ApplyDelete(ctx, event.WebhookID, event.At); err != nil {
			log.Printf("❌ Failed to delete webhook %s: %v", event.WebhookID, err)
			return
		}
		log.Printf("📥 Webhook %s deletion synced from %s", event.WebhookID, event.NodeID)
	}
}
