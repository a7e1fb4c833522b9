package cluster

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/hashicorp/serf/serf"
)

// handleQuery handles incoming Serf queries
func (c *Cluster) handleQuery(query *serf.Query) {
	switch query.Name {
	case QueryFullState:
		c.handleFullStateQuery(query)
	case QueryCount:
		c.handleCountQuery(query)
	default:
		log.Printf("[WARN] Unknown query: %s", query.Name)
	}
}

// handleFullStateQuery acknowledges with a count, then broadcasts every
// webhook as its own user event to stay under the query size limit
func (c *Cluster) handleFullStateQuery(query *serf.Query) {
	log.Printf("[INFO] Received full state query from %s", query.SourceNode())

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	hooks, err := c.registry.Snapshot(ctx)
	cancel()
	if err != nil {
		log.Printf("[ERROR] Failed to list webhooks: %v", err)
		return
	}

	data, err := json.Marshal(CountResponse{Count: len(hooks), NodeID: c.nodeID})
	if err != nil {
		log.Printf("[ERROR] Failed to marshal count: %v", err)
		return
	}
	if err := query.Respond(data); err != nil {
		log.Printf("[ERROR] Failed to respond to query: %v", err)
		return
	}

	log.Printf("[INFO] Acknowledged full state request from %s, will broadcast %d webhooks", query.SourceNode(), len(hooks))

	go func() {
		for i := range hooks {
			c.WebhookUpserted(&hooks[i])
			// Small delay to avoid overwhelming the network
			time.Sleep(10 * time.Millisecond)
		}
		log.Printf("[INFO] Finished broadcasting %d webhooks to %s", len(hooks), query.SourceNode())
	}()
}

// handleCountQuery responds with the number of registered webhooks
func (c *Cluster) handleCountQuery(query *serf.Query) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	hooks, err := c.registry.Snapshot(ctx)
	cancel()
	if err != nil {
		log.Printf("[ERROR] Failed to count webhooks: %v", err)
		return
	}

	data, err := json.Marshal(CountResponse{Count: len(hooks), NodeID: c.nodeID})
	if err != nil {
		log.Printf("[ERROR] Failed to marshal count response: %v", err)
		return
	}
	if err := query.Respond(data); err != nil {
		log.Printf("[ERROR] Failed to respond to query: %v", err)
		return
	}

	log.Printf("[INFO] Sent count (%d) to %s", len(hooks), query.SourceNode())
}

// syncWait estimates how long the broadcasts of expected webhooks take
func syncWait(expected int) time.Duration {
	if expected == 0 {
		return 0
	}
	wait := time.Duration(expected/10+5) * time.Second // ~10 webhooks/sec + 5s buffer
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	return wait
}

// requestFullSync requests the webhook registry from all nodes in the cluster
func (c *Cluster) requestFullSync() {
	defer c.markReady() // Always mark as ready when done, even on error

	log.Printf("[INFO] Requesting full sync from cluster...")

	params := &serf.QueryParam{
		RequestAck: true,
		Timeout:    10 * time.Second,
	}

	resp, err := c.serf.Query(QueryFullState, nil, params)
	if err != nil {
		log.Printf("[ERROR] Failed to send full sync query: %v", err)
		return
	}

	expected := 0
	responding := 0
	for r := range resp.ResponseCh() {
		var count CountResponse
		if err := json.Unmarshal(r.Payload, &count); err != nil {
			log.Printf("[ERROR] Failed to unmarshal response from %s: %v", r.From, err)
			continue
		}
		log.Printf("[INFO] Node %s will broadcast %d webhooks", r.From, count.Count)
		// Every peer broadcasts the whole registry; the largest one bounds the wait
		if count.Count > expected {
			expected = count.Count
		}
		responding++
	}

	log.Printf("[INFO] Received acknowledgments from %d node(s), expecting ~%d webhooks via broadcast", responding, expected)

	if wait := syncWait(expected); wait > 0 {
		log.Printf("[INFO] Waiting %v for broadcasts to complete...", wait)
		time.Sleep(wait)
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	hooks, err := c.registry.Snapshot(ctx)
	if err != nil {
		log.Printf("[ERROR] Failed to count synced webhooks: %v", err)
		return
	}
	log.Printf("[INFO] Full sync complete: %d webhooks known", len(hooks))
}
