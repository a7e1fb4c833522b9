// Package cluster replicates the webhook registry between nodes over a Serf
// gossip cluster.
package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"

	"github.com/c.mueller/pm-connect/internal/models"
)

// WebhookRegistry is the replicated state. webhooks.Sender implements it.
type WebhookRegistry interface {
	Snapshot(ctx context.Context) ([]models.Webhook, error)
	ApplyUpsert(ctx context.Context, w *models.Webhook) error
	ApplyDelete(ctx context.Context, id string, at time.Time) error
}

// Options configure the local Serf member
type Options struct {
	NodeName      string
	BindAddr      string // "IP:Port"
	AdvertiseAddr string
	EncryptKey    string // base64, 16, 24 or 32 bytes
}

// Cluster manages the Serf cluster and synchronization
type Cluster struct {
	serf     *serf.Serf
	registry WebhookRegistry
	nodeID   string
	eventCh  chan serf.Event
	shutdown chan struct{}

	mu      sync.Mutex
	ready   bool
	readyCh chan struct{}
	stopped bool
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}
	return host, port, nil
}

// New creates a new Cluster instance
func New(opts Options, registry WebhookRegistry) (*Cluster, error) {
	host, port, err := splitHostPort(opts.BindAddr)
	if err != nil {
		return nil, err
	}

	// Create Serf configuration
	config := serf.DefaultConfig()
	config.NodeName = opts.NodeName
	config.MemberlistConfig.BindAddr = host
	config.MemberlistConfig.BindPort = port
	config.UserEventSizeLimit = userEventSizeLimit

	if opts.AdvertiseAddr != "" {
		advHost, advPort, err := splitHostPort(opts.AdvertiseAddr)
		if err != nil {
			return nil, err
		}
		config.MemberlistConfig.AdvertiseAddr = advHost
		config.MemberlistConfig.AdvertisePort = advPort
	}

	if opts.EncryptKey != "" {
		key, err := base64.StdEncoding.DecodeString(opts.EncryptKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encrypt key: %w", err)
		}
		config.MemberlistConfig.SecretKey = key
	}

	eventCh := make(chan serf.Event, 256)
	config.EventCh = eventCh

	cluster := newCluster(opts.NodeName, registry)
	cluster.eventCh = eventCh

	serfInstance, err := serf.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create serf: %w", err)
	}

	cluster.serf = serfInstance

	return cluster, nil
}

func newCluster(nodeID string, registry WebhookRegistry) *Cluster {
	return &Cluster{
		registry: registry,
		nodeID:   nodeID,
		shutdown: make(chan struct{}),
		readyCh:  make(chan struct{}),
	}
}

// Start starts the cluster and joins the seed nodes
func (c *Cluster) Start(seeds []string, joinTimeout time.Duration) error {
	go c.handleEvents()

	if len(seeds) == 0 {
		log.Println("ℹ️  No seeds configured, starting as first node")
		c.markReady()
		return nil
	}

	log.Printf("🔍 Attempting to join cluster via seeds: %v", seeds)

	maxRetries := 3
	var lastErr error
	joined := false

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(i) * 2 * time.Second
			log.Printf("⏳ Retry %d/%d in %v...", i+1, maxRetries, backoff)
			time.Sleep(backoff)
		}

		numJoined, err := c.serf.Join(seeds, true)
		if err != nil {
			lastErr = err
			log.Printf("⚠️  Join attempt %d failed: %v", i+1, err)
			continue
		}

		if numJoined > 0 {
			log.Printf("✅ Successfully joined %d nodes", numJoined)
			joined = true
			break
		}
	}

	if !joined {
		if lastErr != nil {
			log.Printf("⚠️  Failed to join after %d attempts: %v", maxRetries, lastErr)
		}
		log.Println("ℹ️  Continuing as standalone node")
		c.markReady()
		return nil
	}

	if joinTimeout <= 0 {
		joinTimeout = 30 * time.Second
	}
	log.Println("⏳ Waiting for webhook registry sync to complete...")
	select {
	case <-c.readyCh:
		log.Println("✅ Node is ready")
	case <-time.After(joinTimeout):
		log.Printf("⚠️  Registry sync timeout after %v, continuing anyway", joinTimeout)
		c.markReady()
	}
	return nil
}

// Stop gracefully shuts down the cluster
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	log.Println("🛑 Shutting down cluster...")

	close(c.shutdown)

	if err := c.serf.Leave(); err != nil {
		log.Printf("⚠️  Error leaving cluster: %v", err)
	}

	if err := c.serf.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}

	log.Println("✅ Cluster shutdown complete")
	return nil
}

// Members returns the current cluster members
func (c *Cluster) Members() []serf.Member {
	return c.serf.Members()
}

// LocalNode returns the local node name
func (c *Cluster) LocalNode() string {
	return c.nodeID
}

// markReady marks the cluster as ready and signals waiting goroutines
func (c *Cluster) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.ready = true
		close(c.readyCh)
	}
}

// IsReady returns true once the node has synced the webhook registry
func (c *Cluster) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// GetMemberInfo returns information about all cluster members
func (c *Cluster) GetMemberInfo() []models.ClusterMemberInfo {
	members := c.serf.Members()
	info := make([]models.ClusterMemberInfo, len(members))

	for i, member := range members {
		info[i] = models.ClusterMemberInfo{
			Name:   member.Name,
			Addr:   member.Addr.String(),
			Status: member.Status.String(),
		}
	}

	return info
}

// MemberCount returns the number of cluster members
func (c *Cluster) MemberCount() int {
	return len(c.serf.Members())
}
