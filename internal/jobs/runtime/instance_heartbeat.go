package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	NodeKeyPrefix            = "geocountry:node:"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTTL      = 30 * time.Second
)

var nodeID = newNodeID()

func newNodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// NodeID identifies this process among the nodes sharing a Redis instance.
func NodeID() string {
	return nodeID
}

// RunNodeHeartbeat refreshes this node's presence key until ctx is done.
func RunNodeHeartbeat(ctx context.Context, client *redis.Client, interval, ttl time.Duration) {
	if client == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if ttl <= interval {
		ttl = 2 * interval
	}
	key := NodeKeyPrefix + nodeID

	beat := func() {
		if err := client.SetEx(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to refresh node heartbeat", "key", key, "error", err)
		}
	}

	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = client.Del(cleanupCtx, key).Err()
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// LaunchNodeHeartbeat starts RunNodeHeartbeat in the background with the
// default timings.
func LaunchNodeHeartbeat(parent context.Context, client *redis.Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go RunNodeHeartbeat(ctx, client, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// CountActiveNodes counts live heartbeat keys. SCAN keeps it safe to call on
// a shared Redis.
func CountActiveNodes(ctx context.Context, client *redis.Client) (int, error) {
	if client == nil {
		return 1, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	count := 0
	iter := client.Scan(ctx, 0, NodeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
