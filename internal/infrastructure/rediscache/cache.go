package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

const keyPrefix = "fleet:agent:"

// AgentCache implements agent.Cache on redis with a TTL. Entries are
// advisory; every registry mutation deletes the key so the store remains the
// only ground truth.
type AgentCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewAgentCache(rdb *redis.Client, ttl time.Duration) *AgentCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AgentCache{rdb: rdb, ttl: ttl}
}

func (c *AgentCache) Get(ctx context.Context, agentID string) (*agent.Agent, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+agentID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var a agent.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		// Corrupt entry: drop it and fall back to the store.
		_ = c.rdb.Del(ctx, keyPrefix+agentID).Err()
		return nil, nil
	}
	return &a, nil
}

func (c *AgentCache) Put(ctx context.Context, a *agent.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPrefix+a.AgentID, data, c.ttl).Err()
}

func (c *AgentCache) Delete(ctx context.Context, agentID string) error {
	return c.rdb.Del(ctx, keyPrefix+agentID).Err()
}
