package presence

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter tracks live connections per user. Decr removes the entry once the
// count reaches zero, so callers observe the 1->0 edge as a result <= 0.
type Counter interface {
	Incr(ctx context.Context, userID string) (int64, error)
	Decr(ctx context.Context, userID string) (int64, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// MemoryCounter is a Counter local to one process.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID], nil
}

func (c *MemoryCounter) Decr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[userID] - 1
	if n <= 0 {
		delete(c.counts, userID)
	} else {
		c.counts[userID] = n
	}
	return n, nil
}

func (c *MemoryCounter) Count(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}

var decrScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
end
return n
`)

// RedisCounter shares connection counts between server instances.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(userID string) string {
	return c.prefix + ":presence:conn:" + userID
}

func (c *RedisCounter) Incr(ctx context.Context, userID string) (int64, error) {
	return c.client.Incr(ctx, c.key(userID)).Result()
}

func (c *RedisCounter) Decr(ctx context.Context, userID string) (int64, error) {
	return decrScript.Run(ctx, c.client, []string{c.key(userID)}).Int64()
}

func (c *RedisCounter) Count(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
