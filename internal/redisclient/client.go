package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fulfillment-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/mirror_stock.lua
var mirrorStockScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/set_timeline.lua
var setTimelineScript string

// generations outlive any projection in flight
const timelineGenerationTTL = 7 * 24 * time.Hour

type Client struct {
	rdb           *redis.Client
	mirrorScript  *redis.Script
	releaseScript *redis.Script
	timelineSet   *redis.Script
	timelineTTL   time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, timelineTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		mirrorScript:  redis.NewScript(mirrorStockScript),
		releaseScript: redis.NewScript(releaseLockScript),
		timelineSet:   redis.NewScript(setTimelineScript),
		timelineTTL:   timelineTTL,
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func timelineKey(orderID int64) string {
	return fmt.Sprintf("timeline:{%d}", orderID)
}

func timelineGenerationKey(orderID int64) string {
	return fmt.Sprintf("timeline:{%d}:gen", orderID)
}

// GetTimeline returns the cached timeline payload of an order
func (c *Client) GetTimeline(ctx context.Context, orderID int64) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, timelineKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// TimelineGeneration returns the invalidation counter of an order. Read it
// before loading the rows a projection is built from.
func (c *Client) TimelineGeneration(ctx context.Context, orderID int64) (int64, error) {
	gen, err := c.rdb.Get(ctx, timelineGenerationKey(orderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetTimeline caches a projected timeline payload unless the order was
// invalidated after generation was read. Reports whether it was stored.
func (c *Client) SetTimeline(ctx context.Context, orderID, generation int64, payload []byte) (bool, error) {
	stored, err := c.timelineSet.Run(ctx, c.rdb,
		[]string{timelineGenerationKey(orderID), timelineKey(orderID)},
		strconv.FormatInt(generation, 10), payload, c.timelineTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("set timeline script failed: %w", err)
	}
	return stored == 1, nil
}

// InvalidateTimeline bumps the generation of an order and drops its cached timeline
func (c *Client) InvalidateTimeline(ctx context.Context, orderID int64) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, timelineGenerationKey(orderID))
		pipe.Expire(ctx, timelineGenerationKey(orderID), timelineGenerationTTL)
		pipe.Del(ctx, timelineKey(orderID))
		return nil
	})
	return err
}

// MirrorStock copies the committed stock level of an item into Redis for
// storefront reads. Older versions never overwrite newer ones.
func (c *Client) MirrorStock(ctx context.Context, item *models.InventoryItem) error {
	key := fmt.Sprintf("inventory:%d", item.ProductID)

	_, err := c.mirrorScript.Run(ctx, c.rdb, []string{key},
		item.Version, item.CurrentStock, string(item.ComputedStatus()), item.MinimumStockLevel,
	).Result()
	if err != nil {
		return fmt.Errorf("mirror stock script failed: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock owned by token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}
