package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gravity2api/internal/service"
)

const (
	sessionKeyPrefix   = "gw:session:"
	signatureKeyPrefix = "gw:signature:"
)

// redisGatewayCache backs sticky sessions and thought signatures with Redis
// so multiple gateway instances share them.
type redisGatewayCache struct {
	rdb *redis.Client
}

func NewGatewayCache(rdb *redis.Client) service.GatewayCache {
	return &redisGatewayCache{rdb: rdb}
}

func (c *redisGatewayCache) GetSessionAccountID(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, sessionKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, service.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (c *redisGatewayCache) SetSessionAccountID(ctx context.Context, key string, accountID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, sessionKeyPrefix+key, strconv.FormatInt(accountID, 10), ttl).Err()
}

func (c *redisGatewayCache) GetSignature(ctx context.Context, sessionID string) (string, error) {
	val, err := c.rdb.Get(ctx, signatureKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", service.ErrNotFound
	}
	return val, err
}

func (c *redisGatewayCache) SetSignature(ctx context.Context, sessionID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, signatureKeyPrefix+sessionID, signature, ttl).Err()
}
