// Package cache holds Redis read-through caches in front of the relational store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"audioingest/logger"
	"audioingest/model"
	"audioingest/repository"

	"github.com/go-redis/redis/v8"
)

// DefaultUserTTL bounds how long a deleted or renamed user keeps authenticating.
const DefaultUserTTL = 5 * time.Minute

// UserCache is a repository.UserRepository that serves GetByID from Redis.
// Cached users carry no password hash.
type UserCache struct {
	repository.UserRepository
	client *redis.Client
	ttl    time.Duration
}

var _ repository.UserRepository = (*UserCache)(nil)

func NewUserCache(client *redis.Client, users repository.UserRepository, ttl time.Duration) *UserCache {
	if ttl <= 0 {
		ttl = DefaultUserTTL
	}
	return &UserCache{UserRepository: users, client: client, ttl: ttl}
}

// GetUserKey returns the Redis key for a cached user.
func GetUserKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

func (c *UserCache) GetByID(ctx context.Context, id int64) (*model.User, error) {
	key := GetUserKey(id)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var user model.User
		if err := json.Unmarshal(raw, &user); err == nil {
			return &user, nil
		}
		logger.Warn("Discarding corrupt cached user", logger.Int64("userId", id))
	case !errors.Is(err, redis.Nil):
		// Fall back to the database while Redis is unavailable.
		logger.Warn("User cache read failed", logger.Int64("userId", id), logger.ErrorField(err))
	}

	user, err := c.UserRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(user); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			logger.Warn("User cache write failed", logger.Int64("userId", id), logger.ErrorField(err))
		}
	}
	return user, nil
}

// Invalidate drops a cached user.
func (c *UserCache) Invalidate(ctx context.Context, id int64) error {
	return c.client.Del(ctx, GetUserKey(id)).Err()
}
