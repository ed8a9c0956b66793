package cache

import (
	"context"
	"testing"
	"time"

	"audioingest/apperr"
	"audioingest/model"
	"audioingest/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingUsers struct {
	repository.UserRepository
	users map[int64]*model.User
	reads int
}

func (c *countingUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	c.reads++
	u, ok := c.users[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func newCache(t *testing.T) (*UserCache, *countingUsers, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backing := &countingUsers{users: map[int64]*model.User{
		7: {ID: 7, Username: "alice", Role: model.RoleUser, PasswordHash: "secret"},
	}}
	return NewUserCache(client, backing, time.Minute), backing, mr
}

func TestUserCacheReadsThrough(t *testing.T) {
	c, backing, mr := newCache(t)
	ctx := context.Background()

	u, err := c.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, mr.Exists(GetUserKey(7)))
	assert.NotContains(t, mustGet(t, mr, GetUserKey(7)), "secret")

	u, err = c.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, 1, backing.reads)

	mr.FastForward(2 * time.Minute)
	_, err = c.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, backing.reads)
}

func TestUserCacheMissingUserIsNotCached(t *testing.T) {
	c, _, mr := newCache(t)
	_, err := c.GetByID(context.Background(), 99)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.False(t, mr.Exists(GetUserKey(99)))
}

func TestUserCacheFallsBackWhenRedisIsDown(t *testing.T) {
	c, backing, mr := newCache(t)
	mr.Close()

	u, err := c.GetByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, 1, backing.reads)
}

func TestUserCacheInvalidate(t *testing.T) {
	c, backing, _ := newCache(t)
	ctx := context.Background()
	_, err := c.GetByID(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, 7))
	_, err = c.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, backing.reads)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
