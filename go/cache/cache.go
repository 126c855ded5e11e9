// Package cache provides a Redis backed cache for ephemeral derived data.
// Such caches survive restarts and are shared among multiple server replicas.
//
// Values are stored JSON encoded under a common key prefix. Writers may tag
// entries; invalidating a tag removes every entry written under it.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.cipherswarm.org/server/go/cserr"
)

// releaseScript deletes a lock key only when it still holds the caller's
// token, so an expired lock taken over by another caller is never released
// out from under them.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Cache is a Redis backed tagged cache.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New returns a Cache that stores all keys under the given prefix.
func New(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix + ":",
	}
}

func (c *Cache) key(key string) string {
	return c.prefix + key
}

func (c *Cache) tagKey(tag string) string {
	return c.prefix + "tag:" + tag
}

// GetJSON loads the value stored under key into dest. The second return value
// is false on a cache miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return false, cserr.Wrap(err)
	}
	return true, nil
}

// SetJSON stores value under key with the given TTL and registers the key
// under every tag. Tag sets live at least as long as their members.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error {
	b, err := json.Marshal(value)
	if err != nil {
		return cserr.Wrap(err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(key), b, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, c.tagKey(tag), c.key(key))
		// Keep the tag set around a little longer than its newest member.
		pipe.Expire(ctx, c.tagKey(tag), ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}

// InvalidateTag removes every cache entry registered under the given tag.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) error {
	members, err := c.client.SMembers(ctx, c.tagKey(tag)).Result()
	if err != nil && err != redis.Nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	keys := append(members, c.tagKey(tag))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}

// AcquireLock attempts an atomic set-if-absent of a random token under the
// given key. On success it returns the token the caller must later pass to
// ReleaseLock. ok is false when another caller already holds the lock.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.client.SetNX(ctx, c.key(key), token, ttl).Result()
	if err != nil {
		return "", false, cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return token, ok, nil
}

// ReleaseLock releases the lock at key only if it still holds token. Never
// releases another caller's lock after expiry.
func (c *Cache) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(key)}, token).Err(); err != nil && err != redis.Nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}

// Ping checks connectivity to the Redis backend.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}
