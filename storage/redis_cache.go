package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

const viewPrefix = "approval:view:"

// ErrCacheMiss is returned by RedisViewCache.Get when nothing is cached.
var ErrCacheMiss = errors.New("request view not cached")

// putIfNewer writes ARGV[1] unless the cached view already carries a version
// of at least ARGV[2]. ARGV[3] is the TTL in milliseconds, 0 for none.
var putIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, decoded = pcall(cjson.decode, cur)
	if ok and type(decoded) == 'table' and tonumber(decoded['version']) and tonumber(decoded['version']) >= tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisViewCache caches rendered request views. The engine writes the
// committed view after every transition; an older view never replaces a
// newer one.
type RedisViewCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisViewCache creates a view cache; ttl of 0 keeps entries until invalidated.
func NewRedisViewCache(client *redis.Client, ttl time.Duration) *RedisViewCache {
	return &RedisViewCache{client: client, ttl: ttl}
}

func viewKey(id uint64) string { return viewPrefix + strconv.FormatUint(id, 10) }

// Get returns the cached view or ErrCacheMiss.
func (c *RedisViewCache) Get(ctx context.Context, id uint64) (types.RequestView, error) {
	return getFromRedis[types.RequestView](ctx, c.client, viewKey(id), ErrCacheMiss)
}

// Put stores a view unless the cached one is at the same or a later version.
func (c *RedisViewCache) Put(ctx context.Context, view types.RequestView) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(view)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal view %d", view.ID)
		}
		err = putIfNewer.Run(ctx, c.client, []string{viewKey(view.ID)}, data, view.Version, c.ttl.Milliseconds()).Err()
		return errors.Wrapf(err, "failed to cache view %d", view.ID)
	})
}

// Invalidate drops the cached view for a request.
func (c *RedisViewCache) Invalidate(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		return errors.Wrapf(c.client.Del(ctx, viewKey(id)).Err(), "failed to invalidate view %d", id)
	})
}
