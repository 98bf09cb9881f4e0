package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "approval:definition:"
	definitionIndex  = "approval:definitions"
	requestPrefix    = "approval:request:"
	activeIndex      = "approval:active"
	finalizedIndex   = "approval:finalized" // sorted set scored by finalized_at unix millis
	summaryKey       = "approval:summary"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Request updates use WATCH/MULTI so that concurrent writers from several
// processes cannot both commit against the same version.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Client returns the underlying client, e.g. to share it with RedisViewCache.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func definitionKey(id uint64) string { return definitionPrefix + strconv.FormatUint(id, 10) }
func requestKey(id uint64) string    { return requestPrefix + strconv.FormatUint(id, 10) }

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, cmd stringGetter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := cmd.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, errors.Wrapf(err, "failed to get %s from Redis", key)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, errors.Wrapf(err, "failed to unmarshal %s", key)
		}
		return result, nil
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal definition %d", def.ID)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, definitionKey(def.ID), data, 0)
			pipe.SAdd(ctx, definitionIndex, def.ID)
			return nil
		})
		return errors.Wrapf(err, "failed to save definition %d", def.ID)
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionKey(id), ErrDefinitionNotFound)
}

// ListDefinitions loads every indexed definition.
func (s *RedisStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return listIndexed[types.WorkflowDefinition](ctx, s.client, definitionIndex, definitionPrefix)
}

// createIndexed stores KEYS[1] only when absent and adds ARGV[2] to the
// active set KEYS[2] in the same step.
var createIndexed = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// CreateRequest stores a new request and indexes it as active in one script
// run, so a request is never stored without being visible to Sweep.
func (s *RedisStorage) CreateRequest(ctx context.Context, req types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(req)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal request %d", req.ID)
		}
		key := requestKey(req.ID)
		created, err := createIndexed.Run(ctx, s.client, []string{key, activeIndex}, data, req.ID).Int()
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", key)
		}
		if created == 0 {
			return fmt.Errorf("%w: id=%d", ErrRequestExists, req.ID)
		}
		return nil
	})
}

// UpdateRequest performs a version-checked replace inside WATCH/MULTI.
func (s *RedisStorage) UpdateRequest(ctx context.Context, req types.ApprovalRequest, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(req)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal request %d", req.ID)
		}
		key := requestKey(req.ID)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.ApprovalRequest](ctx, tx, key, ErrRequestNotFound)
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("%w: id=%d stored=%d expected=%d", ErrVersionConflict, req.ID, current.Version, expectedVersion)
			}
			finalizing := !current.Status.IsTerminal() && req.Status.IsTerminal()

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if finalizing {
					pipe.SRem(ctx, activeIndex, req.ID)
					pipe.HIncrBy(ctx, summaryKey, string(req.Status), 1)
					var score float64
					if req.FinalizedAt != nil {
						score = float64(req.FinalizedAt.UnixMilli())
					}
					pipe.ZAdd(ctx, finalizedIndex, &redis.Z{Score: score, Member: req.ID})
				}
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			return fmt.Errorf("%w: id=%d changed during update", ErrVersionConflict, req.ID)
		}
		if err != nil && !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrRequestNotFound) {
			return errors.Wrapf(err, "failed to update %s", key)
		}
		return err
	})
}

// GetRequest retrieves a request from Redis.
func (s *RedisStorage) GetRequest(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	return getFromRedis[types.ApprovalRequest](ctx, s.client, requestKey(id), ErrRequestNotFound)
}

// ListActiveRequests loads every request in the active index.
func (s *RedisStorage) ListActiveRequests(ctx context.Context) ([]types.ApprovalRequest, error) {
	reqs, err := listIndexed[types.ApprovalRequest](ctx, s.client, activeIndex, requestPrefix)
	if err != nil {
		return nil, err
	}
	// the index can briefly lag a finalization done by another process
	out := reqs[:0]
	for _, r := range reqs {
		if !r.Status.IsTerminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PurgeFinalized deletes finalized requests older than the cutoff using pipelining.
func (s *RedisStorage) PurgeFinalized(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		ids, err := s.client.ZRangeByScore(ctx, finalizedIndex, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return 0, errors.Wrap(err, "failed to scan finalized index")
		}
		if len(ids) == 0 {
			return 0, nil
		}

		pipe := s.client.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, requestPrefix+id)
			pipe.ZRem(ctx, finalizedIndex, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, errors.Wrap(err, "failed to execute pipeline for deletion")
		}
		return len(ids), nil
	})
}

// Summary reads the finalized counters hash.
func (s *RedisStorage) Summary(ctx context.Context) (types.Summary, error) {
	return withContext(ctx, func() (types.Summary, error) {
		var out types.Summary
		fields, err := s.client.HGetAll(ctx, summaryKey).Result()
		if err != nil {
			return out, errors.Wrap(err, "failed to read summary")
		}
		parse := func(status types.Status) int64 {
			n, _ := strconv.ParseInt(fields[string(status)], 10, 64)
			return n
		}
		out.Approved = parse(types.StatusApproved)
		out.Rejected = parse(types.StatusRejected)
		out.Cancelled = parse(types.StatusCancelled)
		out.Expired = parse(types.StatusExpired)
		return out, nil
	})
}

// listIndexed loads all values whose ids are members of the given set.
func listIndexed[T any](ctx context.Context, client *redis.Client, index, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := client.SMembers(ctx, index).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read index %s", index)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = prefix + id
		}
		values, err := client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %s members", index)
		}

		out := make([]T, 0, len(values))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue // deleted between SMEMBERS and MGET
			}
			var item T
			if err := json.Unmarshal([]byte(raw), &item); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal %s", keys[i])
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
