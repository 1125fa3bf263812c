package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// pruneIndexScript drops index fields whose entry has expired. Running it as
// a script keeps the check and the delete atomic against a concurrent Set.
const pruneIndexScript = `
local pruned = 0
for i = 2, #ARGV do
  if redis.call("EXISTS", ARGV[1] .. ARGV[i]) == 0 then
    pruned = pruned + redis.call("HDEL", KEYS[1], ARGV[i])
  end
end
return pruned
`

// RedisCache is a Backend shared between processes. Entries are stored as
// JSON; an index hash maps each key to its interval so ingestion can evict
// the affected entries without scanning the keyspace.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	script *redis.Script
	prune  *redis.Script
	now    func() time.Time
}

// NewRedisCache creates a Redis backed cache. prefix namespaces all keys.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "usagemeter:"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		script: redis.NewScript(lockReleaseScript),
		prune:  redis.NewScript(pruneIndexScript),
		now:    time.Now,
	}
}

func (r *RedisCache) entryKey(key CacheKey) string {
	return r.prefix + "entry:" + string(key)
}

func (r *RedisCache) lockKey(key CacheKey) string {
	return r.prefix + "lock:" + string(key)
}

func (r *RedisCache) indexKey() string {
	return r.prefix + "index"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", usage.ErrBackendUnavailable, op, err)
}

// Get retrieves an entry
func (r *RedisCache) Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is treated as a miss and overwritten by the next fill.
		return nil, false, nil
	}
	if entry.IsExpired(r.now()) {
		return nil, false, nil
	}

	entry.Touch(r.now())
	return &entry, true, nil
}

// Set stores an entry; its Redis TTL follows ExpiresAt
func (r *RedisCache) Set(ctx context.Context, entry *CacheEntry) error {
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return nil
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	span := strconv.FormatInt(entry.Interval.Start.UnixNano(), 10) + ":" +
		strconv.FormatInt(entry.Interval.End.UnixNano(), 10)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(entry.Key), data, ttl)
		pipe.HSet(ctx, r.indexKey(), string(entry.Key), span)
		return nil
	})
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Delete removes an entry
func (r *RedisCache) Delete(ctx context.Context, key CacheKey) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(key))
		pipe.HDel(ctx, r.indexKey(), string(key))
		return nil
	})
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// InvalidateAt removes every entry whose interval contains ts
func (r *RedisCache) InvalidateAt(ctx context.Context, ts time.Time) (int, error) {
	index, err := r.client.HGetAll(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, unavailable("index", err)
	}

	at := ts.UnixNano()
	var stale, live []string
	for field, span := range index {
		start, end, ok := parseSpan(span)
		if !ok || (at >= start && at < end) {
			stale = append(stale, field)
		} else {
			live = append(live, field)
		}
	}

	removed := 0
	if len(stale) > 0 {
		keys := make([]string, 0, len(stale))
		for _, field := range stale {
			keys = append(keys, r.entryKey(CacheKey(field)))
		}

		var del *redis.IntCmd
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, keys...)
			pipe.HDel(ctx, r.indexKey(), stale...)
			return nil
		})
		if err != nil {
			return 0, unavailable("invalidate", err)
		}
		removed = int(del.Val())
	}

	return removed, r.pruneIndex(ctx, live)
}

// pruneIndex removes the index fields among fields whose entry key has
// expired. Entries leave through their TTL without touching the index.
func (r *RedisCache) pruneIndex(ctx context.Context, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)+1)
	args = append(args, r.entryKey(""))
	for _, field := range fields {
		args = append(args, field)
	}
	if err := r.prune.Run(ctx, r.client, []string{r.indexKey()}, args...).Err(); err != nil {
		return unavailable("prune index", err)
	}
	return nil
}

func parseSpan(span string) (int64, int64, bool) {
	startStr, endStr, found := strings.Cut(span, ":")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

// Clear removes every indexed entry and the index itself
func (r *RedisCache) Clear(ctx context.Context) error {
	fields, err := r.client.HKeys(ctx, r.indexKey()).Result()
	if err != nil {
		return unavailable("index", err)
	}

	keys := make([]string, 0, len(fields)+1)
	for _, field := range fields {
		keys = append(keys, r.entryKey(CacheKey(field)))
	}
	keys = append(keys, r.indexKey())

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// Ping checks the connection
func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the client
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// TryLock takes the compute lease for key
func (r *RedisCache) TryLock(ctx context.Context, key CacheKey, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, unavailable("lock", err)
	}
	return token, ok, nil
}

// Release drops the lease if token still owns it
func (r *RedisCache) Release(ctx context.Context, key CacheKey, token string) error {
	if token == "" {
		return nil
	}
	if err := r.script.Run(ctx, r.client, []string{r.lockKey(key)}, token).Err(); err != nil {
		return unavailable("unlock", err)
	}
	return nil
}
