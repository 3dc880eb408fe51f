package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/zulandar/chunkyard/internal/job"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

const scanBatch = 200

// raiseScript sets KEYS[1] to max(current, ARGV[1]) and refreshes its TTL
// to ARGV[2] milliseconds.
var raiseScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if n > cur then
  redis.call("SET", KEYS[1], n)
  cur = n
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return cur
`)

// RedisStore implements Store on Redis. Expiry is native; Purge is a no-op.
type RedisStore struct {
	client     goredis.Cmdable
	counterTTL time.Duration
}

// NewRedisStore wraps client. counterTTL is applied to counters on every
// Bump/IncrStat. The caller owns the client lifecycle.
func NewRedisStore(client goredis.Cmdable, counterTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, counterTTL: counterTTL}
}

func (s *RedisStore) Put(ctx context.Context, j *job.Job, ttl time.Duration) error {
	raw, err := encode(j)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(j.ID), raw, ttl)
	pipe.Expire(ctx, counterKey(j.ID, FieldProcessed), ttl)
	pipe.Expire(ctx, statsKey(j.ID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("status/redis: put %s: %w", j.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	raw, err := s.client.Get(ctx, recordKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("status/redis: get %s: %w", id, err)
	}
	j, err := decode(raw)
	if err != nil {
		return nil, false, err
	}

	n, err := s.client.Get(ctx, counterKey(id, FieldProcessed)).Int64()
	switch {
	case errors.Is(err, goredis.Nil):
	case err != nil:
		return nil, false, fmt.Errorf("status/redis: get %s counter: %w", id, err)
	default:
		overlayProcessed(j, n)
	}
	return j, true, nil
}

func (s *RedisStore) Bump(ctx context.Context, id, field string, delta int64) (int64, error) {
	key := counterKey(id, field)
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, s.counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("status/redis: bump %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) RaiseTo(ctx context.Context, id, field string, n int64) (int64, error) {
	key := counterKey(id, field)
	v, err := raiseScript.Run(ctx, s.client, []string{key}, n, s.counterTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("status/redis: raise %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Counter(ctx context.Context, id, field string) (int64, error) {
	n, err := s.client.Get(ctx, counterKey(id, field)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("status/redis: counter %s/%s: %w", id, field, err)
	}
	return n, nil
}

func (s *RedisStore) IncrStat(ctx context.Context, id, name string, delta int64) error {
	key := statsKey(id)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, name, delta)
	pipe.Expire(ctx, key, s.counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("status/redis: incr stat %s/%s: %w", id, name, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, id string) (map[string]int64, error) {
	vals, err := s.client.HGetAll(ctx, statsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("status/redis: stats %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	stats := make(map[string]int64, len(vals))
	for k, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("status/redis: stats %s/%s: %w", id, k, err)
		}
		stats[k] = n
	}
	return stats, nil
}

// List walks the keyspace with SCAN rather than KEYS so large keyspaces do
// not block the server.
func (s *RedisStore) List(ctx context.Context, prefix string, limit int) ([]*job.Job, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, recordKey(prefix)+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("status/redis: scan: %w", err)
		}
		for _, k := range batch {
			if isRecordKey(k) {
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("status/redis: mget: %w", err)
	}
	jobs := make([]*job.Job, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		j, err := decode(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	jobs = sortRecent(jobs, limit)
	if len(jobs) == 0 {
		return jobs, nil
	}

	counterKeys := make([]string, len(jobs))
	for i, j := range jobs {
		counterKeys[i] = counterKey(j.ID, FieldProcessed)
	}
	counts, err := s.client.MGet(ctx, counterKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("status/redis: mget counters: %w", err)
	}
	for i, v := range counts {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			overlayProcessed(jobs[i], n)
		}
	}
	return jobs, nil
}

func (s *RedisStore) PutToken(ctx context.Context, token, jobID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, tokenKey(token), jobID, ttl).Err(); err != nil {
		return fmt.Errorf("status/redis: put token: %w", err)
	}
	return nil
}

func (s *RedisStore) ConsumeToken(ctx context.Context, token string) (string, bool, error) {
	jobID, err := s.client.GetDel(ctx, tokenKey(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("status/redis: consume token: %w", err)
	}
	return jobID, true, nil
}

func (s *RedisStore) Purge(context.Context) (int64, error) { return 0, nil }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("status/redis: ping: %w", err)
	}
	return nil
}
