package verdict

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/schoolnet-labs/warden/pkg/clock"
)

const redisKeyPrefix = "warden:verdict:"

// redisRetention multiplies the verdict TTL when setting the redis key
// expiry, so ignore-TTL reads (telemetry enrichment for already-decided
// requests) can still observe a recently expired entry.
const redisRetention = 4

// RedisCache shares one verdict cache across a fleet of agents behind the
// same egress, e.g. lab kiosks. It implements the same contract as
// MemoryCache: validity is judged from the stored TimeRetrieved/TTL pair,
// not from the redis key expiry.
type RedisCache struct {
	client *redis.Client
	clock  clock.Clock
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, c clock.Clock) *RedisCache {
	return &RedisCache{
		client: client,
		clock:  c,
		logger: slog.Default().With("component", "verdict_cache"),
	}
}

func (r *RedisCache) Get(ctx context.Context, domain string, ignoreTTL bool) (*Verdict, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+domain).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.WarnContext(ctx, "redis get failed", "domain", domain, "error", err)
		}
		return nil, false
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		r.logger.WarnContext(ctx, "corrupt cached verdict", "domain", domain, "error", err)
		return nil, false
	}
	if !ignoreTTL && v.Expired(r.clock.Now().Unix()) {
		return nil, false
	}
	return &v, true
}

func (r *RedisCache) Put(ctx context.Context, domain string, v *Verdict) {
	if v == nil || v.TTL <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	expiry := time.Duration(v.TTL*redisRetention) * time.Second
	if err := r.client.Set(ctx, redisKeyPrefix+domain, raw, expiry).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis put failed", "domain", domain, "error", err)
	}
}

func (r *RedisCache) Reset(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.WarnContext(ctx, "redis scan failed during reset", "error", err)
		return
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			r.logger.WarnContext(ctx, "redis delete failed during reset", "error", err)
		}
	}
}

func (r *RedisCache) Len(ctx context.Context) int {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	n := 0
	for iter.Next(ctx) {
		n++
	}
	return n
}
