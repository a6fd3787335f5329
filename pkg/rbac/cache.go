package rbac

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// VersionSource tracks change counters used to key cached resolutions. Any mutation that
// can change a principal's effective access bumps a counter, so cached entries under the
// old counter are never read again.
type VersionSource interface {
	// Versions returns the role graph version and the principal's assignment version
	Versions(ctx context.Context, principalID int64) (graph int64, principal int64, err error)
	BumpPrincipals(ctx context.Context, principalIDs ...int64) error
	BumpGraph(ctx context.Context) error
}

// LocalVersions keeps versions in process memory. Use it when a single process owns all writes.
type LocalVersions struct {
	mu         sync.Mutex
	graph      int64
	principals map[int64]int64
}

// NewLocalVersions creates an in-process version source
func NewLocalVersions() *LocalVersions {
	return &LocalVersions{principals: make(map[int64]int64)}
}

func (v *LocalVersions) Versions(ctx context.Context, principalID int64) (int64, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.graph, v.principals[principalID], nil
}

func (v *LocalVersions) BumpPrincipals(ctx context.Context, principalIDs ...int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range principalIDs {
		v.principals[id]++
	}
	return nil
}

func (v *LocalVersions) BumpGraph(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.graph++
	return nil
}

// RedisVersions keeps versions in Redis so every process sharing the database sees
// the same counters
type RedisVersions struct {
	client *redis.Client
	prefix string
}

// NewRedisVersions creates a Redis-backed version source. Keys are namespaced by prefix.
func NewRedisVersions(client *redis.Client, prefix string) *RedisVersions {
	if prefix == "" {
		prefix = "rolegate"
	}
	return &RedisVersions{client: client, prefix: prefix}
}

func (v *RedisVersions) graphKey() string {
	return v.prefix + ":version:graph"
}

func (v *RedisVersions) principalKey(id int64) string {
	return v.prefix + ":version:principal:" + strconv.FormatInt(id, 10)
}

func (v *RedisVersions) Versions(ctx context.Context, principalID int64) (int64, int64, error) {
	values, err := v.client.MGet(ctx, v.graphKey(), v.principalKey(principalID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read cache versions: %w", err)
	}

	parsed := make([]int64, 2)
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue // missing key reads as version 0
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid cache version %q: %w", s, err)
		}
		parsed[i] = n
	}
	return parsed[0], parsed[1], nil
}

func (v *RedisVersions) BumpPrincipals(ctx context.Context, principalIDs ...int64) error {
	if len(principalIDs) == 0 {
		return nil
	}
	pipe := v.client.TxPipeline()
	for _, id := range principalIDs {
		pipe.Incr(ctx, v.principalKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bump principal versions: %w", err)
	}
	return nil
}

func (v *RedisVersions) BumpGraph(ctx context.Context) error {
	if err := v.client.Incr(ctx, v.graphKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump graph version: %w", err)
	}
	return nil
}

// ResolutionCache holds resolved principals keyed by principal and version counters
type ResolutionCache struct {
	lru *expirable.LRU[string, *resolution]
}

// NewResolutionCache creates a cache holding up to size resolutions, each for at most ttl
func NewResolutionCache(size int, ttl time.Duration) *ResolutionCache {
	if size <= 0 {
		size = 10000
	}
	return &ResolutionCache{
		lru: expirable.NewLRU[string, *resolution](size, nil, ttl),
	}
}

// Len returns the number of cached resolutions
func (c *ResolutionCache) Len() int {
	return c.lru.Len()
}

// Purge drops every cached resolution
func (c *ResolutionCache) Purge() {
	c.lru.Purge()
}

func (c *ResolutionCache) get(key string) (*resolution, bool) {
	return c.lru.Get(key)
}

func (c *ResolutionCache) add(key string, r *resolution) {
	c.lru.Add(key, r)
}

func cacheKey(principalID, graphVersion, principalVersion int64) string {
	return fmt.Sprintf("%d:%d:%d", principalID, graphVersion, principalVersion)
}

// bumpPrincipals invalidates cached resolutions after a committed assignment change.
// Failures are logged; cached entries still expire by TTL.
func (o Options) bumpPrincipals(ctx context.Context, principalIDs ...int64) {
	if o.Versions == nil || len(principalIDs) == 0 {
		return
	}
	if err := o.Versions.BumpPrincipals(ctx, principalIDs...); err != nil {
		o.Logger.WithError(err).WithField("principals", principalIDs).Warn("failed to invalidate cached resolutions")
	}
}

// bumpGraph invalidates every cached resolution after a committed role graph change
func (o Options) bumpGraph(ctx context.Context) {
	if o.Versions == nil {
		return
	}
	if err := o.Versions.BumpGraph(ctx); err != nil {
		o.Logger.WithError(err).Warn("failed to invalidate cached resolutions")
	}
}
