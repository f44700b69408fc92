// Package cache is a versioned, dependency-aware Redis cache in front
// of the durable context store. Every operation is best-effort: on any
// Redis error it logs and reports absent/failed, and the service layer
// recomputes from the source of truth. Cache failures degrade
// performance, never correctness.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client    *redis.Client
	namespace string
}

// New creates a Redis-backed cache store and verifies connectivity.
func New(redisURL, namespace string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{client: client, namespace: namespace}, nil
}

// NewWithClient creates a store from an existing Redis client.
func NewWithClient(client *redis.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Typed helpers: one pair per kind, so the key layout and dependency
// wiring live in exactly one place.

func (s *Store) GlobalContext(ctx context.Context, projectID string) (map[string]any, bool) {
	return s.getVersioned(ctx, s.Key(KindGlobal, projectID))
}

// SetGlobalContext caches the global payload and invalidates every
// entry that depends on it: the source of truth changed, so dependents
// computed from the old value are stale.
func (s *Store) SetGlobalContext(ctx context.Context, projectID string, data map[string]any, version int) bool {
	key := s.Key(KindGlobal, projectID)
	ok := s.setVersioned(ctx, key, KindGlobal.TTL(), data, version, nil)
	if ok {
		s.Invalidate(ctx, key)
	}
	return ok
}

func (s *Store) PlatformContext(ctx context.Context, projectID, platformType string) (map[string]any, bool) {
	return s.getVersioned(ctx, s.Key(KindPlatform, projectID, platformType))
}

func (s *Store) SetPlatformContext(ctx context.Context, projectID, platformType string, data map[string]any, version int) bool {
	key := s.Key(KindPlatform, projectID, platformType)
	deps := []string{s.Key(KindGlobal, projectID)}
	return s.setVersioned(ctx, key, KindPlatform.TTL(), data, version, deps)
}

func (s *Store) DomainContext(ctx context.Context, projectID, domainType string) (map[string]any, bool) {
	return s.getVersioned(ctx, s.Key(KindDomain, projectID, domainType))
}

// SetDomainContext also clears every cached query result: query results
// may embed arbitrary domain filters, so the blast radius of a domain
// change cannot be enumerated cheaply.
func (s *Store) SetDomainContext(ctx context.Context, projectID, domainType string, data map[string]any) bool {
	key := s.Key(KindDomain, projectID, domainType)
	deps := []string{s.Key(KindGlobal, projectID)}
	ok := s.setVersioned(ctx, key, KindDomain.TTL(), data, 0, deps)
	if ok {
		s.InvalidateByPattern(ctx, s.Key(KindQuery)+":*")
	}
	return ok
}

func (s *Store) QueryResult(ctx context.Context, projectID, platformType, queryHash string) (map[string]any, bool) {
	return s.getSimple(ctx, s.Key(KindQuery, projectID, platformType, queryHash))
}

func (s *Store) SetQueryResult(ctx context.Context, projectID, platformType, queryHash string, result map[string]any, domainsFilter []string) bool {
	key := s.Key(KindQuery, projectID, platformType, queryHash)
	deps := []string{
		s.Key(KindGlobal, projectID),
		s.Key(KindPlatform, projectID, platformType),
	}
	for _, domain := range domainsFilter {
		deps = append(deps, s.Key(KindDomain, projectID, domain))
	}
	return s.setVersioned(ctx, key, KindQuery.TTL(), result, 0, deps)
}

// MergedContext assembles the global + platform + domain view from the
// cache, memoizing the result under a short-lived key derived from the
// requested domain set. It reads only from the cache; missing tiers are
// simply absent from the merge.
func (s *Store) MergedContext(ctx context.Context, projectID, platformType string, includeDomains []string) (map[string]any, bool) {
	cacheKey := s.Key(KindMerged, projectID, platformType, DomainsHash(includeDomains))
	if cached, ok := s.getSimple(ctx, cacheKey); ok {
		return cached, true
	}

	merged := make(map[string]any)
	if global, ok := s.GlobalContext(ctx, projectID); ok {
		merged["global"] = global
	}
	if platform, ok := s.PlatformContext(ctx, projectID, platformType); ok {
		merged["platform"] = platform
	}
	domains := make(map[string]any)
	for _, domain := range includeDomains {
		if d, ok := s.DomainContext(ctx, projectID, domain); ok {
			domains[domain] = d
		}
	}
	merged["domains"] = domains

	if len(merged) > 1 || len(domains) > 0 {
		s.setSimple(ctx, cacheKey, KindMerged.TTL(), merged)
	}
	return merged, false
}

// Invalidation entry points

// InvalidateGlobalContext removes the global entry and everything that
// was computed from it, forcing repopulation on the next read.
func (s *Store) InvalidateGlobalContext(ctx context.Context, projectID string) {
	s.InvalidateWithDependents(ctx, s.Key(KindGlobal, projectID))
}

// InvalidateProject drops every cache entry for a project.
func (s *Store) InvalidateProject(ctx context.Context, projectID string) {
	s.InvalidateByPattern(ctx, fmt.Sprintf("%s:*:%s*", s.namespace, projectID))
}

// InvalidatePlatform drops platform-scoped entries for a project.
func (s *Store) InvalidatePlatform(ctx context.Context, projectID, platformType string) {
	s.InvalidateByPattern(ctx, fmt.Sprintf("%s:*:%s:%s*", s.namespace, projectID, platformType))
}

// Invalidate deletes all dependents of key (one level: dependents are
// cache leaves such as merged or query results and never have their own
// dependents) and clears the dependents set itself. The key's own entry
// is left alone.
func (s *Store) Invalidate(ctx context.Context, key string) {
	depSet := dependentsKey(key)
	dependents, err := s.client.SMembers(ctx, depSet).Result()
	if err != nil {
		log.Printf("cache: read dependents of %s: %v", key, err)
		return
	}

	if len(dependents) > 0 {
		toDelete := make([]string, 0, len(dependents)*3)
		for _, dependent := range dependents {
			toDelete = append(toDelete, dependent, versionKey(dependent), depsKey(dependent))
		}
		if err := s.client.Del(ctx, toDelete...).Err(); err != nil {
			log.Printf("cache: delete dependents of %s: %v", key, err)
		}
	}

	if err := s.client.Del(ctx, depSet).Err(); err != nil {
		log.Printf("cache: clear dependents set of %s: %v", key, err)
	}
}

// InvalidateWithDependents invalidates the dependents of key and then
// deletes key itself.
func (s *Store) InvalidateWithDependents(ctx context.Context, key string) {
	s.Invalidate(ctx, key)
	if err := s.client.Del(ctx, key, versionKey(key), depsKey(key)).Err(); err != nil {
		log.Printf("cache: delete %s: %v", key, err)
	}
}

// InvalidateByPattern scan-and-deletes all keys matching pattern.
func (s *Store) InvalidateByPattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			log.Printf("cache: scan %s: %v", pattern, err)
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				log.Printf("cache: delete by pattern %s: %v", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats counts cached entries per kind for a project, via SCAN.
func (s *Store) Stats(ctx context.Context, projectID string) map[string]int {
	stats := make(map[string]int)
	for _, kind := range []Kind{KindGlobal, KindPlatform, KindDomain, KindQuery, KindMerged, KindInsights} {
		pattern := fmt.Sprintf("%s:%s:%s*", s.namespace, kind, projectID)
		var cursor uint64
		count := 0
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				log.Printf("cache: stats scan %s: %v", pattern, err)
				break
			}
			for _, key := range keys {
				// Skip the version/deps/dependents side keys.
				if !isSideKey(key) {
					count++
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		stats[string(kind)] = count
	}
	return stats
}

func isSideKey(key string) bool {
	for _, suffix := range []string{":version", ":deps", ":dependents"} {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// Internal versioned operations

// getVersioned fetches a payload and its version marker in one
// pipeline. If the embedded _version disagrees with the marker the
// entry is treated as a partial write: deleted and reported absent.
func (s *Store) getVersioned(ctx context.Context, key string) (map[string]any, bool) {
	pipe := s.client.Pipeline()
	dataCmd := pipe.Get(ctx, key)
	versionCmd := pipe.Get(ctx, versionKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		log.Printf("cache: get %s: %v", key, err)
		return nil, false
	}

	raw, err := dataCmd.Bytes()
	if err != nil {
		return nil, false
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("cache: decode %s: %v", key, err)
		return nil, false
	}

	if markerRaw, err := versionCmd.Result(); err == nil {
		marker, _ := strconv.Atoi(markerRaw)
		if embedded := embeddedVersion(data); embedded != marker {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				log.Printf("cache: drop stale %s: %v", key, err)
			}
			return nil, false
		}
	}
	return data, true
}

// setVersioned stores payload, version marker and dependency links in a
// single pipelined write. Dependents sets carry the same TTL as the
// entry so they cannot outlive the entries that reference them.
func (s *Store) setVersioned(ctx context.Context, key string, ttl time.Duration, data map[string]any, version int, dependencies []string) bool {
	if data == nil {
		data = make(map[string]any)
	}
	if version > 0 {
		data["_version"] = version
	} else {
		version = embeddedVersion(data)
		if version == 0 {
			version = 1
			data["_version"] = version
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("cache: encode %s: %v", key, err)
		return false
	}

	pipe := s.client.Pipeline()
	pipe.SetEx(ctx, key, raw, ttl)
	pipe.SetEx(ctx, versionKey(key), strconv.Itoa(version), ttl)
	if len(dependencies) > 0 {
		depsRaw, _ := json.Marshal(dependencies)
		pipe.SetEx(ctx, depsKey(key), depsRaw, ttl)
		for _, dep := range dependencies {
			pipe.SAdd(ctx, dependentsKey(dep), key)
			pipe.Expire(ctx, dependentsKey(dep), ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("cache: set %s: %v", key, err)
		return false
	}
	return true
}

func (s *Store) getSimple(ctx context.Context, key string) (map[string]any, bool) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("cache: get %s: %v", key, err)
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("cache: decode %s: %v", key, err)
		return nil, false
	}
	return data, true
}

func (s *Store) setSimple(ctx context.Context, key string, ttl time.Duration, data map[string]any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("cache: encode %s: %v", key, err)
		return false
	}
	if err := s.client.SetEx(ctx, key, raw, ttl).Err(); err != nil {
		log.Printf("cache: set %s: %v", key, err)
		return false
	}
	return true
}

func embeddedVersion(data map[string]any) int {
	switch v := data["_version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
