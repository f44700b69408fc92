package cache

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Kind identifies the logical type of a cache entry. TTLs and key
// layout are fixed per kind; every call site must build keys through
// Store.Key so the scheme cannot drift.
type Kind string

const (
	KindGlobal   Kind = "global"
	KindPlatform Kind = "platform"
	KindDomain   Kind = "domain"
	KindQuery    Kind = "query"
	KindInsights Kind = "insights"
	KindMerged   Kind = "merged"
)

// TTL returns the time-to-live for entries of this kind.
func (k Kind) TTL() time.Duration {
	switch k {
	case KindGlobal:
		return 7200 * time.Second
	case KindPlatform:
		return 3600 * time.Second
	case KindDomain:
		return 1800 * time.Second
	case KindQuery:
		return 900 * time.Second
	case KindInsights:
		return 86400 * time.Second
	case KindMerged:
		return 600 * time.Second
	}
	return 3600 * time.Second
}

// Key builds "{namespace}:{kind}:{ids...}".
func (s *Store) Key(kind Kind, ids ...string) string {
	parts := append([]string{s.namespace, string(kind)}, ids...)
	return strings.Join(parts, ":")
}

func versionKey(key string) string    { return key + ":version" }
func depsKey(key string) string       { return key + ":deps" }
func dependentsKey(key string) string { return key + ":dependents" }

// DomainsHash produces the short stable hash of a requested domain set,
// used to key merged-context entries.
func DomainsHash(domains []string) string {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, ":")))
	return hex.EncodeToString(sum[:])[:8]
}
