package siteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when no config exists for a host.
var ErrNotFound = errors.New("site config not found")

// Source fetches a SiteConfig from the document store.
type Source interface {
	Fetch(ctx context.Context, host string) (*SiteConfig, error)
}

// RedisSource reads JSON SiteConfig documents from the store.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a source backed by the given client.
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) Fetch(ctx context.Context, host string) (*SiteConfig, error) {
	data, err := s.client.Get(ctx, "siteconfig:"+host).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("siteconfig: fetch %s: %w", host, err)
	}
	var cfg SiteConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("siteconfig: decode %s: %w", host, err)
	}
	return &cfg, nil
}

// cacheEntry caches positive and negative lookups alike.
type cacheEntry struct {
	cfg   *SiteConfig
	found bool
}

const (
	defaultTTL    = 60 * time.Second
	lookupTimeout = 5 * time.Second
	cacheSize     = 4096
)

// Resolver looks up per-origin policy with an in-memory TTL cache and
// single-flight duplicate suppression.
type Resolver struct {
	source  Source
	cache   *expirable.LRU[string, cacheEntry]
	group   singleflight.Group
	timeout time.Duration
}

// NewResolver creates a resolver with the given cache TTL. ttl <= 0
// uses the 60 s default.
func NewResolver(source Source, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Resolver{
		source:  source,
		cache:   expirable.NewLRU[string, cacheEntry](cacheSize, nil, ttl),
		timeout: lookupTimeout,
	}
}

// Resolve returns the SiteConfig for host, or ErrNotFound. The host
// is normalized first; both outcomes are cached for the TTL.
func (r *Resolver) Resolve(ctx context.Context, host string) (*SiteConfig, error) {
	host = NormalizeHost(host)
	if host == "" {
		return nil, ErrNotFound
	}

	if entry, ok := r.cache.Get(host); ok {
		return entry.result()
	}

	v, err, _ := r.group.Do(host, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// filled the cache while we waited for the group.
		if entry, ok := r.cache.Get(host); ok {
			return entry, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		cfg, err := r.source.Fetch(ctx, host)
		switch {
		case err == nil:
			entry := cacheEntry{cfg: cfg, found: true}
			r.cache.Add(host, entry)
			return entry, nil
		case errors.Is(err, ErrNotFound):
			entry := cacheEntry{}
			r.cache.Add(host, entry)
			return entry, nil
		default:
			return cacheEntry{}, err
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(cacheEntry).result()
}

func (e cacheEntry) result() (*SiteConfig, error) {
	if !e.found {
		return nil, ErrNotFound
	}
	return e.cfg, nil
}

// NormalizeHost lowercases the host and strips default ports.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return host
}
