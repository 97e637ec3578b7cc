package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/logging"
)

// Redis key layout:
//
//	snap:<key>          JSON snapshot document
//	snapidx:<site>      ZSET, score 0, member = path-ordered key member
//	snap_updated        ZSET, score = UpdatedAt unix, member = snap key
//	snap_access         ZSET, score = LastAccessedAt unix, member = snap key
//	lease:<name>        SETNX lease value
const (
	docPrefix   = "snap:"
	idxPrefix   = "snapidx:"
	updatedIdx  = "snap_updated"
	accessIdx   = "snap_access"
	leasePrefix = "lease:"
)

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the snapshot store from config.
func NewRedisStore(cfg config.StoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	opts.DB = cfg.Database
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, skipping the
// connection bootstrap. Tests use it against a local server.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client so collaborators reading other
// document collections (site configs) can share the pool.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Get(ctx context.Context, key Key) (*Snapshot, error) {
	data, err := r.client.Get(ctx, docPrefix+key.String()).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}

	// lastAccessedAt is tracked lazily in a side index so reads don't
	// rewrite the document.
	now := time.Now()
	s.Times.LastAccessedAt = now
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.client.ZAdd(ctx, accessIdx, redis.Z{
			Score:  float64(now.Unix()),
			Member: key.String(),
		}).Err(); err != nil {
			logging.Debug("access index update failed", zap.Error(err))
		}
	}()

	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *Snapshot) error {
	cp := *s
	cp.Times.UpdatedAt = time.Now()
	if cp.Times.RenderedAt.IsZero() {
		cp.Times.RenderedAt = cp.Times.UpdatedAt
	}

	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	k := cp.Key.String()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, docPrefix+k, data, 0)
	pipe.ZAdd(ctx, idxPrefix+cp.Key.Site, redis.Z{Score: 0, Member: cp.Key.Member()})
	pipe.ZAdd(ctx, updatedIdx, redis.Z{Score: float64(cp.Times.UpdatedAt.Unix()), Member: k})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

func (r *RedisStore) Invalidate(ctx context.Context, key Key) error {
	k := key.String()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, docPrefix+k)
	pipe.ZRem(ctx, idxPrefix+key.Site, key.Member())
	pipe.ZRem(ctx, updatedIdx, k)
	pipe.ZRem(ctx, accessIdx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: invalidate: %w", err)
	}
	return nil
}

func (r *RedisStore) ScanBySite(ctx context.Context, site, cursor string, limit int) (*ScanPage, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}

	min := "-"
	if cursor != "" {
		min = "(" + cursor
	}
	members, err := r.client.ZRangeByLex(ctx, idxPrefix+site, &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}

	more := len(members) > limit
	if more {
		members = members[:limit]
	}

	page := &ScanPage{}
	for _, member := range members {
		key, ok := KeyFromMember(site, member)
		if !ok {
			continue
		}
		data, err := r.client.Get(ctx, docPrefix+key.String()).Bytes()
		if err == redis.Nil {
			continue // removed between index read and fetch
		}
		if err != nil {
			return nil, fmt.Errorf("store: scan fetch: %w", err)
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			logging.Warn("skipping undecodable snapshot", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		page.Snapshots = append(page.Snapshots, &s)
	}
	if more && len(members) > 0 {
		page.NextCursor = members[len(members)-1]
	}
	return page, nil
}

func (r *RedisStore) ExpireBefore(ctx context.Context, t time.Time) (int, error) {
	// Scores are whole seconds and the bound is exclusive, so a
	// snapshot updated within the cutoff's second survives until the
	// next sweep.
	keys, err := r.client.ZRangeByScore(ctx, updatedIdx, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", t.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("store: expire scan: %w", err)
	}

	removed := 0
	for _, k := range keys {
		key, ok := keyFromStorage(k)
		if !ok {
			continue
		}
		if err := r.Invalidate(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *RedisStore) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, leasePrefix+name, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: lease: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// keyFromStorage parses the canonical storage form back into a Key.
func keyFromStorage(s string) (Key, bool) {
	parts := strings.SplitN(s, sep, 4)
	if len(parts) != 4 {
		return Key{}, false
	}
	return Key{
		Site:       parts[0],
		DeviceType: DeviceType(parts[1]),
		Type:       RenderType(parts[2]),
		Path:       parts[3],
	}, true
}
