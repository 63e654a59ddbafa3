// Package redis provides a Redis-backed progress store so task progress
// survives restarts and is visible to every replica.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/store"
)

const (
	defaultPrefix = "bulkops:progress:"
	scanCount     = 100
)

// Client is the subset of *redis.Client the store uses.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	MGet(ctx context.Context, keys ...string) *goredis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
}

// Config controls the connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys; it defaults to bulkops:progress:.
	Prefix string
	// TTL expires snapshots that stop being refreshed. Zero keeps them forever.
	TTL time.Duration
}

// Open connects to Redis and pings it.
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// ProgressStore keeps JSON-encoded snapshots under prefixed keys.
type ProgressStore struct {
	client Client
	prefix string
	ttl    time.Duration
}

var _ store.EnumerableProgressStore = (*ProgressStore)(nil)

// NewProgressStore constructs a store over client.
func NewProgressStore(client Client, cfg Config) (*ProgressStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("redis ttl must be >= 0, got %s", cfg.TTL)
	}
	return &ProgressStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *ProgressStore) key(taskID string) string {
	return s.prefix + taskID
}

// Get loads one snapshot.
func (s *ProgressStore) Get(ctx context.Context, taskID string) (progress.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return progress.Snapshot{}, store.ErrNotFound
		}
		return progress.Snapshot{}, fmt.Errorf("redis get %s: %w", taskID, err)
	}
	var snap progress.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return progress.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", taskID, err)
	}
	return snap, nil
}

// Put writes one snapshot with the configured TTL.
func (s *ProgressStore) Put(ctx context.Context, snap progress.Snapshot) error {
	if snap.TaskID == "" {
		return errors.New("snapshot task id is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.TaskID, err)
	}
	if err := s.client.Set(ctx, s.key(snap.TaskID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", snap.TaskID, err)
	}
	return nil
}

// Evict deletes one snapshot.
func (s *ProgressStore) Evict(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", taskID, err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (s *ProgressStore) Clear(ctx context.Context) error {
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += scanCount {
		end := min(start+scanCount, len(keys))
		if err := s.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// IDs lists task ids under the prefix in lexical order.
func (s *ProgressStore) IDs(ctx context.Context) ([]string, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, s.prefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// List loads every snapshot ordered by task id. Keys that expire between the
// scan and the read are skipped.
func (s *ProgressStore) List(ctx context.Context) ([]progress.Snapshot, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []progress.Snapshot{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]progress.Snapshot, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var snap progress.Snapshot
		if err := json.Unmarshal([]byte(str), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", ids[i], err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *ProgressStore) keys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	seen := map[string]struct{}{}
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
