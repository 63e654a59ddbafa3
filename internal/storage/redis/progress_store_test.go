package redis

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/store"
)

// fakeClient is an in-memory stand-in for the Redis commands the store uses.
type fakeClient struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failSet error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) MGet(_ context.Context, keys ...string) *goredis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			out[i] = v
		}
	}
	return goredis.NewSliceResult(out, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, ttl time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return goredis.NewStatusResult("", f.failSet)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

// Scan returns one matching key per call to exercise cursor handling.
func (f *fakeClient) Scan(_ context.Context, cursor uint64, match string, _ int64) *goredis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if int(cursor) >= len(keys) {
		return goredis.NewScanCmdResult(nil, 0, nil)
	}
	next := cursor + 1
	if int(next) >= len(keys) {
		next = 0
	}
	return goredis.NewScanCmdResult([]string{keys[cursor]}, next, nil)
}

func TestProgressStoreRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	s, err := NewProgressStore(client, Config{TTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "t1")
	require.ErrorIs(t, err, store.ErrNotFound)

	snap := progress.Snapshot{
		TaskID:     "t1",
		Status:     progress.StatusRunning,
		Total:      10,
		Processed:  4,
		Success:    3,
		Fail:       1,
		Extensions: map[string]string{"creator": "ops"},
	}
	require.NoError(t, s.Put(ctx, snap))
	require.Equal(t, time.Hour, client.ttls["bulkops:progress:t1"])

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, snap.Total, got.Total)
	require.Equal(t, snap.Success, got.Success)
	require.Equal(t, progress.StatusRunning, got.Status)
	require.Equal(t, "ops", got.Extensions["creator"])

	require.NoError(t, s.Evict(ctx, "t1"))
	_, err = s.Get(ctx, "t1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProgressStoreEnumerateAndClear(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.data["other:key"] = "x"
	s, err := NewProgressStore(client, Config{Prefix: "p:"})
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, progress.Snapshot{TaskID: id}))
	}
	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].TaskID)

	require.NoError(t, s.Clear(ctx))
	ids, err = s.IDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, "x", client.data["other:key"])
}

func TestProgressStoreErrors(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.failSet = errors.New("READONLY")
	s, err := NewProgressStore(client, Config{})
	require.NoError(t, err)

	err = s.Put(context.Background(), progress.Snapshot{TaskID: "t"})
	require.ErrorContains(t, err, "READONLY")
	require.Error(t, s.Put(context.Background(), progress.Snapshot{}))

	client.data[defaultPrefix+"bad"] = "{not json"
	_, err = s.Get(context.Background(), "bad")
	require.ErrorContains(t, err, "decode snapshot")

	_, err = NewProgressStore(nil, Config{})
	require.Error(t, err)
	_, err = NewProgressStore(client, Config{TTL: -time.Second})
	require.Error(t, err)
}
