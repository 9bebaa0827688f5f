package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "redis", open: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "meta.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			fn(t, b.open(t))
		})
	}
}

func TestStore_Scalars(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNil)

		require.NoError(t, s.Set(ctx, "a", "1:2:3"))
		v, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1:2:3", v)

		require.NoError(t, s.Set(ctx, "a", "overwritten"))
		v, err = s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "overwritten", v)

		require.NoError(t, s.Del(ctx, "a"))
		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNil)

		// deleting a missing key is not an error
		assert.NoError(t, s.Del(ctx, "a"))
	})
}

func TestStore_Hashes(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		all, err := s.HGetAll(ctx, "dir:1")
		require.NoError(t, err)
		assert.Empty(t, all)

		_, err = s.HGet(ctx, "dir:1", "x")
		assert.ErrorIs(t, err, ErrNil)

		require.NoError(t, s.HSet(ctx, "dir:1", "x", "2"))
		require.NoError(t, s.HSet(ctx, "dir:1", "y", "3"))
		require.NoError(t, s.HSet(ctx, "dir:1", "x", "4"))

		v, err := s.HGet(ctx, "dir:1", "x")
		require.NoError(t, err)
		assert.Equal(t, "4", v)

		all, err = s.HGetAll(ctx, "dir:1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"x": "4", "y": "3"}, all)

		require.NoError(t, s.HDel(ctx, "dir:1", "x"))
		assert.NoError(t, s.HDel(ctx, "dir:1", "nope"))
		all, err = s.HGetAll(ctx, "dir:1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"y": "3"}, all)
	})
}

func TestStore_Incr(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "lookup")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})
}

func TestStore_IncrConcurrentUnique(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers, per = 4, 10

		var mu sync.Mutex
		seen := make(map[int64]bool)
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range per {
					n, err := s.Incr(ctx, "lookup")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seen[n], "duplicate value %d", n)
					seen[n] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, workers*per)
	})
}

func TestStore_Keys(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.Set(ctx, fmt.Sprintf("node:%d", i), "x"))
		}
		require.NoError(t, s.Set(ctx, "lookup", "5"))
		require.NoError(t, s.Set(ctx, "fs*1/node:9", "x"))
		require.NoError(t, s.HSet(ctx, "dir:1", "a", "2"))

		keys, err := s.Keys(ctx, "node:")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"node:1", "node:2", "node:3", "node:4", "node:5"}, keys)

		keys, err = s.Keys(ctx, "fs*1/node:")
		require.NoError(t, err)
		assert.Equal(t, []string{"fs*1/node:9"}, keys)

		keys, err = s.Keys(ctx, "nothing:")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestStore_Exec(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "node:9", "old"))
		require.NoError(t, s.HSet(ctx, "dir:1", "old", "9"))

		b := NewBatch().
			Set("node:2", "rec").
			HSet("dir:1", "new", "9").
			HDel("dir:1", "old").
			Del("node:9")
		assert.Equal(t, 4, b.Len())
		require.NoError(t, s.Exec(ctx, b))

		v, err := s.Get(ctx, "node:2")
		require.NoError(t, err)
		assert.Equal(t, "rec", v)
		_, err = s.Get(ctx, "node:9")
		assert.ErrorIs(t, err, ErrNil)

		all, err := s.HGetAll(ctx, "dir:1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"new": "9"}, all)

		assert.NoError(t, s.Exec(ctx, NewBatch()))
	})
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestDialRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	port := mr.Server().Addr().Port
	r, err := DialRedis(context.Background(), RedisOptions{Addr: mr.Host(), Port: port, Password: "secret", DB: 0})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Set(context.Background(), "k", "v"))
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestDialRedis_Unreachable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	port := mr.Server().Addr().Port
	mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialRedis(ctx, RedisOptions{Addr: "127.0.0.1", Port: port})
	assert.Error(t, err)
}

func TestRedisOptions_Endpoint(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "localhost:6379", RedisOptions{Addr: "localhost", Port: 6379}.Endpoint())
	assert.Equal(t, "[::1]:7000", RedisOptions{Addr: "::1", Port: 7000}.Endpoint())
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"node:", "node:"},
		{"a*b", `a\*b`},
		{"[x]?", `\[x\]\?`},
		{`back\`, `back\\`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, escapeGlob(tt.in))
		})
	}
}
