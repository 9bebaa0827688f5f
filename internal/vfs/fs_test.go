package vfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvfs/internal/common"
	"kvfs/internal/kv"
	"kvfs/internal/metrics"
	"kvfs/internal/storage"
)

type testEnv struct {
	fs    *FS
	meta  storage.MetaStore
	blobs storage.DataStore
	reg   *prometheus.Registry
	mr    *miniredis.Miniredis
}

type wrapOpts struct {
	meta  func(storage.MetaStore) storage.MetaStore
	blobs func(storage.DataStore) storage.DataStore
}

// testFS creates an initialized FS on an in-process Redis and a temp dir.
func testFS(t *testing.T) *testEnv {
	t.Helper()
	return testFSWith(t, wrapOpts{})
}

func testFSWith(t *testing.T, w wrapOpts) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var meta storage.MetaStore = storage.NewKVMeta(kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})), "", m)
	var blobs storage.DataStore = storage.NewBlobStore(osfs.New(t.TempDir()))
	if w.meta != nil {
		meta = w.meta(meta)
	}
	if w.blobs != nil {
		blobs = w.blobs(blobs)
	}

	fs := New(meta, blobs, m)
	require.NoError(t, fs.Init(context.Background()))
	t.Cleanup(func() { meta.Close() })
	return &testEnv{fs: fs, meta: meta, blobs: blobs, reg: reg, mr: mr}
}

// warnings returns the integrity warning count recorded for op.
func (e *testEnv) warnings(t *testing.T, op string) float64 {
	t.Helper()
	families, err := e.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "kvfs_integrity_warnings_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "op" && l.GetValue() == op {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// faultyMeta fails selected MetaStore calls with an I/O error.
type faultyMeta struct {
	storage.MetaStore
	mu         sync.Mutex
	failGet    map[uint64]bool
	failUpdate bool
	failUnlink bool
	failDelete bool
}

var errInjected = fmt.Errorf("injected: %w", common.ErrIO)

func (f *faultyMeta) GetNode(ctx context.Context, ino uint64) (storage.Attr, error) {
	f.mu.Lock()
	fail := f.failGet[ino]
	f.mu.Unlock()
	if fail {
		return storage.Attr{}, errInjected
	}
	return f.MetaStore.GetNode(ctx, ino)
}

func (f *faultyMeta) UpdateNode(ctx context.Context, attr storage.Attr) error {
	if f.failUpdate {
		return errInjected
	}
	return f.MetaStore.UpdateNode(ctx, attr)
}

func (f *faultyMeta) UnlinkEntry(ctx context.Context, parent uint64, name string) error {
	if f.failUnlink {
		return errInjected
	}
	return f.MetaStore.UnlinkEntry(ctx, parent, name)
}

func (f *faultyMeta) DeleteNode(ctx context.Context, ino uint64) error {
	if f.failDelete {
		return errInjected
	}
	return f.MetaStore.DeleteNode(ctx, ino)
}

// faultyBlobs fails selected DataStore calls.
type faultyBlobs struct {
	storage.DataStore
	failWrite    bool
	failTruncate bool
	failDelete   bool
}

func (f *faultyBlobs) Write(ino uint64, data []byte, off int64) (int, error) {
	if f.failWrite {
		return 0, errInjected
	}
	return f.DataStore.Write(ino, data, off)
}

func (f *faultyBlobs) Truncate(ino uint64, size int64) error {
	if f.failTruncate {
		return errInjected
	}
	return f.DataStore.Truncate(ino, size)
}

func (f *faultyBlobs) Delete(ino uint64) error {
	if f.failDelete {
		return errInjected
	}
	return f.DataStore.Delete(ino)
}

func TestScenarios(t *testing.T) {
	t.Parallel()

	t.Run("create write read stat", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()

		created, err := e.fs.Create(ctx, "/a", 0644)
		require.NoError(t, err)

		ino, err := e.meta.Lookup(ctx, storage.RootIno, "a")
		require.NoError(t, err)
		assert.Equal(t, created.Ino, ino)

		n, err := e.fs.Write(ctx, "/a", []byte("hello"), 0)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		data, err := e.fs.Read(ctx, "/a", 5, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)

		attr, err := e.fs.GetAttr(ctx, "/a")
		require.NoError(t, err)
		assert.Equal(t, int64(5), attr.Size)
		assert.Equal(t, int64(1), attr.Blocks)
		assert.True(t, attr.IsFile())
		assert.Equal(t, uint32(0644), attr.Permissions())
	})

	t.Run("mkdir rmdir not empty", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()

		_, err := e.fs.Mkdir(ctx, "/d", 0755)
		require.NoError(t, err)
		_, err = e.fs.Create(ctx, "/d/f", 0644)
		require.NoError(t, err)

		entries, err := e.fs.ReadDir(ctx, "/d")
		require.NoError(t, err)
		var names []string
		for _, en := range entries {
			names = append(names, en.Name)
		}
		assert.Equal(t, []string{".", "..", "f"}, names)

		before, err := e.fs.GetAttr(ctx, "/d")
		require.NoError(t, err)

		assert.Equal(t, ENOTEMPTY, e.fs.Rmdir(ctx, "/d"))

		after, err := e.fs.GetAttr(ctx, "/d")
		require.NoError(t, err)
		assert.Equal(t, before, after)
		_, err = e.fs.GetAttr(ctx, "/d/f")
		require.NoError(t, err)

		require.NoError(t, e.fs.Unlink(ctx, "/d/f"))
		require.NoError(t, e.fs.Rmdir(ctx, "/d"))

		_, err = e.fs.GetAttr(ctx, "/d")
		assert.Equal(t, ENOENT, err)
		_, err = e.meta.GetNode(ctx, after.Ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("rename keeps inode and record", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()

		created, err := e.fs.Create(ctx, "/a", 0644)
		require.NoError(t, err)
		_, err = e.fs.Write(ctx, "/a", []byte("data"), 0)
		require.NoError(t, err)
		before, err := e.meta.GetNode(ctx, created.Ino)
		require.NoError(t, err)

		require.NoError(t, e.fs.Rename(ctx, "/a", "/b"))

		_, err = e.meta.Lookup(ctx, storage.RootIno, "a")
		assert.ErrorIs(t, err, common.ErrNotFound)
		ino, err := e.meta.Lookup(ctx, storage.RootIno, "b")
		require.NoError(t, err)
		assert.Equal(t, created.Ino, ino)

		after, err := e.meta.GetNode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		data, err := e.fs.Read(ctx, "/b", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("data"), data)
	})
}

func TestInit(t *testing.T) {
	t.Parallel()

	t.Run("creates root once", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()

		root, err := e.fs.GetAttr(ctx, "/")
		require.NoError(t, err)
		assert.Equal(t, storage.RootIno, root.Ino)
		assert.True(t, root.IsDir())
		assert.Equal(t, uint32(0755), root.Permissions())

		require.NoError(t, e.fs.Chmod(ctx, "/", 0700))
		require.NoError(t, e.fs.Init(ctx))

		root, err = e.fs.GetAttr(ctx, "/")
		require.NoError(t, err)
		assert.Equal(t, uint32(0700), root.Permissions())
	})

	t.Run("corrupt root is not overwritten", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		e.mr.Set("node:1", "garbage")

		assert.Equal(t, EIO, e.fs.Init(context.Background()))
		got, err := e.mr.Get("node:1")
		require.NoError(t, err)
		assert.Equal(t, "garbage", got)
	})

	t.Run("new inodes never reuse root", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		a, err := e.fs.Create(context.Background(), "/x", 0644)
		require.NoError(t, err)
		assert.Greater(t, a.Ino, storage.RootIno)
	})
}

func TestGetAttr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want error
	}{
		{"root", "/", nil},
		{"file", "/dir/file", nil},
		{"trailing slash", "/dir/", nil},
		{"repeated slashes", "//dir///file", nil},
		{"missing leaf", "/dir/nope", ENOENT},
		{"missing intermediate", "/nope/file", ENOENT},
		{"relative", "dir/file", EINVAL},
		{"empty", "", EINVAL},
	}

	e := testFS(t)
	ctx := context.Background()
	_, err := e.fs.Mkdir(ctx, "/dir", 0755)
	require.NoError(t, err)
	_, err = e.fs.Create(ctx, "/dir/file", 0600)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.fs.GetAttr(ctx, tt.path)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.want, err)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()

	ino, err := e.fs.Lookup(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, storage.RootIno, ino)

	d, err := e.fs.Mkdir(ctx, "/d", 0755)
	require.NoError(t, err)
	ino, err = e.fs.Lookup(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, d.Ino, ino)

	_, err = e.fs.Lookup(ctx, "/d/x")
	assert.Equal(t, ENOENT, err)
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("new file is empty", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()

		a, err := e.fs.Create(ctx, "/f", 0640)
		require.NoError(t, err)
		got, err := e.meta.GetNode(ctx, a.Ino)
		require.NoError(t, err)
		assert.Zero(t, got.Size)
		assert.Zero(t, got.Blocks)
		assert.Equal(t, uint32(storage.ModeFile|0640), got.Mode)
		assert.Equal(t, got.Atime, got.Mtime)
		assert.Equal(t, got.Mtime, got.Ctime)
	})

	t.Run("type bits in mode are ignored", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		a, err := e.fs.Create(context.Background(), "/f", storage.ModeDir|0644)
		require.NoError(t, err)
		assert.True(t, a.IsFile())
	})

	t.Run("owner comes from caller", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := WithCaller(context.Background(), 1000, 100)

		a, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		assert.Equal(t, uint32(1000), a.Uid)
		assert.Equal(t, uint32(100), a.Gid)

		d, err := e.fs.Mkdir(context.Background(), "/d", 0755)
		require.NoError(t, err)
		assert.Zero(t, d.Uid)
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/file", 0644)
		require.NoError(t, err)

		tests := []struct {
			path string
			want error
		}{
			{"/file", EEXIST},
			{"/", EEXIST},
			{"/file/child", ENOTDIR},
			{"/missing/child", ENOENT},
			{"relative", EINVAL},
			{"/" + strings.Repeat("n", common.MaxNameLen+1), ENAMETOOLONG},
		}
		for _, tt := range tests {
			_, err := e.fs.Create(ctx, tt.path, 0644)
			assert.Equal(t, tt.want, err, "create %q", tt.path)
			_, err = e.fs.Mkdir(ctx, tt.path, 0755)
			assert.Equal(t, tt.want, err, "mkdir %q", tt.path)
		}
	})
}

func TestConcurrentCreateSameDir(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.fs.Create(ctx, fmt.Sprintf("/f%d", i), 0644)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := e.fs.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, entries, n+2)

	seen := make(map[uint64]bool)
	for _, en := range entries[2:] {
		assert.False(t, seen[en.Ino])
		seen[en.Ino] = true
	}
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	t.Run("never written reads empty", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		for _, off := range []int64{0, 1, 4096, 1 << 30} {
			data, err := e.fs.Read(ctx, "/f", 100, off)
			require.NoError(t, err)
			assert.Empty(t, data)
		}
	})

	t.Run("round trip at offset", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		payload := []byte("round trip")
		const off = 1000
		n, err := e.fs.Write(ctx, "/f", payload, off)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)

		data, err := e.fs.Read(ctx, "/f", len(payload), off)
		require.NoError(t, err)
		assert.Equal(t, payload, data)

		gap, err := e.fs.Read(ctx, "/f", 4, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 0, 0, 0}, gap)

		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, attr.Size, int64(off+len(payload)))
	})

	t.Run("overwrite inside file keeps size", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		_, err = e.fs.Write(ctx, "/f", []byte("0123456789"), 0)
		require.NoError(t, err)
		_, err = e.fs.Write(ctx, "/f", []byte("ab"), 2)
		require.NoError(t, err)

		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, int64(10), attr.Size)

		data, err := e.fs.Read(ctx, "/f", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("01ab456789"), data)
	})

	t.Run("write updates mtime", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		old := time.Unix(100, 0)
		require.NoError(t, e.fs.Utimens(ctx, "/f", &old, &old))

		_, err = e.fs.Write(ctx, "/f", []byte("x"), 0)
		require.NoError(t, err)

		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.True(t, attr.Mtime.After(old))
		assert.Equal(t, old.Unix(), attr.Atime.Unix())
	})

	t.Run("invalid arguments", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		_, err = e.fs.Read(ctx, "/f", 10, -1)
		assert.Equal(t, EINVAL, err)
		_, err = e.fs.Write(ctx, "/f", []byte("x"), -1)
		assert.Equal(t, EINVAL, err)
		_, err = e.fs.Read(ctx, "/missing", 10, 0)
		assert.Equal(t, ENOENT, err)
		_, err = e.fs.Write(ctx, "/missing", []byte("x"), 0)
		assert.Equal(t, ENOENT, err)
	})

	t.Run("attribute update failure still succeeds", func(t *testing.T) {
		t.Parallel()
		fm := &faultyMeta{}
		e := testFSWith(t, wrapOpts{meta: func(m storage.MetaStore) storage.MetaStore {
			fm.MetaStore = m
			return fm
		}})
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		fm.failUpdate = true
		n, err := e.fs.Write(ctx, "/f", []byte("hello"), 0)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		data, err := e.fs.Read(ctx, "/f", 5, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)

		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Zero(t, attr.Size, "size understates blob after failed update")
		assert.Equal(t, 1.0, e.warnings(t, "write"))
	})

	t.Run("data failure is reported", func(t *testing.T) {
		t.Parallel()
		fb := &faultyBlobs{}
		e := testFSWith(t, wrapOpts{blobs: func(d storage.DataStore) storage.DataStore {
			fb.DataStore = d
			return fb
		}})
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		fb.failWrite = true
		_, err = e.fs.Write(ctx, "/f", []byte("hello"), 0)
		assert.Equal(t, EIO, err)
	})
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	t.Run("shrink and extend", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		_, err = e.fs.Write(ctx, "/f", []byte("hello world"), 0)
		require.NoError(t, err)

		require.NoError(t, e.fs.Truncate(ctx, "/f", 5))
		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, int64(5), attr.Size)
		data, err := e.fs.Read(ctx, "/f", 100, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)

		require.NoError(t, e.fs.Truncate(ctx, "/f", 1024))
		attr, err = e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, int64(1024), attr.Size)
		assert.Equal(t, int64(2), attr.Blocks)
	})

	t.Run("blob failure short-circuits", func(t *testing.T) {
		t.Parallel()
		fb := &faultyBlobs{}
		e := testFSWith(t, wrapOpts{blobs: func(d storage.DataStore) storage.DataStore {
			fb.DataStore = d
			return fb
		}})
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		_, err = e.fs.Write(ctx, "/f", []byte("abc"), 0)
		require.NoError(t, err)
		before, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)

		fb.failTruncate = true
		assert.Equal(t, EIO, e.fs.Truncate(ctx, "/f", 0))

		after, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("negative size", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		_, err := e.fs.Create(context.Background(), "/f", 0644)
		require.NoError(t, err)
		assert.Equal(t, EINVAL, e.fs.Truncate(context.Background(), "/f", -1))
	})
}

func TestUnlink(t *testing.T) {
	t.Parallel()

	t.Run("removes entry blob and record", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		a, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		_, err = e.fs.Write(ctx, "/f", []byte("x"), 0)
		require.NoError(t, err)

		require.NoError(t, e.fs.Unlink(ctx, "/f"))

		_, err = e.meta.Lookup(ctx, storage.RootIno, "f")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = e.meta.GetNode(ctx, a.Ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
		size, err := e.blobs.SizeOf(a.Ino)
		require.NoError(t, err)
		assert.Zero(t, size)

		assert.Equal(t, ENOENT, e.fs.Unlink(ctx, "/f"))
		// blob and record deletes are idempotent
		assert.NoError(t, e.blobs.Delete(a.Ino))
		assert.NoError(t, e.meta.DeleteNode(ctx, a.Ino))
	})

	t.Run("every step attempted", func(t *testing.T) {
		t.Parallel()
		fb := &faultyBlobs{}
		e := testFSWith(t, wrapOpts{blobs: func(d storage.DataStore) storage.DataStore {
			fb.DataStore = d
			return fb
		}})
		ctx := context.Background()
		a, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		fb.failDelete = true
		require.NoError(t, e.fs.Unlink(ctx, "/f"))

		_, err = e.meta.GetNode(ctx, a.Ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.Equal(t, 1.0, e.warnings(t, "unlink"))
	})

	t.Run("entry failure reported after cleanup", func(t *testing.T) {
		t.Parallel()
		fm := &faultyMeta{}
		e := testFSWith(t, wrapOpts{meta: func(m storage.MetaStore) storage.MetaStore {
			fm.MetaStore = m
			return fm
		}})
		ctx := context.Background()
		a, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		fm.failUnlink = true
		assert.Equal(t, EIO, e.fs.Unlink(ctx, "/f"))

		// record delete still ran; the entry now dangles
		_, err = e.meta.GetNode(ctx, a.Ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = e.meta.Lookup(ctx, storage.RootIno, "f")
		assert.NoError(t, err)
	})

	t.Run("directory", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		_, err := e.fs.Mkdir(context.Background(), "/d", 0755)
		require.NoError(t, err)
		assert.Equal(t, EISDIR, e.fs.Unlink(context.Background(), "/d"))
		assert.Equal(t, EISDIR, e.fs.Unlink(context.Background(), "/"))
	})
}

func TestRmdir(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()
	_, err := e.fs.Create(ctx, "/f", 0644)
	require.NoError(t, err)

	assert.Equal(t, ENOTDIR, e.fs.Rmdir(ctx, "/f"))
	assert.Equal(t, EBUSY, e.fs.Rmdir(ctx, "/"))
	assert.Equal(t, ENOENT, e.fs.Rmdir(ctx, "/missing"))

	_, err = e.fs.Mkdir(ctx, "/d", 0755)
	require.NoError(t, err)
	_, err = e.fs.Mkdir(ctx, "/d/sub", 0755)
	require.NoError(t, err)
	assert.Equal(t, ENOTEMPTY, e.fs.Rmdir(ctx, "/d"))
	require.NoError(t, e.fs.Rmdir(ctx, "/d/sub"))
	require.NoError(t, e.fs.Rmdir(ctx, "/d"))
}

func TestRename(t *testing.T) {
	t.Parallel()

	t.Run("across directories", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Mkdir(ctx, "/src", 0755)
		require.NoError(t, err)
		_, err = e.fs.Mkdir(ctx, "/dst", 0755)
		require.NoError(t, err)
		_, err = e.fs.Create(ctx, "/src/f", 0644)
		require.NoError(t, err)
		_, err = e.fs.Write(ctx, "/src/f", []byte("moved"), 0)
		require.NoError(t, err)

		require.NoError(t, e.fs.Rename(ctx, "/src/f", "/dst/g"))

		data, err := e.fs.Read(ctx, "/dst/g", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("moved"), data)
		_, err = e.fs.GetAttr(ctx, "/src/f")
		assert.Equal(t, ENOENT, err)
	})

	t.Run("overwrite orphans destination", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		a, err := e.fs.Create(ctx, "/a", 0644)
		require.NoError(t, err)
		b, err := e.fs.Create(ctx, "/b", 0644)
		require.NoError(t, err)

		require.NoError(t, e.fs.Rename(ctx, "/a", "/b"))

		attr, err := e.fs.GetAttr(ctx, "/b")
		require.NoError(t, err)
		assert.Equal(t, a.Ino, attr.Ino)
		_, err = e.meta.GetNode(ctx, b.Ino)
		assert.NoError(t, err, "displaced record is not reclaimed")
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Mkdir(ctx, "/d", 0755)
		require.NoError(t, err)

		assert.Equal(t, ENOENT, e.fs.Rename(ctx, "/missing", "/x"))
		assert.Equal(t, ENOENT, e.fs.Rename(ctx, "/d", "/nope/x"))
		assert.Equal(t, EBUSY, e.fs.Rename(ctx, "/", "/x"))
		assert.Equal(t, EBUSY, e.fs.Rename(ctx, "/d", "/"))
		assert.Equal(t, EINVAL, e.fs.Rename(ctx, "/d", "/d/inside"))
		assert.Equal(t, EINVAL, e.fs.Rename(ctx, "d", "/x"))
	})

	t.Run("destination parent is a file", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		f, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		_, err = e.fs.Create(ctx, "/a", 0644)
		require.NoError(t, err)

		assert.Equal(t, ENOTDIR, e.fs.Rename(ctx, "/a", "/f/x"))

		_, err = e.fs.GetAttr(ctx, "/a")
		assert.NoError(t, err, "source stays in place")
		_, err = e.fs.GetAttr(ctx, "/f/x")
		assert.Equal(t, ENOENT, err)
		_, err = e.meta.Lookup(ctx, f.Ino, "x")
		assert.ErrorIs(t, err, common.ErrNotFound, "no entry may be written under a file")
	})
}

func TestReadDir(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()
	d, err := e.fs.Mkdir(ctx, "/d", 0755)
	require.NoError(t, err)
	f, err := e.fs.Create(ctx, "/d/f", 0644)
	require.NoError(t, err)

	root, err := e.fs.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []storage.DirEntry{
		{Name: ".", Ino: storage.RootIno, Mode: storage.ModeDir},
		{Name: "..", Ino: storage.RootIno, Mode: storage.ModeDir},
		{Name: "d", Ino: d.Ino, Mode: d.Mode},
	}, root)

	sub, err := e.fs.ReadDir(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, []storage.DirEntry{
		{Name: ".", Ino: d.Ino, Mode: storage.ModeDir},
		{Name: "..", Ino: storage.RootIno, Mode: storage.ModeDir},
		{Name: "f", Ino: f.Ino, Mode: f.Mode},
	}, sub)

	_, err = e.fs.ReadDir(ctx, "/d/f")
	assert.Equal(t, ENOTDIR, err)
	_, err = e.fs.ReadDir(ctx, "/missing")
	assert.Equal(t, ENOENT, err)
}

func TestAttributeSet(t *testing.T) {
	t.Parallel()

	t.Run("chmod keeps type", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		before, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)
		old := time.Unix(100, 0)
		require.NoError(t, e.fs.Utimens(ctx, "/f", &old, &old))

		require.NoError(t, e.fs.Chmod(ctx, "/f", storage.ModeDir|0600))
		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.True(t, attr.IsFile())
		assert.Equal(t, uint32(0600), attr.Permissions())
		assert.False(t, attr.Ctime.Before(before.Ctime))
		assert.Equal(t, old.Unix(), attr.Mtime.Unix())
	})

	t.Run("chmod root", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		require.NoError(t, e.fs.Chmod(context.Background(), "/", 0711))
		attr, err := e.meta.GetNode(context.Background(), storage.RootIno)
		require.NoError(t, err)
		assert.True(t, attr.IsDir())
		assert.Equal(t, uint32(0711), attr.Permissions())
	})

	t.Run("chown", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		require.NoError(t, e.fs.Chown(ctx, "/f", 1000, 1000))
		require.NoError(t, e.fs.Chown(ctx, "/f", -1, 50))
		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, uint32(1000), attr.Uid)
		assert.Equal(t, uint32(50), attr.Gid)
	})

	t.Run("utimens", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		_, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		at, mt := time.Unix(1000, 0), time.Unix(2000, 0)
		require.NoError(t, e.fs.Utimens(ctx, "/f", &at, &mt))
		later := time.Unix(3000, 0)
		require.NoError(t, e.fs.Utimens(ctx, "/f", nil, &later))

		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), attr.Atime.Unix())
		assert.Equal(t, int64(3000), attr.Mtime.Unix())
	})

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()
		e := testFS(t)
		ctx := context.Background()
		assert.Equal(t, ENOENT, e.fs.Chmod(ctx, "/nope", 0644))
		assert.Equal(t, ENOENT, e.fs.Chown(ctx, "/nope", 0, 0))
		assert.Equal(t, ENOENT, e.fs.Utimens(ctx, "/nope", nil, nil))
	})

	t.Run("fetch failure is swallowed", func(t *testing.T) {
		t.Parallel()
		fm := &faultyMeta{}
		e := testFSWith(t, wrapOpts{meta: func(m storage.MetaStore) storage.MetaStore {
			fm.MetaStore = m
			return fm
		}})
		ctx := context.Background()
		a, err := e.fs.Create(ctx, "/f", 0644)
		require.NoError(t, err)

		fm.mu.Lock()
		fm.failGet = map[uint64]bool{a.Ino: true}
		fm.mu.Unlock()

		assert.NoError(t, e.fs.Chmod(ctx, "/f", 0600))
		assert.NoError(t, e.fs.Chown(ctx, "/f", 5, 5))
		assert.NoError(t, e.fs.Utimens(ctx, "/f", nil, nil))
		assert.Equal(t, 1.0, e.warnings(t, "chmod"))
		assert.Equal(t, 1.0, e.warnings(t, "chown"))
		assert.Equal(t, 1.0, e.warnings(t, "utimens"))

		fm.mu.Lock()
		fm.failGet = nil
		fm.mu.Unlock()
		attr, err := e.fs.GetAttr(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, uint32(0644), attr.Permissions())
	})
}

func TestSymlink(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()
	_, err := e.fs.Create(ctx, "/f", 0644)
	require.NoError(t, err)

	a, err := e.fs.Symlink(ctx, "../target:with:colons", "/l")
	require.NoError(t, err)
	assert.True(t, a.IsSymlink())
	assert.Equal(t, int64(len("../target:with:colons")), a.Size)

	target, err := e.fs.Readlink(ctx, "/l")
	require.NoError(t, err)
	assert.Equal(t, "../target:with:colons", target)

	_, err = e.fs.Readlink(ctx, "/f")
	assert.Equal(t, EINVAL, err)
	_, err = e.fs.Symlink(ctx, "x", "/f")
	assert.Equal(t, EEXIST, err)
	_, err = e.fs.Symlink(ctx, "", "/empty")
	assert.Equal(t, ENOENT, err)

	require.NoError(t, e.fs.Unlink(ctx, "/l"))
	_, err = e.fs.Readlink(ctx, "/l")
	assert.Equal(t, ENOENT, err)
}

func TestNoOps(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()

	assert.NoError(t, e.fs.Access(ctx, "/missing", 07))
	assert.NoError(t, e.fs.Open(ctx, "/missing", 0))
	assert.NoError(t, e.fs.Release(ctx, "/missing"))
	assert.NoError(t, e.fs.OpenDir(ctx, "/missing"))
	assert.NoError(t, e.fs.ReleaseDir(ctx, "/missing"))
}

func TestFsync(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()
	_, err := e.fs.Create(ctx, "/f", 0644)
	require.NoError(t, err)

	assert.NoError(t, e.fs.Fsync(ctx, "/f"), "never-written file")
	_, err = e.fs.Write(ctx, "/f", []byte("x"), 0)
	require.NoError(t, err)
	assert.NoError(t, e.fs.Fsync(ctx, "/f"))
	assert.Equal(t, ENOENT, e.fs.Fsync(ctx, "/missing"))
}

func TestStatFs(t *testing.T) {
	t.Parallel()
	e := testFS(t)

	st, err := e.fs.StatFs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), st.Bsize)
	assert.Equal(t, uint32(4096), st.Frsize)
	assert.Equal(t, uint64(256*1024*1024), st.Blocks)
	assert.Equal(t, st.Blocks, st.Bfree)
	assert.Equal(t, st.Blocks, st.Bavail)
	assert.Equal(t, uint64(1024*1024), st.Files)
	assert.Equal(t, st.Files, st.Ffree)
	assert.Equal(t, uint32(255), st.NameMax)
}

func TestBackendDown(t *testing.T) {
	t.Parallel()
	e := testFS(t)
	ctx := context.Background()
	_, err := e.fs.Create(ctx, "/f", 0644)
	require.NoError(t, err)

	e.mr.Close()

	_, err = e.fs.GetAttr(ctx, "/f")
	assert.Equal(t, EIO, err)
	_, err = e.fs.Create(ctx, "/g", 0644)
	assert.Equal(t, EIO, err)
	_, err = e.fs.ReadDir(ctx, "/")
	assert.Equal(t, EIO, err)
}

func TestIsWithin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p, dir string
		want   bool
	}{
		{"/a/b", "/a", true},
		{"/a", "/a", false},
		{"/ab", "/a", false},
		{"/a//b/", "/a/", true},
		{"/x", "/a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isWithin(tt.p, tt.dir), "%q within %q", tt.p, tt.dir)
	}
}
