package fsops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bbockelm/cvmfs/internal/catalogmgr"
	"github.com/bbockelm/cvmfs/internal/chunked"
	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
	"github.com/bbockelm/cvmfs/internal/fence"
	"github.com/bbockelm/cvmfs/internal/inodetracker"
	"github.com/bbockelm/cvmfs/internal/metacache"
	"github.com/bbockelm/cvmfs/internal/tieredcache"
)

// fuseAvailable skips the calling test when /dev/fuse is not accessible,
// matching how a real mount-backed FUSE test must behave in a sandboxed
// environment.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

const testDDL = `
CREATE TABLE catalog (
	rowid          INTEGER PRIMARY KEY,
	path_hash      BLOB NOT NULL,
	parent_hash    BLOB NOT NULL,
	name           TEXT NOT NULL,
	mode           INTEGER NOT NULL,
	uid            INTEGER NOT NULL,
	gid            INTEGER NOT NULL,
	size           INTEGER NOT NULL,
	mtime          INTEGER NOT NULL,
	symlink        TEXT NOT NULL DEFAULT '',
	content_hash   TEXT NOT NULL DEFAULT '',
	flags          INTEGER NOT NULL DEFAULT 0,
	hardlink_group INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE properties (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE nested_catalogs (mountpoint TEXT PRIMARY KEY, content_hash TEXT NOT NULL);
CREATE TABLE chunks (path_hash BLOB NOT NULL, chunk_index INTEGER NOT NULL, offset INTEGER NOT NULL, size INTEGER NOT NULL, content_hash TEXT NOT NULL, PRIMARY KEY (path_hash, chunk_index));
`

type testRow struct {
	path        string
	parent      string
	mode        uint32
	contentHash string
	flags       int64
	size        int64
}

type testChunk struct {
	hash   string
	offset int64
	size   int64
}

// buildCatalog mirrors catalogmgr's own test helper: rows keyed by MD5 path
// hash exactly as Manager.LookupPath computes it.
func buildCatalog(t *testing.T, name string, rows []testRow, chunksByPath map[string][]testChunk) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), name)

	pool, err := sqlitex.NewPool(dbPath, sqlitex.PoolOptions{PoolSize: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, testDDL, nil); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}

	for _, r := range rows {
		h := metacache.HashPath(r.path)
		ph := metacache.HashPath(r.parent)
		err := sqlitex.Execute(conn,
			"INSERT INTO catalog (path_hash, parent_hash, name, mode, uid, gid, size, mtime, symlink, content_hash, flags, hardlink_group) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)",
			&sqlitex.ExecOptions{Args: []any{h[:], ph[:], filepath.Base(r.path), int64(r.mode), 0, 0, r.size, time.Now().Unix(), "", r.contentHash, r.flags, 0}})
		if err != nil {
			t.Fatalf("insert %s: %v", r.path, err)
		}
		for i, c := range chunksByPath[r.path] {
			err := sqlitex.Execute(conn,
				"INSERT INTO chunks (path_hash, chunk_index, offset, size, content_hash) VALUES (?,?,?,?,?)",
				&sqlitex.ExecOptions{Args: []any{h[:], i, c.offset, c.size, c.hash}})
			if err != nil {
				t.Fatalf("insert chunk %s: %v", r.path, err)
			}
		}
	}
	return dbPath
}

type fakeFetcher struct{ byHash map[string]string }

func (f *fakeFetcher) FetchCatalog(ctx context.Context, contentHash string) (string, error) {
	return f.byHash[contentHash], nil
}

// memFd/memTxn/fakeLayer duplicate tieredcache's own unexported test
// doubles, since that package's fakes are not exported for reuse.
type memFd struct{ data []byte }

func (f *memFd) Pread(buf []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(buf, f.data[off:]), nil
}
func (f *memFd) Size() (int64, error) { return int64(len(f.data)), nil }
func (f *memFd) Close() error         { return nil }

type memTxn struct{ buf []byte }

func (t *memTxn) Write(p []byte) (int, error) { t.buf = append(t.buf, p...); return len(p), nil }

type fakeLayer struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failOpen bool
}

func newFakeLayer() *fakeLayer { return &fakeLayer{objects: make(map[string][]byte)} }

func (l *fakeLayer) Open(ctx context.Context, id string) (tieredcache.Fd, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failOpen {
		return nil, cvmfserrors.New("fakeLayer.Open", cvmfserrors.IO)
	}
	data, ok := l.objects[id]
	if !ok {
		return nil, cvmfserrors.New("fakeLayer.Open", cvmfserrors.NotFound)
	}
	return &memFd{data: data}, nil
}

func (l *fakeLayer) StartTxn(ctx context.Context, id string, size int64) (tieredcache.Txn, error) {
	return &memTxn{}, nil
}

func (l *fakeLayer) CommitTxn(ctx context.Context, id string, txn tieredcache.Txn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[id] = txn.(*memTxn).buf
	return nil
}

func (l *fakeLayer) AbortTxn(ctx context.Context, txn tieredcache.Txn) error { return nil }

func (l *fakeLayer) GetSize(ctx context.Context, id string) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.objects[id]
	if !ok {
		return 0, false, nil
	}
	return int64(len(data)), true, nil
}

func (l *fakeLayer) ReadOnly() bool { return false }

type fakeQuota struct{ used, limit int64 }

func (q *fakeQuota) Insert(hash string, size int64) error { return nil }
func (q *fakeQuota) Touch(hash string)                    {}
func (q *fakeQuota) Remove(hash string)                   {}
func (q *fakeQuota) Capacity() (int64, int64)             { return q.used, q.limit }

// testMount builds a two-level tree ("/", "/dir", "/dir/file.txt" plain,
// "/dir/chunked.bin" two chunks) over fake cache layers and mounts it at a
// temporary mountpoint, returning the mountpoint and the live RootData for
// assertions against internal counters.
func testMount(t *testing.T) (mountpoint string, data *RootData, upper, lower *fakeLayer) {
	t.Helper()
	fuseAvailable(t)

	rows := []testRow{
		{path: "/", parent: "/", mode: unix.S_IFDIR | 0755},
		{path: "/dir", parent: "/", mode: unix.S_IFDIR | 0755},
		{path: "/dir/file.txt", parent: "/dir", mode: unix.S_IFREG | 0644, contentHash: "filehash", size: 5},
		{path: "/dir/chunked.bin", parent: "/dir", mode: unix.S_IFREG | 0644, flags: 2, size: 20},
	}
	chunksByPath := map[string][]testChunk{
		"/dir/chunked.bin": {
			{hash: "chunk0", offset: 0, size: 10},
			{hash: "chunk1", offset: 10, size: 10},
		},
	}
	rootPath := buildCatalog(t, "root.db", rows, chunksByPath)
	fetcher := &fakeFetcher{byHash: map[string]string{"roothash": rootPath}}

	mgr := catalogmgr.New(catalogmgr.Config{Fetcher: fetcher})
	if err := mgr.InitFixed(context.Background(), "roothash"); err != nil {
		t.Fatalf("InitFixed: %v", err)
	}

	upper = newFakeLayer()
	lower = newFakeLayer()
	upper.objects["filehash"] = []byte("hello")
	upper.objects["chunk0"] = []byte("0123456789")
	upper.objects["chunk1"] = []byte("abcdefghij")

	cache := tieredcache.New(upper, lower, nil)
	chunkedReader := chunked.New(cache)
	caches := metacache.New(metacache.Config{})
	f := fence.New()
	tracker := inodetracker.New()

	data = NewRootData(mgr, caches, f, cache, chunkedReader, tracker, &fakeQuota{limit: 1 << 20}, Options{
		MaxOpenFiles: 4,
		ReservedFd:   1,
		Fqrn:         "test.repo",
	})

	root, err := NewRoot(context.Background(), data)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	mountpoint = t.TempDir()
	server, err := fs.Mount(mountpoint, root, &fs.Options{})
	if err != nil {
		t.Fatalf("fs.Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint, data, upper, lower
}

func TestMountListsRootAndDirEntries(t *testing.T) {
	mnt, _, _, _ := testMount(t)

	rootEntries, err := os.ReadDir(mnt)
	if err != nil {
		t.Fatalf("ReadDir(root): %v", err)
	}
	if len(rootEntries) != 1 || rootEntries[0].Name() != "dir" {
		t.Fatalf("root entries = %v, want [dir]", rootEntries)
	}

	dirEntries, err := os.ReadDir(filepath.Join(mnt, "dir"))
	if err != nil {
		t.Fatalf("ReadDir(dir): %v", err)
	}
	names := make([]string, len(dirEntries))
	for i, e := range dirEntries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "chunked.bin" || names[1] != "file.txt" {
		t.Fatalf("dir entries = %v, want [chunked.bin file.txt]", names)
	}
}

func TestMountLookupMissingNameIsNotExist(t *testing.T) {
	mnt, _, _, _ := testMount(t)

	_, err := os.Stat(filepath.Join(mnt, "dir", "does-not-exist"))
	if !os.IsNotExist(err) {
		t.Fatalf("Stat missing name err = %v, want IsNotExist", err)
	}
}

func TestMountReadRegularFile(t *testing.T) {
	mnt, data, _, _ := testMount(t)

	content, err := os.ReadFile(filepath.Join(mnt, "dir", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello" {
		t.Fatalf("content = %q, want hello", content)
	}
	if data.nopen.Load() == 0 {
		t.Fatal("expected nopen to advance after a regular-file open")
	}
}

func TestMountReadChunkedFileAcrossBoundary(t *testing.T) {
	mnt, _, _, _ := testMount(t)

	content, err := os.ReadFile(filepath.Join(mnt, "dir", "chunked.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "0123456789abcdefghij" {
		t.Fatalf("content = %q, want the concatenation of both chunks", content)
	}
}

func TestMountGetxattrKnownAndUnknown(t *testing.T) {
	mnt, _, _, _ := testMount(t)
	path := filepath.Join(mnt, "dir", "file.txt")

	buf := make([]byte, 64)
	n, err := unix.Getxattr(path, "user.fqrn", buf)
	if err != nil {
		t.Fatalf("Getxattr(user.fqrn): %v", err)
	}
	if string(buf[:n]) != "test.repo" {
		t.Fatalf("fqrn = %q, want test.repo", buf[:n])
	}

	n, err = unix.Getxattr(path, "user.hash", buf)
	if err != nil {
		t.Fatalf("Getxattr(user.hash): %v", err)
	}
	if string(buf[:n]) != "filehash" {
		t.Fatalf("hash = %q, want filehash", buf[:n])
	}

	_, err = unix.Getxattr(path, "user.nosuchattr", buf)
	if err != unix.ENODATA {
		t.Fatalf("Getxattr(unknown) err = %v, want ENODATA", err)
	}
}

func TestMountListxattrOmitsHashForDirectories(t *testing.T) {
	mnt, _, _, _ := testMount(t)

	buf := make([]byte, 1024)
	n, err := unix.Listxattr(filepath.Join(mnt, "dir"), buf)
	if err != nil {
		t.Fatalf("Listxattr(dir): %v", err)
	}
	if containsName(buf[:n], "user.hash") {
		t.Fatal("did not expect user.hash on a directory")
	}

	n, err = unix.Listxattr(filepath.Join(mnt, "dir", "file.txt"), buf)
	if err != nil {
		t.Fatalf("Listxattr(file): %v", err)
	}
	if !containsName(buf[:n], "user.hash") {
		t.Fatal("expected user.hash on a file with a content hash")
	}
}

func containsName(buf []byte, name string) bool {
	start := 0
	for i, b := range buf {
		if b == 0 {
			if string(buf[start:i]) == name {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// TestMountOpenFileExhaustionReturnsEMFILE covers the open-fd exhaustion
// scenario (spec §8): once openFiles reaches MaxOpenFiles-ReservedFd, a
// further regular-file open is rejected with EMFILE rather than blocking
// or evicting an existing handle.
func TestMountOpenFileExhaustionReturnsEMFILE(t *testing.T) {
	mnt, data, _, _ := testMount(t)

	limit := int(data.opts.MaxOpenFiles - data.opts.ReservedFd)
	var handles []*os.File
	t.Cleanup(func() {
		for _, f := range handles {
			f.Close()
		}
	})

	for i := 0; i < limit; i++ {
		f, err := os.Open(filepath.Join(mnt, "dir", "file.txt"))
		if err != nil {
			t.Fatalf("open %d/%d: %v", i+1, limit, err)
		}
		handles = append(handles, f)
	}

	_, err := os.Open(filepath.Join(mnt, "dir", "file.txt"))
	if !errors.Is(err, syscall.EMFILE) {
		t.Fatalf("open past the limit err = %v, want EMFILE", err)
	}
}

// TestMountGetattrFallsBackToCatalogManagerAfterCacheDrop covers spec
// §4.9's "getattr, readlink: meta-cache lookup first, fall back to
// CatalogManager": once a remount drain has dropped the inode/path caches,
// a subsequent stat on an already-looked-up file must still resolve by
// going back to the CatalogManager, not fail or serve stale zero data.
func TestMountGetattrFallsBackToCatalogManagerAfterCacheDrop(t *testing.T) {
	mnt, data, _, _ := testMount(t)
	path := filepath.Join(mnt, "dir", "file.txt")

	var before syscall.Stat_t
	if err := syscall.Stat(path, &before); err != nil {
		t.Fatalf("first Stat: %v", err)
	}

	data.Caches.PauseAll()
	data.Caches.DropAll()
	data.Caches.ResumeAll()

	var after syscall.Stat_t
	if err := syscall.Stat(path, &after); err != nil {
		t.Fatalf("Stat after cache drop: %v", err)
	}
	if after.Ino != before.Ino || after.Size != before.Size {
		t.Fatalf("Stat after drop = %+v, want same inode/size as before drop %+v", after, before)
	}
}

func TestMountCacheMissSurfacesIOError(t *testing.T) {
	mnt, _, upper, lower := testMount(t)

	delete(upper.objects, "filehash")
	lower.failOpen = true

	start := time.Now()
	_, err := os.ReadFile(filepath.Join(mnt, "dir", "file.txt"))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a read error on a full cache miss")
	}
	if elapsed < dosMinStart {
		t.Fatalf("read returned after %v, want at least the dosMinStart backoff sleep", elapsed)
	}
}
