package commands

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bbockelm/cvmfs/internal/catalogmgr"
	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
	"github.com/bbockelm/cvmfs/internal/external"
	"github.com/bbockelm/cvmfs/internal/fence"
	"github.com/bbockelm/cvmfs/internal/metacache"
)

const remountTestSchemaDDL = `
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

func buildRemountTestCatalog(t *testing.T, fileName string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), fileName)

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 1})
	require.NoError(t, err)
	defer pool.Close()
	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	require.NoError(t, sqlitex.ExecuteScript(conn, remountTestSchemaDDL, nil))

	h := metacache.HashPath("/")
	err = sqlitex.Execute(conn,
		"INSERT INTO catalog (path_hash, parent_hash, name, mode, uid, gid, size, mtime, symlink, content_hash, flags, hardlink_group) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)",
		&sqlitex.ExecOptions{Args: []any{h[:], h[:], "", int64(0755), 0, 0, 0, time.Now().Unix(), "", "", int64(8), 0}})
	require.NoError(t, err)
	return path
}

type remountFakeFetcher struct {
	byHash map[string]string
}

func (f *remountFakeFetcher) FetchCatalog(ctx context.Context, contentHash string) (string, error) {
	return f.byHash[contentHash], nil
}

type remountFakeDownloader struct{}

func (remountFakeDownloader) Download(ctx context.Context, rawURL, destPath string) error {
	return os.WriteFile(destPath, []byte("unused"), 0o644)
}

type remountFakeVerifier struct {
	manifest *external.Manifest
}

func (v remountFakeVerifier) Verify(ctx context.Context, raw []byte) (*external.Manifest, error) {
	return v.manifest, nil
}

// TestRemountOnceUnderConcurrentReadersNeverErrors covers spec §8 scenario 4
// ("Remount under load"): concurrent readers calling LookupPath through the
// fence must never observe an error while remountOnce swaps in a new
// catalog revision, and every inode the old root held stays resolvable
// (path "/" resolves both before and after the swap, since it exists in
// both catalog revisions).
func TestRemountOnceUnderConcurrentReadersNeverErrors(t *testing.T) {
	rootV1 := buildRemountTestCatalog(t, "root1.db")
	rootV2 := buildRemountTestCatalog(t, "root2.db")

	fetcher := &remountFakeFetcher{byHash: map[string]string{
		"roothash-v1": rootV1,
		"roothash-v2": rootV2,
	}}

	mgr := catalogmgr.New(catalogmgr.Config{
		Fetcher:           fetcher,
		Downloader:        remountFakeDownloader{},
		SignatureVerifier: remountFakeVerifier{manifest: &external.Manifest{RootHash: "roothash-v2", Revision: 2}},
	})
	require.NoError(t, mgr.InitFixed(context.Background(), "roothash-v1"))

	f := fence.New()
	caches := metacache.New(metacache.Config{})
	logger := logrus.NewEntry(logrus.New())

	stop := make(chan struct{})
	var readerErrors atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f.Enter()
				entry, err := mgr.LookupPath(context.Background(), "/", catalogmgr.Sole)
				if err != nil || entry == nil {
					readerErrors.Add(1)
				}
				f.Leave()
			}
		}()
	}

	outcome := remountOnce(context.Background(), logger, mgr, f, caches)

	close(stop)
	wg.Wait()

	require.Equal(t, cvmfserrors.NewManifest, outcome)
	require.Zero(t, readerErrors.Load(), "no call to LookupPath should error during the swap")
	require.Equal(t, "roothash-v2", mgr.GetRootHash())

	entry, err := mgr.LookupPath(context.Background(), "/", catalogmgr.Sole)
	require.NoError(t, err)
	require.NotNil(t, entry, "root path must remain resolvable after the swap")
}

// TestRemountOnceUpToDateLeavesCachesRunning covers the no-op path: when
// the manifest matches the mounted root, remountOnce must not pause or
// drop the meta-caches at all.
func TestRemountOnceUpToDateLeavesCachesRunning(t *testing.T) {
	rootV1 := buildRemountTestCatalog(t, "root1.db")
	fetcher := &remountFakeFetcher{byHash: map[string]string{"roothash-v1": rootV1}}

	mgr := catalogmgr.New(catalogmgr.Config{
		Fetcher:           fetcher,
		Downloader:        remountFakeDownloader{},
		SignatureVerifier: remountFakeVerifier{manifest: &external.Manifest{RootHash: "roothash-v1", Revision: 1}},
	})
	require.NoError(t, mgr.InitFixed(context.Background(), "roothash-v1"))

	f := fence.New()
	caches := metacache.New(metacache.Config{})
	logger := logrus.NewEntry(logrus.New())

	caches.Md5Paths.Insert([16]byte{0x01}, metacache.DirectoryEntry{Inode: 2})

	outcome := remountOnce(context.Background(), logger, mgr, f, caches)
	require.Equal(t, cvmfserrors.Up2Date, outcome)
	require.False(t, f.Blocking())

	_, result := caches.Md5Paths.Lookup([16]byte{0x01})
	require.Equal(t, metacache.Positive, result)
}
