// Package catalogmgr implements the CatalogManager: the owner of the root
// and all attached nested catalogs, the inode-range allocator, and the
// two-phase remount protocol (spec §4.3).
package catalogmgr

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bbockelm/cvmfs/internal/catalog"
	"github.com/bbockelm/cvmfs/internal/catalogdb"
	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
	"github.com/bbockelm/cvmfs/internal/external"
	"github.com/bbockelm/cvmfs/internal/metacache"
)

// LookupMode selects how much work LookupPath does beyond finding the
// entry: Sole returns just the entry, Full additionally resolves and
// attaches any nested catalogs along the path (spec §4.3).
type LookupMode int

const (
	Sole LookupMode = iota
	Full
)

// Fetcher downloads a catalog file by content hash into the local object
// store and returns its path on disk, ready to be opened with
// catalogdb/catalog. Grounded on the external.Downloader contract; the
// concrete implementation is the TieredCache's upper-layer populate path.
type Fetcher interface {
	FetchCatalog(ctx context.Context, contentHash string) (string, error)
}

// Config configures a CatalogManager.
type Config struct {
	Downloader        external.Downloader
	SignatureVerifier external.SignatureVerifier
	Fetcher           Fetcher
	ServerURL         string
	Logger            *logrus.Entry

	// InitialInodeRangeSize bounds how large a fresh catalog's inode
	// range is, beyond its own max_rowid+1, to leave room for growth
	// between remounts without reallocating.
	InitialInodeRangeSize uint64

	// MaxRetries, BackoffInitMs and BackoffMaxMs bound the retry policy
	// around manifest downloads and catalog fetches, matching
	// CVMFS_MAX_RETRIES/CVMFS_BACKOFF_INIT/CVMFS_BACKOFF_MAX.
	MaxRetries    int
	BackoffInitMs int
	BackoffMaxMs  int
}

// inodeGeneration tracks the allocator's monotonic state across remounts,
// per the hot-reload "InodeGeneration" state tag (spec §6).
type inodeGeneration struct {
	incarnation       string
	initialRevision   uint64
	inodeGeneration   uint64
}

// Manager is the CatalogManager.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	root        *catalog.Catalog
	rootHash    string
	nextInode   uint64
	gen         inodeGeneration
	offline     bool
	numCatalogs int

	// attachMu serializes nested-catalog attaches.
	attachMu sync.Mutex

	inodeGauge atomic.Int64
}

// New constructs a Manager. Call Init or InitFixed before use.
func New(cfg Config) *Manager {
	if cfg.InitialInodeRangeSize == 0 {
		cfg.InitialInodeRangeSize = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffInitMs <= 0 {
		cfg.BackoffInitMs = 2000
	}
	if cfg.BackoffMaxMs <= 0 {
		cfg.BackoffMaxMs = 10000
	}
	return &Manager{
		cfg:       cfg,
		nextInode: 1,
		gen:       inodeGeneration{incarnation: uuid.NewString()},
	}
}

// Init loads the manifest for ServerURL, verifies its signature, and
// attaches the advertised root catalog.
func (m *Manager) Init(ctx context.Context) error {
	manifest, err := m.fetchManifest(ctx)
	if err != nil {
		return err
	}
	return m.attachRoot(ctx, manifest.RootHash, manifest.Revision)
}

// InitFixed attaches a specific root catalog by content hash, bypassing
// manifest fetch/verification — used for pinned/offline mounts.
func (m *Manager) InitFixed(ctx context.Context, rootHash string) error {
	return m.attachRoot(ctx, rootHash, 0)
}

func (m *Manager) fetchManifest(ctx context.Context) (*external.Manifest, error) {
	tmp, err := os.CreateTemp("", "cvmfs-manifest-*")
	if err != nil {
		return nil, cvmfserrors.Wrap("Manager.fetchManifest", cvmfserrors.IO, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := m.downloadManifest(ctx, m.cfg.ServerURL+"/.cvmfspublished", tmp.Name()); err != nil {
		m.mu.Lock()
		m.offline = true
		m.mu.Unlock()
		return nil, cvmfserrors.Wrap("Manager.fetchManifest", cvmfserrors.IO, err)
	}

	raw, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, cvmfserrors.Wrap("Manager.fetchManifest", cvmfserrors.IO, err)
	}
	manifest, err := m.cfg.SignatureVerifier.Verify(ctx, raw)
	if err != nil {
		return nil, cvmfserrors.Wrap("Manager.fetchManifest", cvmfserrors.IO, err)
	}

	m.mu.Lock()
	m.offline = false
	m.mu.Unlock()
	return manifest, nil
}

func (m *Manager) attachRoot(ctx context.Context, rootHash string, revision uint64) error {
	path, err := m.fetchCatalog(ctx, rootHash)
	if err != nil {
		return cvmfserrors.Wrap("Manager.attachRoot", cvmfserrors.IO, err)
	}

	root := catalog.New("/", rootHash, nil)
	rng, err := m.allocateRange(path)
	if err != nil {
		return err
	}
	if err := root.OpenDatabase(path, rng); err != nil {
		return err
	}

	m.mu.Lock()
	m.root = root
	m.rootHash = rootHash
	m.numCatalogs = 1
	m.gen.initialRevision = revision
	m.mu.Unlock()

	m.cfg.Logger.WithField("component", "catalogmgr").
		WithFields(logrus.Fields{"root_hash": rootHash, "revision": revision}).
		Info("attached root catalog")
	return nil
}

// allocateRange hands out the next inode range, sized to cover the
// catalog's own max_rowid with headroom, per spec §4.3's allocator.
func (m *Manager) allocateRange(dbPath string) (catalog.InodeRange, error) {
	db, err := catalogdb.Open(dbPath)
	if err != nil {
		return catalog.InodeRange{}, cvmfserrors.Wrap("Manager.allocateRange", cvmfserrors.IO, err)
	}
	maxRowID, err := db.MaxRowID()
	db.Close()
	if err != nil {
		return catalog.InodeRange{}, cvmfserrors.Wrap("Manager.allocateRange", cvmfserrors.IO, err)
	}

	size := uint64(maxRowID) + 1
	if size < m.cfg.InitialInodeRangeSize {
		size = m.cfg.InitialInodeRangeSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	lo := m.nextInode
	m.nextInode += size
	return catalog.InodeRange{Lo: lo, Hi: lo + size}, nil
}

// GetRootInode returns the inode assigned to the repository root.
func (m *Manager) GetRootInode() uint64 {
	m.mu.Lock()
	root := m.root
	m.mu.Unlock()
	if root == nil {
		return 0
	}
	entry, err := root.LookupPath(catalogdb.PathHash(metacache.HashPath("/")))
	if err != nil || entry == nil {
		return root.InodeRangeLo()
	}
	return entry.Inode
}

// GetRevision returns the root catalog's revision.
func (m *Manager) GetRevision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return 0
	}
	return m.root.Revision()
}

// GetRootHash returns the content hash of the currently mounted root.
func (m *Manager) GetRootHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootHash
}

// GetTTL returns the root catalog's TTL in seconds.
func (m *Manager) GetTTL() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return 0
	}
	return m.root.TTL()
}

// NumCatalogs returns the count of currently attached catalogs.
func (m *Manager) NumCatalogs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numCatalogs
}

// OfflineMode reports whether the last manifest fetch failed.
func (m *Manager) OfflineMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// InodeGauge returns the live count of inodes currently referenced by the
// kernel, as last stored through SetInodeGauge (zero until then); the
// manager itself does not track per-inode liveness.
func (m *Manager) InodeGauge() int64 {
	return m.inodeGauge.Load()
}

// SetInodeGauge updates the live-inode count reported by InodeGauge.
func (m *Manager) SetInodeGauge(n int64) {
	m.inodeGauge.Store(n)
}

// LookupPath resolves path starting from the root, attaching nested
// catalogs on demand (spec §4.3). Attachment is idempotent: concurrent
// lookups racing to attach the same nested catalog converge on one
// catalog, because attachNestedIfNeeded holds attachMu across both the
// already-attached check and the attach itself.
func (m *Manager) LookupPath(ctx context.Context, path string, mode LookupMode) (*metacache.DirectoryEntry, error) {
	m.mu.Lock()
	current := m.root
	m.mu.Unlock()
	if current == nil {
		return nil, cvmfserrors.New("Manager.LookupPath", cvmfserrors.IO)
	}

	for {
		if child, ok := current.FindSubtree(path); ok {
			current = child
			continue
		}

		if mode == Full {
			attached, err := m.attachNestedIfNeeded(ctx, current, path)
			if err != nil {
				return nil, err
			}
			if attached != nil {
				current = attached
				continue
			}
		}
		break
	}

	hash := catalogdb.PathHash(metacache.HashPath(path))
	return current.LookupPath(hash)
}

// attachNestedIfNeeded checks current's nested-catalog list for an entry
// whose mountpoint is a prefix of path and that is not yet attached as a
// child; if found, fetches and attaches it.
func (m *Manager) attachNestedIfNeeded(ctx context.Context, current *catalog.Catalog, path string) (*catalog.Catalog, error) {
	m.attachMu.Lock()
	defer m.attachMu.Unlock()

	refs, err := current.ListNested()
	if err != nil {
		return nil, err
	}

	var best *catalogdb.NestedRef
	for i := range refs {
		ref := refs[i]
		if ref.Mountpoint == current.RootPath() {
			continue
		}
		if !strings.HasPrefix(path, ref.Mountpoint) {
			continue
		}
		if best == nil || len(ref.Mountpoint) > len(best.Mountpoint) {
			best = &refs[i]
		}
	}
	if best == nil {
		return nil, nil
	}
	if _, ok := current.FindChild(best.Mountpoint); ok {
		return nil, nil
	}

	dbPath, err := m.fetchCatalog(ctx, best.ContentHash)
	if err != nil {
		return nil, cvmfserrors.Wrap("Manager.attachNestedIfNeeded", cvmfserrors.IO, err)
	}

	rng, err := m.allocateRange(dbPath)
	if err != nil {
		return nil, err
	}

	child := catalog.New(best.Mountpoint, best.ContentHash, current)
	if err := child.OpenDatabase(dbPath, rng); err != nil {
		// Prefer an already attached child, if there is one, over
		// surfacing the error.
		if existing, ok := current.FindChild(best.Mountpoint); ok {
			return existing, nil
		}
		return nil, err
	}

	m.mu.Lock()
	m.numCatalogs++
	m.mu.Unlock()

	return child, nil
}

// Listing returns every DirectoryEntry in path, which must name a
// directory.
func (m *Manager) Listing(ctx context.Context, path string) ([]metacache.DirectoryEntry, error) {
	entry, err := m.LookupPath(ctx, path, Full)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	owner := m.catalogOwning(path)
	if owner == nil {
		return nil, cvmfserrors.New("Manager.Listing", cvmfserrors.IO)
	}
	return owner.List(catalogdb.PathHash(metacache.HashPath(path)))
}

// ListingStat is the stat-only projection of Listing.
func (m *Manager) ListingStat(ctx context.Context, path string) ([]catalog.StatEntry, error) {
	owner := m.catalogOwning(path)
	if owner == nil {
		return nil, cvmfserrors.New("Manager.ListingStat", cvmfserrors.IO)
	}
	return owner.ListStat(catalogdb.PathHash(metacache.HashPath(path)))
}

// ListChunks returns the chunk table for a chunked regular file at path.
func (m *Manager) ListChunks(ctx context.Context, path string) ([]catalogdb.FileChunk, error) {
	owner := m.catalogOwning(path)
	if owner == nil {
		return nil, cvmfserrors.New("Manager.ListChunks", cvmfserrors.IO)
	}
	return owner.ListChunks(catalogdb.PathHash(metacache.HashPath(path)))
}

func (m *Manager) catalogOwning(path string) *catalog.Catalog {
	m.mu.Lock()
	current := m.root
	m.mu.Unlock()
	if current == nil {
		return nil
	}
	for {
		if child, ok := current.FindSubtree(path); ok {
			current = child
			continue
		}
		return current
	}
}

// Remount implements the two-phase remount protocol (spec §4.3). The
// caller (commands.remountOnce) is responsible for driving drainout between
// a dry-run NewManifest result and the real swap: this method performs exactly one phase
// per call.
func (m *Manager) Remount(ctx context.Context, dryRun bool) (cvmfserrors.LoadOutcome, error) {
	manifest, err := m.fetchManifest(ctx)
	if err != nil {
		return cvmfserrors.Fail, nil
	}

	m.mu.Lock()
	current := m.rootHash
	m.mu.Unlock()

	if manifest.RootHash == current {
		return cvmfserrors.Up2Date, nil
	}
	if dryRun {
		return cvmfserrors.NewManifest, nil
	}

	oldRoot := m.detachAll()
	if err := m.attachRoot(ctx, manifest.RootHash, manifest.Revision); err != nil {
		// Reload failed: restore the previous root so readers are
		// unaffected, per spec §7's "remount failures never propagate".
		m.mu.Lock()
		m.root = oldRoot
		m.mu.Unlock()
		return cvmfserrors.Fail, nil
	}

	m.mu.Lock()
	m.gen.inodeGeneration++
	m.mu.Unlock()
	return cvmfserrors.NewManifest, nil
}

func (m *Manager) detachAll() *catalog.Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.root
	m.root = nil
	m.numCatalogs = 0
	return old
}

// SaveInodeGeneration serializes the allocator's generation state for
// hot-reload (spec §6 "InodeGeneration" tag).
func (m *Manager) SaveInodeGeneration() (incarnation string, initialRevision, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen.incarnation, m.gen.initialRevision, m.gen.inodeGeneration
}

// RestoreInodeGeneration raises the allocator's generation counter to a
// previously saved value when that value is higher (it never lowers it),
// so newly minted inodes cannot collide with ones the kernel still
// references across a hot reload.
func (m *Manager) RestoreInodeGeneration(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if generation > m.gen.inodeGeneration {
		m.gen.inodeGeneration = generation
	}
}

