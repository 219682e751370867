// Package catalog implements the attached-catalog tree: one Catalog per
// mounted catalog file, each owning a CatalogDb handle, an inode range,
// and a set of immediate children (spec §4.2, §3 Catalog/CatalogTree).
package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bbockelm/cvmfs/internal/catalogdb"
	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
	"github.com/bbockelm/cvmfs/internal/metacache"
)

// StatEntry is the lightweight projection of a DirectoryEntry used by
// list_stat, where only the entry's identity and stat-relevant fields are
// needed (no symlink target, no content hash).
type StatEntry struct {
	Inode uint64
	Name  string
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
}

// Catalog is one attached catalog file: root_path, content hash, parent
// link, children map, db handle, inode range, hardlink-group memoization,
// and per-catalog lock, per spec §3.
type Catalog struct {
	mu sync.Mutex

	rootPath    string
	contentHash string
	parent      *Catalog
	children    map[string]*Catalog

	db         *catalogdb.Db
	inodeRange InodeRange

	hardlinkGroups map[uint32]uint64

	annotation InodeAnnotation
	uidMap     map[uint32]uint32
	gidMap     map[uint32]uint32

	nestedCache []catalogdb.NestedRef
	nestedOnce  bool

	initialized bool
}

// New constructs an uninitialized Catalog. Call OpenDatabase or
// InitStandalone before using it.
func New(rootPath, contentHash string, parent *Catalog) *Catalog {
	return &Catalog{
		rootPath:       rootPath,
		contentHash:    contentHash,
		parent:         parent,
		children:       make(map[string]*Catalog),
		hardlinkGroups: make(map[uint32]uint64),
		annotation:     identityAnnotation{},
	}
}

// OpenDatabase opens the backing CatalogDb at filePath, assigns the given
// inode range, and — if this is not the root catalog — registers itself
// with its parent via parent.AddChild. initialized is set exactly once,
// before the catalog is returned to the caller (spec §3 invariant).
func (c *Catalog) OpenDatabase(filePath string, inodeRange InodeRange) error {
	db, err := catalogdb.Open(filePath)
	if err != nil {
		return cvmfserrors.Wrap("Catalog.OpenDatabase", cvmfserrors.IO, err)
	}

	c.mu.Lock()
	c.db = db
	c.inodeRange = inodeRange
	c.initialized = true
	c.mu.Unlock()

	if c.parent != nil {
		c.parent.AddChild(c)
	}
	return nil
}

// InitStandalone opens filePath with a dummy inode range: no mangling is
// performed, used for diagnostic tooling that inspects a catalog outside
// of a live mount.
func (c *Catalog) InitStandalone(filePath string) error {
	return c.OpenDatabase(filePath, InodeRange{Dummy: true})
}

// IsRoot reports whether this catalog has no parent.
func (c *Catalog) IsRoot() bool { return c.parent == nil }

// InodeRangeLo returns the lower bound of this catalog's inode range,
// used as a fallback root inode when the root row itself cannot be
// looked up (e.g. before the first entry is inserted).
func (c *Catalog) InodeRangeLo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inodeRange.Lo
}

// RootPath returns the in-repository path this catalog is mounted at.
func (c *Catalog) RootPath() string { return c.rootPath }

// ContentHash returns the content hash of the catalog file itself.
func (c *Catalog) ContentHash() string { return c.contentHash }

// SetInodeAnnotation installs an InodeAnnotation. Must be called at most
// once; a second call with a different annotation panics, matching the
// source's own assertion that annotations are never swapped out from
// under a live catalog.
func (c *Catalog) SetInodeAnnotation(a InodeAnnotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.annotation.(identityAnnotation); !ok && c.annotation != a {
		panic("catalog: inode annotation already set")
	}
	c.annotation = a
}

// SetOwnerMaps installs uid/gid remapping tables. Empty maps are treated
// as absent (no remapping).
func (c *Catalog) SetOwnerMaps(uidMap, gidMap map[uint32]uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(uidMap) > 0 {
		c.uidMap = uidMap
	}
	if len(gidMap) > 0 {
		c.gidMap = gidMap
	}
}

func (c *Catalog) mapOwner(uid, gid uint32) (uint32, uint32) {
	if v, ok := c.uidMap[uid]; ok {
		uid = v
	}
	if v, ok := c.gidMap[gid]; ok {
		gid = v
	}
	return uid, gid
}

// mangleLocked computes the process-wide inode for a row, memoizing
// hardlink-group-first-observed inodes and applying any InodeAnnotation.
// Must be called with c.mu held.
func (c *Catalog) mangleLocked(rowID int64, hardlinkGroup uint32) uint64 {
	inode := c.inodeRange.Mangle(rowID)

	if hardlinkGroup > 0 {
		if existing, ok := c.hardlinkGroups[hardlinkGroup]; ok {
			inode = existing
		} else {
			c.hardlinkGroups[hardlinkGroup] = inode
		}
	}

	return c.annotation.Annotate(inode)
}

// rowIDFromInode reverses mangling: strip the annotation, then subtract
// the inode-range offset.
func (c *Catalog) rowIDFromInode(inode uint64) int64 {
	stripped := c.annotation.Strip(inode)
	return c.inodeRange.Unmangle(stripped)
}

func (c *Catalog) toDirectoryEntry(row catalogdb.Row) metacache.DirectoryEntry {
	uid, gid := c.mapOwner(row.UID, row.GID)
	return metacache.DirectoryEntry{
		Inode:          c.mangleLocked(row.RowID, row.HardlinkGroup),
		ParentPathHash: row.ParentHash,
		Name:           row.Name,
		Mode:           row.Mode,
		UID:            uid,
		GID:            gid,
		Size:           row.Size,
		MTime:          row.MTime,
		SymlinkTarget:  row.Symlink,
		ContentHash:    row.ContentHash,
		HasChunks:      row.HasChunks,
		IsNestedRoot:   row.IsNestedRoot,
		HardlinkGroup:  row.HardlinkGroup,
	}
}

// LookupPath resolves a path hash to a DirectoryEntry, applying the
// transition-point fixup (spec §4.2) when the resolved entry is a
// nested-catalog root and this is not the root catalog.
func (c *Catalog) LookupPath(pathHash catalogdb.PathHash) (*metacache.DirectoryEntry, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	row, err := db.LookupByPathHash(pathHash)
	if err != nil {
		return nil, cvmfserrors.Wrap("Catalog.LookupPath", cvmfserrors.IO, err)
	}
	if row == nil {
		return nil, nil
	}

	c.mu.Lock()
	entry := c.toDirectoryEntry(*row)
	c.mu.Unlock()

	if entry.IsNestedRoot && !c.IsRoot() {
		parentEntry, err := c.parent.LookupPath(pathHash)
		if err != nil {
			return nil, err
		}
		if parentEntry == nil {
			return nil, cvmfserrors.New("Catalog.LookupPath", cvmfserrors.IO)
		}
		entry.Inode = parentEntry.Inode
	}

	return &entry, nil
}

// LookupInode maps a mangled inode back to its DirectoryEntry and the
// path hash of the entry's parent.
func (c *Catalog) LookupInode(inode uint64) (*metacache.DirectoryEntry, catalogdb.PathHash, error) {
	rowID := c.rowIDFromInode(inode)

	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	row, err := db.LookupByRowID(rowID)
	if err != nil {
		return nil, catalogdb.PathHash{}, cvmfserrors.Wrap("Catalog.LookupInode", cvmfserrors.IO, err)
	}
	if row == nil {
		return nil, catalogdb.PathHash{}, nil
	}

	c.mu.Lock()
	entry := c.toDirectoryEntry(*row)
	c.mu.Unlock()
	return &entry, row.ParentHash, nil
}

// List returns every child DirectoryEntry under parentHash.
func (c *Catalog) List(parentHash catalogdb.PathHash) ([]metacache.DirectoryEntry, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	rows, err := db.ListChildren(parentHash)
	if err != nil {
		return nil, cvmfserrors.Wrap("Catalog.List", cvmfserrors.IO, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]metacache.DirectoryEntry, len(rows))
	for i, row := range rows {
		out[i] = c.toDirectoryEntry(row)
	}
	return out, nil
}

// ListStat returns the lightweight stat-only projection of List.
func (c *Catalog) ListStat(parentHash catalogdb.PathHash) ([]StatEntry, error) {
	entries, err := c.List(parentHash)
	if err != nil {
		return nil, err
	}
	out := make([]StatEntry, len(entries))
	for i, e := range entries {
		out[i] = StatEntry{Inode: e.Inode, Name: e.Name, Mode: e.Mode, UID: e.UID, GID: e.GID, Size: e.Size}
	}
	return out, nil
}

// ListChunks returns the chunk list for a chunked file's path hash.
func (c *Catalog) ListChunks(pathHash catalogdb.PathHash) ([]catalogdb.FileChunk, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	chunks, err := db.ListChunks(pathHash)
	if err != nil {
		return nil, cvmfserrors.Wrap("Catalog.ListChunks", cvmfserrors.IO, err)
	}
	return chunks, nil
}

// ListNested returns this catalog's nested-catalog references. The list
// is computed once and cached — catalogs are read-only for their entire
// attached lifetime, so the underlying table never changes underneath us.
func (c *Catalog) ListNested() ([]catalogdb.NestedRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nestedOnce {
		return c.nestedCache, nil
	}

	refs, err := c.db.ListNested()
	if err != nil {
		return nil, cvmfserrors.Wrap("Catalog.ListNested", cvmfserrors.IO, err)
	}
	c.nestedCache = refs
	c.nestedOnce = true
	return refs, nil
}

// TTL returns the catalog's advertised time-to-live.
func (c *Catalog) TTL() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.db.TTL().Seconds())
}

// Revision returns the catalog's own revision number.
func (c *Catalog) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Revision()
}

// PreviousRevision returns the revision this catalog's content superseded.
func (c *Catalog) PreviousRevision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.PreviousRevision()
}

// NumEntries returns the total row count, derived from the cached counters.
func (c *Catalog) NumEntries() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.db.Counters()
	return counters.RegularFiles + counters.Directories + counters.Symlinks
}

// AddChild registers child as an immediate child of c, keyed by its
// root path.
func (c *Catalog) AddChild(child *Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[child.rootPath] = child
}

// RemoveChild deregisters a child previously added with AddChild.
func (c *Catalog) RemoveChild(rootPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.children, rootPath)
}

// FindChild returns the immediate child mounted at the given root path.
func (c *Catalog) FindChild(rootPath string) (*Catalog, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	child, ok := c.children[rootPath]
	return child, ok
}

// GetChildren returns a snapshot slice of all immediate children.
func (c *Catalog) GetChildren() []*Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Catalog, 0, len(c.children))
	for _, child := range c.children {
		out = append(out, child)
	}
	return out
}

// FindSubtree performs a longest-prefix match among immediate children:
// it walks path one "/"-delimited segment at a time from c.rootPath and
// returns the child whose root path equals the longest accumulated
// prefix (spec §4.2).
func (c *Catalog) FindSubtree(path string) (*Catalog, bool) {
	c.mu.Lock()
	children := make(map[string]*Catalog, len(c.children))
	for k, v := range c.children {
		children[k] = v
	}
	c.mu.Unlock()

	if !strings.HasPrefix(path, c.rootPath) {
		return nil, false
	}

	remainder := strings.TrimPrefix(path, c.rootPath)
	remainder = strings.TrimPrefix(remainder, "/")
	prefix := c.rootPath

	var best *Catalog
	for _, segment := range strings.Split(remainder, "/") {
		if segment == "" {
			continue
		}
		if prefix == "/" {
			prefix = "/" + segment
		} else {
			prefix = prefix + "/" + segment
		}
		if child, ok := children[prefix]; ok {
			best = child
		}
	}
	return best, best != nil
}

// Close releases the catalog's CatalogDb handle.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.rootPath, err)
	}
	return nil
}
