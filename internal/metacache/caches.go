package metacache

// InodeCache maps inode -> DirectoryEntry.
type InodeCache struct {
	c *boundedCache[uint64, DirectoryEntry]
}

func NewInodeCache(capacity int) *InodeCache {
	return &InodeCache{c: newBoundedCache[uint64, DirectoryEntry](capacity)}
}

func (c *InodeCache) Lookup(inode uint64) (DirectoryEntry, bool) { return c.c.lookup(inode) }
func (c *InodeCache) Insert(inode uint64, e DirectoryEntry) bool { return c.c.insert(inode, e) }
func (c *InodeCache) Drop()                                      { c.c.drop() }
func (c *InodeCache) Pause()                                      { c.c.pause() }
func (c *InodeCache) Resume()                                     { c.c.resume() }
func (c *InodeCache) Statistics() Stats                           { return c.c.statistics() }
func (c *InodeCache) EntrySize() int                              { return c.c.entrySize() }
func (c *InodeCache) Len() int                                    { return c.c.len() }

// PathCache maps inode -> path.
type PathCache struct {
	c *boundedCache[uint64, string]
}

func NewPathCache(capacity int) *PathCache {
	return &PathCache{c: newBoundedCache[uint64, string](capacity)}
}

func (c *PathCache) Lookup(inode uint64) (string, bool) { return c.c.lookup(inode) }
func (c *PathCache) Insert(inode uint64, path string) bool { return c.c.insert(inode, path) }
func (c *PathCache) Drop()                                  { c.c.drop() }
func (c *PathCache) Pause()                                 { c.c.pause() }
func (c *PathCache) Resume()                                { c.c.resume() }
func (c *PathCache) Statistics() Stats                       { return c.c.statistics() }
func (c *PathCache) EntrySize() int                          { return c.c.entrySize() }
func (c *PathCache) Len() int                                { return c.c.len() }

// md5Value wraps a Md5PathCache entry so a miss can be memoized as a
// distinguished negative sentinel rather than absence from the map.
type md5Value struct {
	negative bool
	entry    DirectoryEntry
}

// Md5PathCache maps a 128-bit path hash -> DirectoryEntry, with negative
// entries standing in for memoized misses.
type Md5PathCache struct {
	c *boundedCache[[16]byte, md5Value]
}

func NewMd5PathCache(capacity int) *Md5PathCache {
	return &Md5PathCache{c: newBoundedCache[[16]byte, md5Value](capacity)}
}

// LookupResult distinguishes "not cached at all" from "cached negative"
// from "cached positive".
type LookupResult int

const (
	// Absent means the cache has no opinion; the caller must consult the catalog.
	Absent LookupResult = iota
	// Negative means a prior lookup memoized this path hash as missing.
	Negative
	// Positive means the cache holds a live entry.
	Positive
)

func (c *Md5PathCache) Lookup(hash [16]byte) (DirectoryEntry, LookupResult) {
	v, ok := c.c.lookup(hash)
	if !ok {
		return DirectoryEntry{}, Absent
	}
	if v.negative {
		return DirectoryEntry{}, Negative
	}
	return v.entry, Positive
}

func (c *Md5PathCache) Insert(hash [16]byte, e DirectoryEntry) bool {
	return c.c.insert(hash, md5Value{entry: e})
}

func (c *Md5PathCache) InsertNegative(hash [16]byte) bool {
	return c.c.insert(hash, md5Value{negative: true})
}

func (c *Md5PathCache) Drop()            { c.c.drop() }
func (c *Md5PathCache) Pause()           { c.c.pause() }
func (c *Md5PathCache) Resume()          { c.c.resume() }
func (c *Md5PathCache) Statistics() Stats { return c.c.statistics() }
func (c *Md5PathCache) EntrySize() int    { return c.c.entrySize() }
func (c *Md5PathCache) Len() int          { return c.c.len() }

// MetaCaches bundles the three caches and provides the drain semantics a
// remount needs: Pause+Drop before the swap, Resume after.
type MetaCaches struct {
	Inodes   *InodeCache
	Paths    *PathCache
	Md5Paths *Md5PathCache
}

// Config sizes each of the three caches. Zero means "use the default".
type Config struct {
	InodeCacheSize   int
	PathCacheSize    int
	Md5PathCacheSize int
}

const defaultCacheSize = 32768

func New(cfg Config) *MetaCaches {
	if cfg.InodeCacheSize <= 0 {
		cfg.InodeCacheSize = defaultCacheSize
	}
	if cfg.PathCacheSize <= 0 {
		cfg.PathCacheSize = defaultCacheSize
	}
	if cfg.Md5PathCacheSize <= 0 {
		cfg.Md5PathCacheSize = defaultCacheSize
	}
	return &MetaCaches{
		Inodes:   NewInodeCache(cfg.InodeCacheSize),
		Paths:    NewPathCache(cfg.PathCacheSize),
		Md5Paths: NewMd5PathCache(cfg.Md5PathCacheSize),
	}
}

// PauseAll stops new inserts in all three caches, the first step of a
// remount drainout.
func (m *MetaCaches) PauseAll() {
	m.Inodes.Pause()
	m.Paths.Pause()
	m.Md5Paths.Pause()
}

// DropAll empties all three caches. Called after PauseAll, before the
// catalog swap.
func (m *MetaCaches) DropAll() {
	m.Inodes.Drop()
	m.Paths.Drop()
	m.Md5Paths.Drop()
}

// ResumeAll re-admits inserts after the swap completes.
func (m *MetaCaches) ResumeAll() {
	m.Inodes.Resume()
	m.Paths.Resume()
	m.Md5Paths.Resume()
}
