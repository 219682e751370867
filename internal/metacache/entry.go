// Package metacache implements the three bounded LRU caches of spec §4.5:
// inode->DirectoryEntry, inode->path, and pathhash->DirectoryEntry (with
// negative-entry memoization). Each is pausable/drainable around a catalog
// remount.
package metacache

import "time"

// DirectoryEntry mirrors the fields of spec §3's DirectoryEntry that the
// caches need to hold by value (caches never borrow from catalogs).
type DirectoryEntry struct {
	Inode            uint64
	ParentPathHash   [16]byte
	Name             string
	Mode             uint32
	UID, GID         uint32
	Size             int64
	MTime            time.Time
	SymlinkTarget    string
	ContentHash      string // hex form; empty for directories
	HasChunks        bool
	IsNestedRoot     bool
	HardlinkGroup    uint32
}
