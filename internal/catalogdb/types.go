// Package catalogdb is the read-only interface to a single catalog file:
// prepared queries for lookup-by-path-hash, lookup-by-row-id, listing,
// nested-catalog listing, and chunk listing (spec §4.1).
package catalogdb

import "time"

// PathHash is the 128-bit digest of an absolute in-repository path, the
// primary lookup key inside a catalog.
type PathHash [16]byte

// Row is one entry read from the catalog table.
type Row struct {
	RowID         int64
	PathHash      PathHash
	ParentHash    PathHash
	Name          string
	Mode          uint32
	UID, GID      uint32
	Size          int64
	MTime         time.Time
	Symlink       string
	ContentHash   string
	IsNestedRoot  bool
	HasChunks     bool
	HardlinkGroup uint32
}

// NestedRef is one row of the nested-catalog table: a mountpoint path and
// the content hash of the catalog file that covers it.
type NestedRef struct {
	Mountpoint  string
	ContentHash string
}

// FileChunk is one row of the chunks table.
type FileChunk struct {
	ContentHash string
	Offset      int64
	Size        int64
}

// Counters are the per-catalog statistics exposed through getxattr.
type Counters struct {
	RegularFiles   int64
	Directories    int64
	Symlinks       int64
	NestedCatalogs int64
	ChunkedFiles   int64
}
