package catalogdb

import "encoding/binary"

// Schema version constants. Modern catalogs store the path hash in a single
// 16-byte BLOB column; legacy catalogs (schema version below
// legacySchemaEpsilon of the latest) split the MD5 path hash into two
// 64-bit integer halves, following the original catalog schema's
// md5path_1/md5path_2 columns.
const (
	latestSchemaVersion = 2.5
	legacySchemaEpsilon = 0.1
)

func isLegacySchema(version float64) bool {
	return version < latestSchemaVersion-legacySchemaEpsilon
}

// splitHash breaks a 16-byte path hash into the two big-endian int64 halves
// the legacy schema stores it as (md5path_1, md5path_2 / parent_1,
// parent_2).
func splitHash(h PathHash) (hi, lo int64) {
	hi = int64(binary.BigEndian.Uint64(h[0:8]))
	lo = int64(binary.BigEndian.Uint64(h[8:16]))
	return hi, lo
}

// joinHash reassembles a path hash from the two legacy-schema int64 halves.
func joinHash(hi, lo int64) PathHash {
	var h PathHash
	binary.BigEndian.PutUint64(h[0:8], uint64(hi))
	binary.BigEndian.PutUint64(h[8:16], uint64(lo))
	return h
}

// modernSchemaDDL creates a fresh catalog in the modern, single-blob-column
// layout. Production catalogs arrive pre-built and downloaded by content
// hash; this DDL is used by tests and by any tooling that synthesizes a
// catalog in-process.
const modernSchemaDDL = `
CREATE TABLE IF NOT EXISTS catalog (
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
CREATE INDEX IF NOT EXISTS idx_catalog_path_hash ON catalog(path_hash);
CREATE INDEX IF NOT EXISTS idx_catalog_parent_hash ON catalog(parent_hash);

CREATE TABLE IF NOT EXISTS properties (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nested_catalogs (
	mountpoint   TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	path_hash    BLOB NOT NULL,
	chunk_index  INTEGER NOT NULL,
	offset       INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	PRIMARY KEY (path_hash, chunk_index)
);
`

// legacySchemaDDL creates a catalog in the legacy split-hash layout
// (schema_version < latestSchemaVersion-legacySchemaEpsilon), for tests that
// exercise the fallback read path. Production legacy catalogs predate this
// rewrite entirely; this DDL exists only so that path can be tested without
// a real historical catalog file on hand.
const legacySchemaDDL = `
CREATE TABLE IF NOT EXISTS catalog (
	rowid          INTEGER PRIMARY KEY,
	md5path_1      INTEGER NOT NULL,
	md5path_2      INTEGER NOT NULL,
	parent_1       INTEGER NOT NULL,
	parent_2       INTEGER NOT NULL,
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
CREATE INDEX IF NOT EXISTS idx_catalog_md5path ON catalog(md5path_1, md5path_2);
CREATE INDEX IF NOT EXISTS idx_catalog_parent ON catalog(parent_1, parent_2);

CREATE TABLE IF NOT EXISTS properties (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nested_catalogs (
	mountpoint   TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	md5path_1    INTEGER NOT NULL,
	md5path_2    INTEGER NOT NULL,
	chunk_index  INTEGER NOT NULL,
	offset       INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	PRIMARY KEY (md5path_1, md5path_2, chunk_index)
);
`

// Flag bits for the catalog.flags column.
const (
	flagIsNestedRoot uint64 = 1 << 0
	flagHasChunks    uint64 = 1 << 1
	flagIsSymlink    uint64 = 1 << 2
	flagIsDirectory  uint64 = 1 << 3
)
