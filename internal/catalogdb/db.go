package catalogdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
)

// Db is a read-only handle to one catalog file. All operations serialize
// on mu — spec §4.1 requires that a listing not interleave with a lookup
// at the statement-object level, and a single guarded connection is the
// simplest structure that guarantees it.
type Db struct {
	mu   sync.Mutex
	pool *sqlitex.Pool
	conn *sqlite.Conn
	path string

	schemaVersion float64
	legacy        bool
	rootPrefix    string
	revision      uint64
	prevRevision  uint64
	ttlSeconds    uint64
	maxRowID      int64
	counters      Counters
}

// Open opens filePath as a catalog database, preparing everything the
// struct needs up front: schema detection, properties, max rowid, and
// counters. Open failure (corrupt, missing, wrong schema) is reported as a
// typed error and never leaves a half-initialized Db behind — on any
// error the pool is closed before returning.
func Open(filePath string) (*Db, error) {
	pool, err := sqlitex.NewPool(filePath, sqlitex.PoolOptions{
		PoolSize: 1,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA query_only = ON", nil)
		},
	})
	if err != nil {
		return nil, cvmfserrors.Wrap("catalogdb.Open", cvmfserrors.IO, fmt.Errorf("open %s: %w", filePath, err))
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, cvmfserrors.Wrap("catalogdb.Open", cvmfserrors.IO, fmt.Errorf("take conn %s: %w", filePath, err))
	}

	db := &Db{pool: pool, conn: conn, path: filePath}
	if err := db.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *Db) bootstrap() error {
	if v, ok, err := db.propertyRaw("schema_version"); err != nil {
		return cvmfserrors.Wrap("catalogdb.bootstrap", cvmfserrors.IO, err)
	} else if ok {
		fmt.Sscanf(v, "%g", &db.schemaVersion)
	} else {
		db.schemaVersion = latestSchemaVersion
	}
	db.legacy = isLegacySchema(db.schemaVersion)

	if v, ok, err := db.propertyRaw("root_prefix"); err != nil {
		return cvmfserrors.Wrap("catalogdb.bootstrap", cvmfserrors.IO, err)
	} else if ok {
		db.rootPrefix = v
	}
	if v, ok, _ := db.propertyRaw("revision"); ok {
		fmt.Sscanf(v, "%d", &db.revision)
	}
	if v, ok, _ := db.propertyRaw("previous_revision"); ok {
		fmt.Sscanf(v, "%d", &db.prevRevision)
	}
	if v, ok, _ := db.propertyRaw("TTL"); ok {
		fmt.Sscanf(v, "%d", &db.ttlSeconds)
	}

	maxID, err := db.maxRowIDLocked()
	if err != nil {
		return err
	}
	db.maxRowID = maxID

	counters, err := db.countersLocked()
	if err != nil {
		return err
	}
	db.counters = counters

	return nil
}

// Close releases the underlying connection and pool.
func (db *Db) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn != nil {
		db.pool.Put(db.conn)
		db.conn = nil
	}
	return db.pool.Close()
}

func (db *Db) propertyRaw(key string) (string, bool, error) {
	var value string
	var found bool
	err := sqlitex.Execute(db.conn, "SELECT value FROM properties WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	return value, found, err
}

// PropertiesGet returns a value from the properties key/value table
// (keys: root_prefix, TTL, revision, previous_revision, schema_version).
func (db *Db) PropertiesGet(key string) (string, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok, err := db.propertyRaw(key)
	if err != nil {
		return "", false, cvmfserrors.Wrap("catalogdb.PropertiesGet", cvmfserrors.IO, err)
	}
	return v, ok, nil
}

func (db *Db) maxRowIDLocked() (int64, error) {
	var max int64
	err := sqlitex.Execute(db.conn, "SELECT COALESCE(MAX(rowid), 0) FROM catalog", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			max = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, cvmfserrors.Wrap("catalogdb.MaxRowID", cvmfserrors.IO, err)
	}
	return max, nil
}

// MaxRowID returns the highest rowid currently stored in the catalog table.
func (db *Db) MaxRowID() (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.maxRowIDLocked()
}

func (db *Db) countersLocked() (Counters, error) {
	var c Counters
	err := sqlitex.Execute(db.conn, "SELECT flags, hardlink_group FROM catalog", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			flags := uint64(stmt.ColumnInt64(0))
			switch {
			case flags&flagIsSymlink != 0:
				c.Symlinks++
			case flags&flagIsDirectory != 0:
				c.Directories++
			default:
				c.RegularFiles++
			}
			if flags&flagIsNestedRoot != 0 {
				c.NestedCatalogs++
			}
			if flags&flagHasChunks != 0 {
				c.ChunkedFiles++
			}
			return nil
		},
	})
	if err != nil {
		return Counters{}, cvmfserrors.Wrap("catalogdb.Counters", cvmfserrors.IO, err)
	}
	return c, nil
}

// Counters returns the cached per-catalog statistics computed at open time.
func (db *Db) Counters() Counters {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.counters
}

// SchemaVersion reports the catalog's on-disk schema version.
func (db *Db) SchemaVersion() float64 { return db.schemaVersion }

// IsLegacySchema reports whether this catalog uses the legacy
// two-column path-hash layout.
func (db *Db) IsLegacySchema() bool { return db.legacy }

// RootPrefix is the in-repository path this catalog is mounted at.
func (db *Db) RootPrefix() string { return db.rootPrefix }

// Revision is the catalog's monotonically increasing revision number.
func (db *Db) Revision() uint64 { return db.revision }

// PreviousRevision is the revision this catalog superseded, if any.
func (db *Db) PreviousRevision() uint64 { return db.prevRevision }

// TTL is the catalog's advertised time-to-live.
func (db *Db) TTL() time.Duration { return time.Duration(db.ttlSeconds) * time.Second }

func rowFromStmt(stmt *sqlite.Stmt) Row {
	var r Row
	r.RowID = stmt.ColumnInt64(0)
	stmt.ColumnBytes(1, r.PathHash[:])
	stmt.ColumnBytes(2, r.ParentHash[:])
	r.Name = stmt.ColumnText(3)
	r.Mode = uint32(stmt.ColumnInt64(4))
	r.UID = uint32(stmt.ColumnInt64(5))
	r.GID = uint32(stmt.ColumnInt64(6))
	r.Size = stmt.ColumnInt64(7)
	r.MTime = time.Unix(stmt.ColumnInt64(8), 0).UTC()
	r.Symlink = stmt.ColumnText(9)
	r.ContentHash = stmt.ColumnText(10)
	flags := uint64(stmt.ColumnInt64(11))
	r.IsNestedRoot = flags&flagIsNestedRoot != 0
	r.HasChunks = flags&flagHasChunks != 0
	r.HardlinkGroup = uint32(stmt.ColumnInt64(12))
	return r
}

const rowColumns = `rowid, path_hash, parent_hash, name, mode, uid, gid, size, mtime, symlink, content_hash, flags, hardlink_group`
const legacyRowColumns = `rowid, md5path_1, md5path_2, parent_1, parent_2, name, mode, uid, gid, size, mtime, symlink, content_hash, flags, hardlink_group`

func rowFromLegacyStmt(stmt *sqlite.Stmt) Row {
	var r Row
	r.RowID = stmt.ColumnInt64(0)
	r.PathHash = joinHash(stmt.ColumnInt64(1), stmt.ColumnInt64(2))
	r.ParentHash = joinHash(stmt.ColumnInt64(3), stmt.ColumnInt64(4))
	r.Name = stmt.ColumnText(5)
	r.Mode = uint32(stmt.ColumnInt64(6))
	r.UID = uint32(stmt.ColumnInt64(7))
	r.GID = uint32(stmt.ColumnInt64(8))
	r.Size = stmt.ColumnInt64(9)
	r.MTime = time.Unix(stmt.ColumnInt64(10), 0).UTC()
	r.Symlink = stmt.ColumnText(11)
	r.ContentHash = stmt.ColumnText(12)
	flags := uint64(stmt.ColumnInt64(13))
	r.IsNestedRoot = flags&flagIsNestedRoot != 0
	r.HasChunks = flags&flagHasChunks != 0
	r.HardlinkGroup = uint32(stmt.ColumnInt64(14))
	return r
}

// LookupByPathHash returns the row for a path hash, or (nil, nil) if no
// such row exists — a missing row is never an error (spec §4.2). Legacy
// catalogs store the hash split across two integer columns rather than a
// single BLOB; db.legacy picks the query shape at the call site so callers
// never need to know which layout is on disk.
func (db *Db) LookupByPathHash(h PathHash) (*Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var row *Row
	var err error
	if db.legacy {
		hi, lo := splitHash(h)
		err = sqlitex.Execute(db.conn, "SELECT "+legacyRowColumns+" FROM catalog WHERE md5path_1 = ? AND md5path_2 = ?", &sqlitex.ExecOptions{
			Args: []any{hi, lo},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := rowFromLegacyStmt(stmt)
				row = &r
				return nil
			},
		})
	} else {
		err = sqlitex.Execute(db.conn, "SELECT "+rowColumns+" FROM catalog WHERE path_hash = ?", &sqlitex.ExecOptions{
			Args: []any{h[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := rowFromStmt(stmt)
				row = &r
				return nil
			},
		})
	}
	if err != nil {
		return nil, cvmfserrors.Wrap("catalogdb.LookupByPathHash", cvmfserrors.IO, err)
	}
	return row, nil
}

// LookupByRowID returns the row for a rowid, or (nil, nil) if absent.
func (db *Db) LookupByRowID(rowid int64) (*Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var row *Row
	var err error
	if db.legacy {
		err = sqlitex.Execute(db.conn, "SELECT "+legacyRowColumns+" FROM catalog WHERE rowid = ?", &sqlitex.ExecOptions{
			Args: []any{rowid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := rowFromLegacyStmt(stmt)
				row = &r
				return nil
			},
		})
	} else {
		err = sqlitex.Execute(db.conn, "SELECT "+rowColumns+" FROM catalog WHERE rowid = ?", &sqlitex.ExecOptions{
			Args: []any{rowid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := rowFromStmt(stmt)
				row = &r
				return nil
			},
		})
	}
	if err != nil {
		return nil, cvmfserrors.Wrap("catalogdb.LookupByRowID", cvmfserrors.IO, err)
	}
	return row, nil
}

// ListChildren returns every row whose parent_hash equals parentHash, in a
// single consistent snapshot (one query cursor, spec §4.1). A row that is
// its own parent (a catalog's root directory) is not listed.
func (db *Db) ListChildren(parentHash PathHash) ([]Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var rows []Row
	var err error
	if db.legacy {
		hi, lo := splitHash(parentHash)
		err = sqlitex.Execute(db.conn, "SELECT "+legacyRowColumns+" FROM catalog WHERE parent_1 = ? AND parent_2 = ? AND NOT (md5path_1 = parent_1 AND md5path_2 = parent_2) ORDER BY name", &sqlitex.ExecOptions{
			Args: []any{hi, lo},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, rowFromLegacyStmt(stmt))
				return nil
			},
		})
	} else {
		err = sqlitex.Execute(db.conn, "SELECT "+rowColumns+" FROM catalog WHERE parent_hash = ? AND path_hash != parent_hash ORDER BY name", &sqlitex.ExecOptions{
			Args: []any{parentHash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, rowFromStmt(stmt))
				return nil
			},
		})
	}
	if err != nil {
		return nil, cvmfserrors.Wrap("catalogdb.ListChildren", cvmfserrors.IO, err)
	}
	return rows, nil
}

// ListNested returns every (mountpoint, content hash) pair in the
// nested-catalog table.
func (db *Db) ListNested() ([]NestedRef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var refs []NestedRef
	err := sqlitex.Execute(db.conn, "SELECT mountpoint, content_hash FROM nested_catalogs ORDER BY mountpoint", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			refs = append(refs, NestedRef{Mountpoint: stmt.ColumnText(0), ContentHash: stmt.ColumnText(1)})
			return nil
		},
	})
	if err != nil {
		return nil, cvmfserrors.Wrap("catalogdb.ListNested", cvmfserrors.IO, err)
	}
	return refs, nil
}

// FindNested looks up a single mountpoint in the nested-catalog table.
func (db *Db) FindNested(mountpoint string) (string, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var hash string
	var found bool
	err := sqlitex.Execute(db.conn, "SELECT content_hash FROM nested_catalogs WHERE mountpoint = ?", &sqlitex.ExecOptions{
		Args: []any{mountpoint},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hash = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, cvmfserrors.Wrap("catalogdb.FindNested", cvmfserrors.IO, err)
	}
	return hash, found, nil
}

// ListChunks returns every chunk row for a file's path hash, ordered by
// chunk index (and therefore by offset, per spec §3's contiguity invariant).
func (db *Db) ListChunks(pathHash PathHash) ([]FileChunk, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var chunks []FileChunk
	var err error
	if db.legacy {
		hi, lo := splitHash(pathHash)
		err = sqlitex.Execute(db.conn, "SELECT content_hash, offset, size FROM chunks WHERE md5path_1 = ? AND md5path_2 = ? ORDER BY chunk_index", &sqlitex.ExecOptions{
			Args: []any{hi, lo},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				chunks = append(chunks, FileChunk{
					ContentHash: stmt.ColumnText(0),
					Offset:      stmt.ColumnInt64(1),
					Size:        stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	} else {
		err = sqlitex.Execute(db.conn, "SELECT content_hash, offset, size FROM chunks WHERE path_hash = ? ORDER BY chunk_index", &sqlitex.ExecOptions{
			Args: []any{pathHash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				chunks = append(chunks, FileChunk{
					ContentHash: stmt.ColumnText(0),
					Offset:      stmt.ColumnInt64(1),
					Size:        stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	}
	if err != nil {
		return nil, cvmfserrors.Wrap("catalogdb.ListChunks", cvmfserrors.IO, err)
	}
	return chunks, nil
}

// Path returns the on-disk location of the catalog file.
func (db *Db) Path() string { return db.path }
