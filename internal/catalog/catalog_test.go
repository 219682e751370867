package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bbockelm/cvmfs/internal/catalogdb"
)

const testSchemaDDL = `
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
CREATE INDEX idx_catalog_path_hash ON catalog(path_hash);
CREATE INDEX idx_catalog_parent_hash ON catalog(parent_hash);
CREATE TABLE properties (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE nested_catalogs (mountpoint TEXT PRIMARY KEY, content_hash TEXT NOT NULL);
CREATE TABLE chunks (path_hash BLOB NOT NULL, chunk_index INTEGER NOT NULL, offset INTEGER NOT NULL, size INTEGER NOT NULL, content_hash TEXT NOT NULL, PRIMARY KEY (path_hash, chunk_index));
`

type row struct {
	hash, parent       catalogdb.PathHash
	name               string
	mode               uint32
	flags              uint64
	hardlink           uint32
}

func buildCatalogFile(t *testing.T, name string, rows []row, props map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, testSchemaDDL, nil); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}

	for _, r := range rows {
		err := sqlitex.Execute(conn,
			"INSERT INTO catalog (path_hash, parent_hash, name, mode, uid, gid, size, mtime, symlink, content_hash, flags, hardlink_group) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)",
			&sqlitex.ExecOptions{Args: []any{r.hash[:], r.parent[:], r.name, int64(r.mode), 0, 0, 0, time.Now().Unix(), "", "", int64(r.flags), int64(r.hardlink)}})
		if err != nil {
			t.Fatalf("insert %s: %v", r.name, err)
		}
	}
	for k, v := range props {
		err := sqlitex.Execute(conn, "INSERT INTO properties (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{k, v}})
		if err != nil {
			t.Fatalf("insert property %s: %v", k, err)
		}
	}
	return path
}

func TestMangleInodeBasic(t *testing.T) {
	root := catalogdb.PathHash{0x01}
	child := catalogdb.PathHash{0x02}
	path := buildCatalogFile(t, "root.db", []row{
		{hash: root, parent: root, name: "", flags: 8},
		{hash: child, parent: root, name: "a.txt"},
	}, map[string]string{"schema_version": "2.5"})

	c := New("/", "roothash", nil)
	if err := c.OpenDatabase(path, InodeRange{Lo: 1000}); err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer c.Close()

	entry, err := c.LookupPath(child)
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry")
	}
	if entry.Inode != 1000+2 {
		t.Fatalf("Inode = %d, want %d", entry.Inode, 1002)
	}
}

func TestHardlinkGroupMemoization(t *testing.T) {
	root := catalogdb.PathHash{0x01}
	a := catalogdb.PathHash{0x02}
	b := catalogdb.PathHash{0x03}
	path := buildCatalogFile(t, "hl.db", []row{
		{hash: root, parent: root, name: "", flags: 8},
		{hash: a, parent: root, name: "a", hardlink: 7},
		{hash: b, parent: root, name: "b", hardlink: 7},
	}, nil)

	c := New("/", "h", nil)
	if err := c.OpenDatabase(path, InodeRange{Lo: 0}); err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer c.Close()

	ea, err := c.LookupPath(a)
	if err != nil {
		t.Fatalf("LookupPath a: %v", err)
	}
	eb, err := c.LookupPath(b)
	if err != nil {
		t.Fatalf("LookupPath b: %v", err)
	}
	if ea.Inode != eb.Inode {
		t.Fatalf("hardlinked entries have different inodes: %d vs %d", ea.Inode, eb.Inode)
	}
}

func TestTransitionPointFixup(t *testing.T) {
	rootRoot := catalogdb.PathHash{0x01}
	nestedMount := catalogdb.PathHash{0x02}
	rootPath := buildCatalogFile(t, "root.db", []row{
		{hash: rootRoot, parent: rootRoot, name: "", flags: 8},
		{hash: nestedMount, parent: rootRoot, name: "sub", flags: 1},
	}, nil)

	root := New("/", "roothash", nil)
	if err := root.OpenDatabase(rootPath, InodeRange{Lo: 0}); err != nil {
		t.Fatalf("OpenDatabase root: %v", err)
	}
	defer root.Close()

	nestedPath := buildCatalogFile(t, "sub.db", []row{
		{hash: nestedMount, parent: nestedMount, name: "", flags: 9},
	}, nil)
	nested := New("/sub", "subhash", root)
	if err := nested.OpenDatabase(nestedPath, InodeRange{Lo: 5000}); err != nil {
		t.Fatalf("OpenDatabase nested: %v", err)
	}
	defer nested.Close()

	if child, ok := root.FindChild("/sub"); !ok || child != nested {
		t.Fatal("nested catalog did not register with parent via AddChild")
	}

	rootEntry, err := root.LookupPath(nestedMount)
	if err != nil {
		t.Fatalf("LookupPath from root: %v", err)
	}

	nestedEntry, err := nested.LookupPath(nestedMount)
	if err != nil {
		t.Fatalf("LookupPath from nested: %v", err)
	}

	if nestedEntry.Inode != rootEntry.Inode {
		t.Fatalf("transition point inode mismatch: nested=%d root=%d", nestedEntry.Inode, rootEntry.Inode)
	}
}

func TestFindSubtreeLongestPrefix(t *testing.T) {
	root := New("/", "r", nil)
	a := New("/a", "a", root)
	ab := New("/a/b", "ab", root)
	root.AddChild(a)
	root.AddChild(ab)

	found, ok := root.FindSubtree("/a/b/c")
	if !ok || found != ab {
		t.Fatalf("FindSubtree(/a/b/c) = %v, %v, want /a/b", found, ok)
	}

	found, ok = root.FindSubtree("/a/x")
	if !ok || found != a {
		t.Fatalf("FindSubtree(/a/x) = %v, %v, want /a", found, ok)
	}

	_, ok = root.FindSubtree("/z")
	if ok {
		t.Fatal("expected no match for unrelated path")
	}
}

func TestInodeAnnotationRoundTrip(t *testing.T) {
	root := catalogdb.PathHash{0x01}
	path := buildCatalogFile(t, "ann.db", []row{
		{hash: root, parent: root, name: "", flags: 8},
	}, nil)

	c := New("/", "r", nil)
	if err := c.OpenDatabase(path, InodeRange{Lo: 0}); err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer c.Close()

	c.SetInodeAnnotation(offsetAnnotation(1 << 40))

	entry, err := c.LookupPath(root)
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	if entry.Inode < (1 << 40) {
		t.Fatalf("annotation not applied: inode = %d", entry.Inode)
	}

	rowID := c.rowIDFromInode(entry.Inode)
	if rowID != 1 {
		t.Fatalf("rowIDFromInode = %d, want 1", rowID)
	}
}

type offsetAnnotation uint64

func (o offsetAnnotation) Annotate(inode uint64) uint64 { return inode + uint64(o) }
func (o offsetAnnotation) Strip(inode uint64) uint64    { return inode - uint64(o) }

func TestInitStandaloneUsesDummyRange(t *testing.T) {
	root := catalogdb.PathHash{0x01}
	path := buildCatalogFile(t, "standalone.db", []row{
		{hash: root, parent: root, name: "", flags: 8},
	}, nil)

	c := New("/", "r", nil)
	if err := c.InitStandalone(path); err != nil {
		t.Fatalf("InitStandalone: %v", err)
	}
	defer c.Close()

	entry, err := c.LookupPath(root)
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	if entry.Inode != invalidInode {
		t.Fatalf("expected invalid inode for dummy range, got %d", entry.Inode)
	}
}
