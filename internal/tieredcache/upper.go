package tieredcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
)

// UpperLayer is the fast, local content-addressed layer: committed
// objects live at sharded paths under baseDir (ab/cdef…), in-progress
// transactions are temp files under baseDir/txn. A badger index tracks
// object sizes so GetSize needs a stat call only for an object missing
// from the index.
type UpperLayer struct {
	baseDir string
	index   *badger.DB
	txnDir  string

	seq atomic.Uint64
}

// UpperConfig configures an UpperLayer.
type UpperConfig struct {
	BaseDir string
}

// OpenUpper opens (creating if absent) the upper layer's object store and
// its badger size index.
func OpenUpper(cfg UpperConfig) (*UpperLayer, error) {
	txnDir := filepath.Join(cfg.BaseDir, "txn")
	if err := os.MkdirAll(txnDir, 0o755); err != nil {
		return nil, cvmfserrors.Wrap("tieredcache.OpenUpper", cvmfserrors.IO, err)
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.BaseDir, "index")).
		WithLoggingLevel(badger.WARNING)
	index, err := badger.Open(opts)
	if err != nil {
		return nil, cvmfserrors.Wrap("tieredcache.OpenUpper", cvmfserrors.IO, fmt.Errorf("open size index: %w", err))
	}

	return &UpperLayer{baseDir: cfg.BaseDir, index: index, txnDir: txnDir}, nil
}

// Close releases the badger index handle.
func (u *UpperLayer) Close() error {
	return u.index.Close()
}

func (u *UpperLayer) shardedPath(id string) string {
	if len(id) < 4 {
		return filepath.Join(u.baseDir, id)
	}
	return filepath.Join(u.baseDir, id[:2], id[2:])
}

// ObjectPath exposes the on-disk location of a committed object, for
// collaborators (such as the CatalogManager's Fetcher) that need a real
// file path rather than a Pread-able handle.
func (u *UpperLayer) ObjectPath(id string) string {
	return u.shardedPath(id)
}

func (u *UpperLayer) sizeKey(id string) []byte { return []byte("size:" + id) }

type upperFd struct {
	f *os.File
}

func (fd *upperFd) Pread(buf []byte, off int64) (int, error) {
	return fd.f.ReadAt(buf, off)
}

func (fd *upperFd) Size() (int64, error) {
	info, err := fd.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (fd *upperFd) Close() error { return fd.f.Close() }

// Open opens a committed object. Returns a cvmfserrors NotFound-kind
// error if the object is absent.
func (u *UpperLayer) Open(ctx context.Context, id string) (Fd, error) {
	f, err := os.Open(u.shardedPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cvmfserrors.New("UpperLayer.Open", cvmfserrors.NotFound)
		}
		return nil, cvmfserrors.Wrap("UpperLayer.Open", cvmfserrors.IO, err)
	}
	return &upperFd{f: f}, nil
}

type upperTxn struct {
	id   string
	f    *os.File
	path string
}

func (t *upperTxn) Write(buf []byte) (int, error) { return t.f.Write(buf) }

// StartTxn opens a fresh scratch file under baseDir/txn.
func (u *UpperLayer) StartTxn(ctx context.Context, id string, size int64) (Txn, error) {
	path := filepath.Join(u.txnDir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, cvmfserrors.Wrap("UpperLayer.StartTxn", cvmfserrors.IO, err)
	}
	return &upperTxn{id: id, f: f, path: path}, nil
}

// CommitTxn renames the scratch file into its sharded final path and
// records its size in the badger index. Committing is atomic with
// respect to readers: Open never observes a partially written object.
func (u *UpperLayer) CommitTxn(ctx context.Context, id string, txn Txn) error {
	t := txn.(*upperTxn)
	info, err := t.f.Stat()
	if err != nil {
		t.f.Close()
		return cvmfserrors.Wrap("UpperLayer.CommitTxn", cvmfserrors.IO, err)
	}
	if err := t.f.Close(); err != nil {
		return cvmfserrors.Wrap("UpperLayer.CommitTxn", cvmfserrors.IO, err)
	}

	dest := u.shardedPath(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(t.path)
		return cvmfserrors.Wrap("UpperLayer.CommitTxn", cvmfserrors.IO, err)
	}
	if err := os.Rename(t.path, dest); err != nil {
		os.Remove(t.path)
		return cvmfserrors.Wrap("UpperLayer.CommitTxn", cvmfserrors.IO, err)
	}

	size := info.Size()
	return u.index.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(size))
		return txn.Set(u.sizeKey(id), buf)
	})
}

// AbortTxn discards the scratch file.
func (u *UpperLayer) AbortTxn(ctx context.Context, txn Txn) error {
	t := txn.(*upperTxn)
	t.f.Close()
	return os.Remove(t.path)
}

// GetSize consults the badger index first; it falls back to a stat call
// if the index is missing an entry (e.g. an object written by an older
// incarnation before the index existed).
func (u *UpperLayer) GetSize(ctx context.Context, id string) (int64, bool, error) {
	var size int64
	var found bool
	err := u.index.View(func(txn *badger.Txn) error {
		item, err := txn.Get(u.sizeKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			size = int64(binary.BigEndian.Uint64(val))
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, cvmfserrors.Wrap("UpperLayer.GetSize", cvmfserrors.IO, err)
	}
	if found {
		return size, true, nil
	}

	info, err := os.Stat(u.shardedPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, cvmfserrors.Wrap("UpperLayer.GetSize", cvmfserrors.IO, err)
	}
	return info.Size(), true, nil
}

// ReadOnly is always false for the upper layer.
func (u *UpperLayer) ReadOnly() bool { return false }
