// Package cachelayout names and guards the fixed set of files and
// directories a mounted repository keeps directly under its cache
// directory (spec §6, "Persistent layout under the cache directory"),
// the way latentfs/internal/daemon derives its own config-directory
// paths from a single base directory.
package cachelayout

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Layout resolves every fixed cache-directory path for one fqrn under a
// single base directory. All paths are computed, never cached, so tests
// can point two Layouts at two temp directories without aliasing.
type Layout struct {
	baseDir string
	fqrn    string
}

// New returns a Layout rooted at baseDir for the given fully qualified
// repository name.
func New(baseDir, fqrn string) *Layout {
	return &Layout{baseDir: baseDir, fqrn: fqrn}
}

// BaseDir is the cache directory itself.
func (l *Layout) BaseDir() string { return l.baseDir }

// LockPath is the advisory lock file guarding single-mount of this fqrn.
func (l *Layout) LockPath() string {
	return filepath.Join(l.baseDir, "lock."+l.fqrn)
}

// RunningPath is the presence sentinel; its existence at startup implies
// an unclean previous exit and triggers a cache-db rebuild.
func (l *Layout) RunningPath() string {
	return filepath.Join(l.baseDir, "running."+l.fqrn)
}

// CvmfscacheMarkerPath names the marker file that identifies baseDir as
// a valid cvmfs cache directory.
func (l *Layout) CvmfscacheMarkerPath() string {
	return filepath.Join(l.baseDir, "cvmfscache")
}

// NoNfsMapsPath is present iff NFS-mode maps are disabled for this fqrn.
func (l *Layout) NoNfsMapsPath() string {
	return filepath.Join(l.baseDir, "no_nfs_maps."+l.fqrn)
}

// NfsMapsDir is the NFS sidecar directory, owned by an external
// collaborator (internal/external); this package only names it.
func (l *Layout) NfsMapsDir() string {
	return filepath.Join(l.baseDir, "nfs_maps."+l.fqrn)
}

// TxnDir is scratch space for in-progress downloads, shared by every
// fqrn mounted against this cache directory.
func (l *Layout) TxnDir() string {
	return filepath.Join(l.baseDir, "txn")
}

// HotReloadStatePath names the on-disk dump of hot-reload state (spec §6)
// written before a binary upgrade and read back by the next mount of this
// fqrn against the same cache directory.
func (l *Layout) HotReloadStatePath() string {
	return filepath.Join(l.baseDir, "cvmfs.hotreload."+l.fqrn)
}

// ObjectsDir is the root of the sharded content-addressed object store
// ("ab/cdef…" paths live under it), matching tieredcache.UpperConfig's
// BaseDir.
func (l *Layout) ObjectsDir() string {
	return l.baseDir
}

// EnsureDirs creates baseDir, TxnDir and, when nfsMaps is true, NfsMapsDir.
func (l *Layout) EnsureDirs(nfsMaps bool) error {
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(l.TxnDir(), 0o755); err != nil {
		return err
	}
	if nfsMaps {
		return os.MkdirAll(l.NfsMapsDir(), 0o755)
	}
	return os.WriteFile(l.NoNfsMapsPath(), nil, 0o644)
}

// WriteCvmfscacheMarker creates the cvmfscache marker file if absent. It
// never overwrites an existing marker's contents.
func (l *Layout) WriteCvmfscacheMarker() error {
	f, err := os.OpenFile(l.CvmfscacheMarkerPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// WasUncleanShutdown reports whether RunningPath already exists, i.e.
// whether the previous mount of this fqrn never reached MarkStopped.
func (l *Layout) WasUncleanShutdown() bool {
	_, err := os.Stat(l.RunningPath())
	return err == nil
}

// MarkRunning creates RunningPath at mount start.
func (l *Layout) MarkRunning() error {
	f, err := os.OpenFile(l.RunningPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// MarkStopped removes RunningPath at a clean unmount. A missing file is
// not an error.
func (l *Layout) MarkStopped() error {
	if err := os.Remove(l.RunningPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Lock acquires the single-mount advisory lock for this fqrn. The
// returned flock.Flock must be unlocked by the caller (typically on
// process shutdown). A false return means another process already
// holds the lock.
func (l *Layout) Lock() (*flock.Flock, bool, error) {
	lock := flock.New(l.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, err
	}
	return lock, locked, nil
}
