// Package fsops translates go-fuse low-level upcalls into the read-side
// core's operations (spec §4.9): CatalogManager lookups, MetaCache
// insertion, RemountFence bracketing, TieredCache fetches, and
// ChunkedReader reads.
package fsops

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbockelm/cvmfs/internal/catalogmgr"
	"github.com/bbockelm/cvmfs/internal/chunked"
	"github.com/bbockelm/cvmfs/internal/external"
	"github.com/bbockelm/cvmfs/internal/fence"
	"github.com/bbockelm/cvmfs/internal/inodetracker"
	"github.com/bbockelm/cvmfs/internal/metacache"
	"github.com/bbockelm/cvmfs/internal/tieredcache"
	"github.com/bbockelm/cvmfs/internal/xattr"
)

// Options configures the FsOps mount beyond the collaborators it wires
// together: everything here is either a resource limit or an xattr value
// that has no other natural home.
type Options struct {
	// MaxOpenFiles is the soft cap on concurrently open regular-file
	// handles; ReservedFd is held back for the process's own bookkeeping
	// (matching spec §4.9's "max_open_files - reserved_fd").
	MaxOpenFiles int
	ReservedFd   int

	Version       string
	Fqrn          string
	Proxy         string
	Host          string
	Timeout       int
	TimeoutDirect int

	// CacheDir is probed by Statfs when no QuotaManager is wired in.
	CacheDir string

	Logger *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 4096
	}
	if o.ReservedFd <= 0 {
		o.ReservedFd = 16
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// RootData is the shared mount-wide state every Node refers back to, the
// plain-data counterpart to the per-inode Node (mirrors the teacher's
// OptiFSRoot/OptiFSNode split).
type RootData struct {
	Mgr     *catalogmgr.Manager
	Caches  *metacache.MetaCaches
	Fence   *fence.Fence
	Cache   *tieredcache.TieredCache
	Chunked *chunked.Reader
	Tracker *inodetracker.Tracker
	Quota   external.QuotaManager

	opts   Options
	logger *logrus.Entry
	dos    dosBackoff

	startTime time.Time

	openFiles atomic.Int64
	useddirp  atomic.Int64
	nopen     atomic.Uint64
	ndiropen  atomic.Uint64
	ndownload atomic.Uint64
}

// NewRootData constructs the shared mount state. Call NewRoot to build the
// actual root Node to pass to fs.Mount.
func NewRootData(mgr *catalogmgr.Manager, caches *metacache.MetaCaches, f *fence.Fence, cache *tieredcache.TieredCache, chunkedReader *chunked.Reader, tracker *inodetracker.Tracker, quota external.QuotaManager, opts Options) *RootData {
	opts.setDefaults()
	return &RootData{
		Mgr:       mgr,
		Caches:    caches,
		Fence:     f,
		Cache:     cache,
		Chunked:   chunkedReader,
		Tracker:   tracker,
		Quota:     quota,
		opts:      opts,
		logger:    opts.Logger.WithField("component", "fsops"),
		startTime: time.Now(),
	}
}

// NewRoot resolves "/" against the CatalogManager and returns the root
// Node ready to be passed as the InodeEmbedder argument to fs.Mount.
func NewRoot(ctx context.Context, data *RootData) (*Node, error) {
	entry, err := data.Mgr.LookupPath(ctx, "/", catalogmgr.Full)
	if err != nil {
		return nil, err
	}
	root := &Node{root: data}
	if entry != nil {
		root.entry = *entry
	} else {
		root.entry = metacache.DirectoryEntry{Inode: data.Mgr.GetRootInode(), Mode: syscall.S_IFDIR | 0o555}
	}
	data.Tracker.VfsGet(root.entry.Inode, "/")
	data.Caches.Inodes.Insert(root.entry.Inode, root.entry)
	data.Caches.Paths.Insert(root.entry.Inode, "/")
	return root, nil
}

// OpenFilesCount reports the live open-regular-file count, the "OpenFiles
// counter" hot-reload state tag (spec §6).
func (r *RootData) OpenFilesCount() int64 { return r.openFiles.Load() }

// SetOpenFilesCount seeds the open-file counter from a restored hot-reload
// state. Only meaningful immediately after construction, before any real
// Open/Release has run.
func (r *RootData) SetOpenFilesCount(n int64) { r.openFiles.Store(n) }

func (r *RootData) cacheDirForStatfs() string {
	if r.opts.CacheDir != "" {
		return r.opts.CacheDir
	}
	return "/"
}

func (r *RootData) xattrSnapshot() xattr.Snapshot {
	expires := int64(-1)
	if ttl := r.Mgr.GetTTL(); ttl > 0 {
		expires = int64(ttl) / 60
	}
	return xattr.Snapshot{
		PID:           os.Getpid(),
		Version:       r.opts.Version,
		RootHash:      r.Mgr.GetRootHash(),
		Revision:      r.Mgr.GetRevision(),
		ExpiresMinutes: expires,
		MaxFd:         r.opts.MaxOpenFiles,
		UsedFd:        int(r.openFiles.Load()),
		UsedDirP:      int(r.useddirp.Load()),
		NIOErr:        r.Cache.LowerCommitFailures.Load(),
		Proxy:         r.opts.Proxy,
		Host:          r.opts.Host,
		UptimeMinutes: int64(time.Since(r.startTime) / time.Minute),
		NumCatalogs:   r.Mgr.NumCatalogs(),
		NumOpen:       r.nopen.Load(),
		NumDirOpen:    r.ndiropen.Load(),
		NumDownload:   r.ndownload.Load(),
		Timeout:       r.opts.Timeout,
		TimeoutDirect: r.opts.TimeoutDirect,
		Fqrn:          r.opts.Fqrn,
	}
}
