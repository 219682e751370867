package fsops

import (
	"context"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bbockelm/cvmfs/internal/catalogdb"
	"github.com/bbockelm/cvmfs/internal/catalogmgr"
	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
	"github.com/bbockelm/cvmfs/internal/metacache"
	"github.com/bbockelm/cvmfs/internal/xattr"
)

// Node is the single InodeEmbedder type used for every inode in the tree,
// root included (mirrors the teacher's OptiFSNode, minus its RootNode's
// loopback-specific newNode hook, which this read-only tree has no need
// for — every child is minted the same way, in Lookup).
//
// entry is mutated outside of Lookup whenever refreshEntry refetches after
// a remount drain, and go-fuse dispatches Getattr/Readlink for the same
// inode from independent kernel threads, so entryMu guards it.
type Node struct {
	fs.Inode

	root *RootData

	entryMu sync.Mutex
	entry   metacache.DirectoryEntry
}

func (n *Node) getEntry() metacache.DirectoryEntry {
	n.entryMu.Lock()
	defer n.entryMu.Unlock()
	return n.entry
}

func (n *Node) setEntry(e metacache.DirectoryEntry) {
	n.entryMu.Lock()
	n.entry = e
	n.entryMu.Unlock()
}

var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeOpendirer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeStatfser    = (*Node)(nil)
	_ fs.NodeGetxattrer  = (*Node)(nil)
	_ fs.NodeListxattrer = (*Node)(nil)
	_ fs.NodeOnForgetter = (*Node)(nil)
)

// path reconstructs the absolute in-repository path of n from the tree
// go-fuse has built via successive Lookup/NewInode calls.
func (n *Node) path() string {
	p := n.Path(n.Root())
	if p == "" {
		return "/"
	}
	return "/" + p
}

// setAttr fills a fuse.Attr (embedded in both EntryOut and AttrOut) from a
// resolved DirectoryEntry.
func setAttr(out *fuse.Attr, e metacache.DirectoryEntry) {
	out.Ino = e.Inode
	out.Mode = e.Mode
	out.Size = uint64(e.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Uid = e.UID
	out.Gid = e.GID
	out.Nlink = 1

	sec := uint64(e.MTime.Unix())
	nsec := uint32(e.MTime.Nanosecond())
	out.Atime, out.Atimensec = sec, nsec
	out.Mtime, out.Mtimensec = sec, nsec
	out.Ctime, out.Ctimensec = sec, nsec
}

// Lookup resolves a child by name (spec §4.9): fence-bracketed catalog
// lookup, with the 128-bit path-hash cache memoizing both hits and
// negative (not-found) results.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinPath(n.path(), name)
	hash := metacache.HashPath(childPath)

	if cached, result := n.root.Caches.Md5Paths.Lookup(hash); result != metacache.Absent {
		if result == metacache.Negative {
			return nil, syscall.ENOENT
		}
		setAttr(&out.Attr, cached)
		child := n.NewInode(ctx, &Node{root: n.root, entry: cached}, fs.StableAttr{Mode: cached.Mode, Ino: cached.Inode})
		n.root.Tracker.VfsGet(cached.Inode, childPath)
		return child, fs.OK
	}

	n.root.Fence.Enter()
	entry, err := n.root.Mgr.LookupPath(ctx, childPath, catalogmgr.Full)
	n.root.Fence.Leave()

	if err != nil {
		return nil, cvmfserrors.ToErrno(err)
	}
	if entry == nil {
		n.root.Caches.Md5Paths.InsertNegative(hash)
		return nil, syscall.ENOENT
	}

	n.root.Caches.Md5Paths.Insert(hash, *entry)
	n.root.Caches.Inodes.Insert(entry.Inode, *entry)
	n.root.Caches.Paths.Insert(entry.Inode, childPath)
	n.root.Tracker.VfsGet(entry.Inode, childPath)

	setAttr(&out.Attr, *entry)
	child := n.NewInode(ctx, &Node{root: n.root, entry: *entry}, fs.StableAttr{Mode: entry.Mode, Ino: entry.Inode})
	return child, fs.OK
}

// OnForget mirrors vfs_put for the nlookup count go-fuse itself already
// aggregated: by the time the library calls us the kernel's reference
// count has reached zero, so the tracker entry is dropped outright.
func (n *Node) OnForget() {
	n.root.Tracker.VfsPut(n.getEntry().Inode, ^uint64(0))
}

// refreshEntry resolves a live DirectoryEntry for n: the inode meta-cache
// first, a fenced CatalogManager lookup on a miss (spec §4.9, "getattr,
// readlink: meta-cache lookup first, fall back to CatalogManager"). A miss
// happens whenever a remount drain has dropped the caches since n's last
// Lookup; the refetched entry is written back into both the inode and path
// caches and onto n itself, so the node stays current until the next drain.
func (n *Node) refreshEntry(ctx context.Context) (metacache.DirectoryEntry, syscall.Errno) {
	inode := n.getEntry().Inode
	if cached, ok := n.root.Caches.Inodes.Lookup(inode); ok {
		n.setEntry(cached)
		return cached, fs.OK
	}

	p := n.path()
	if cachedPath, ok := n.root.Caches.Paths.Lookup(inode); ok {
		p = cachedPath
	}

	n.root.Fence.Enter()
	entry, err := n.root.Mgr.LookupPath(ctx, p, catalogmgr.Full)
	n.root.Fence.Leave()
	if err != nil {
		return metacache.DirectoryEntry{}, cvmfserrors.ToErrno(err)
	}
	if entry == nil {
		return metacache.DirectoryEntry{}, syscall.ENOENT
	}

	n.root.Caches.Inodes.Insert(entry.Inode, *entry)
	n.root.Caches.Paths.Insert(entry.Inode, p)
	n.setEntry(*entry)
	return *entry, fs.OK
}

// Getattr consults the meta-cache first and only falls back to the
// CatalogManager when a remount drain has dropped the cached entry (spec
// §4.9).
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fg, ok := f.(fs.FileGetattrer); ok {
		return fg.Getattr(ctx, out)
	}
	entry, errno := n.refreshEntry(ctx)
	if errno != fs.OK {
		return errno
	}
	setAttr(&out.Attr, entry)
	return fs.OK
}

// Readlink returns the stored symlink target, through the same meta-cache
// lookup with CatalogManager fallback as Getattr (spec §4.9).
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	entry, errno := n.refreshEntry(ctx)
	if errno != fs.OK {
		return nil, errno
	}
	if entry.SymlinkTarget == "" {
		return nil, syscall.EINVAL
	}
	return []byte(entry.SymlinkTarget), fs.OK
}

// Opendir is a pure permission gate here; the actual listing is built
// eagerly in Readdir.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	return fs.OK
}

// Readdir builds the directory's entry buffer eagerly from a single
// catalog listing call, then hands it off as a slice-backed DirStream
// (spec §4.9's "build the directory buffer eagerly... grow-by-doubling
// buffer", realized here as a Go slice, which already grows geometrically
// under append).
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.root.Fence.Enter()
	stats, err := n.root.Mgr.ListingStat(ctx, n.path())
	n.root.Fence.Leave()
	if err != nil {
		return nil, cvmfserrors.ToErrno(err)
	}

	entries := make([]fuse.DirEntry, len(stats))
	for i, s := range stats {
		entries[i] = fuse.DirEntry{Ino: s.Inode, Mode: s.Mode, Name: s.Name}
	}
	return newDirStream(n.root, entries), fs.OK
}

// Open dispatches to the chunked or plain-file path, enforcing the
// soft open-file limit and applying the DoS backoff on cache-open failure
// (spec §4.9).
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	entry := n.getEntry()
	if entry.HasChunks {
		handle, err := n.root.Chunked.Open(entry.Inode, n.path(), func() ([]catalogdb.FileChunk, error) {
			n.root.Fence.Enter()
			defer n.root.Fence.Leave()
			return n.root.Mgr.ListChunks(ctx, n.path())
		})
		if err != nil {
			return nil, 0, cvmfserrors.ToErrno(err)
		}
		n.root.nopen.Add(1)
		fh := &chunkedFileHandle{root: n.root, inode: entry.Inode, handle: handle}
		return fh, fuse.FOPEN_KEEP_CACHE, fs.OK
	}

	limit := int64(n.root.opts.MaxOpenFiles - n.root.opts.ReservedFd)
	if n.root.openFiles.Load() >= limit {
		return nil, 0, syscall.EMFILE
	}

	fd, err := n.root.Cache.Open(ctx, entry.ContentHash)
	if err != nil {
		n.root.dos.onFailure()
		return nil, 0, cvmfserrors.ToErrno(cvmfserrors.Wrap("Node.Open", cvmfserrors.IO, err))
	}

	n.root.openFiles.Add(1)
	n.root.nopen.Add(1)
	n.root.ndownload.Add(1)
	return &regularFileHandle{root: n.root, fd: fd}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// Statfs reports available bytes from the quota manager, falling back to
// a host filesystem stats call on the cache directory when the quota is
// unmanaged.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	if n.root.Quota != nil {
		used, limit := n.root.Quota.Capacity()
		if limit > 0 {
			const blockSize = 4096
			out.Bsize = blockSize
			out.Blocks = uint64(limit) / blockSize
			free := uint64(0)
			if limit > used {
				free = uint64(limit-used) / blockSize
			}
			out.Bfree = free
			out.Bavail = free
			return fs.OK
		}
	}

	var s syscall.Statfs_t
	if err := syscall.Statfs(n.root.cacheDirForStatfs(), &s); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&s)
	return fs.OK
}

// Getxattr answers the fixed set of virtual user.* attributes (spec §6).
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	name, ok := strings.CutPrefix(attr, "user.")
	if !ok {
		return 0, cvmfserrors.NoAttr.Errno()
	}

	snap := n.root.xattrSnapshot()
	if hash := n.getEntry().ContentHash; hash != "" {
		snap.Hash = hash
		snap.LHash = hash
	}

	val, ok := xattr.Get(name, snap)
	if !ok {
		return 0, cvmfserrors.NoAttr.Errno()
	}
	return copyXattrValue(val, dest)
}

// Listxattr returns the NUL-separated "user.*" attribute name list.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names := xattr.Names(n.getEntry().ContentHash != "")
	var buf []byte
	for _, name := range names {
		buf = append(buf, "user."+name...)
		buf = append(buf, 0)
	}
	if len(dest) == 0 {
		return uint32(len(buf)), fs.OK
	}
	if len(dest) < len(buf) {
		return 0, syscall.ERANGE
	}
	copy(dest, buf)
	return uint32(len(buf)), fs.OK
}

func copyXattrValue(val string, dest []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(val)), fs.OK
	}
	if len(dest) < len(val) {
		return 0, syscall.ERANGE
	}
	copy(dest, val)
	return uint32(len(val)), fs.OK
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return path.Clean("/" + name)
	}
	return path.Clean(dir + "/" + name)
}
