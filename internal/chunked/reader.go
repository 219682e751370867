// Package chunked implements ChunkedReader: the open/read/release path
// for files whose content is split across multiple cache objects (spec
// §4.8).
package chunked

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bbockelm/cvmfs/internal/catalogdb"
	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
	"github.com/bbockelm/cvmfs/internal/tieredcache"
)

const handleLockPoolSize = 128

// chunkList is the refcounted, shared chunk table for one open inode.
type chunkList struct {
	chunks []catalogdb.FileChunk
	path   string
	nref   int
}

// chunkFd is the hot file descriptor a single open handle currently has
// pointed at one chunk.
type chunkFd struct {
	fd        tieredcache.Fd
	chunkIdx  int
}

// Reader is the ChunkedReader.
type Reader struct {
	cache *tieredcache.TieredCache

	mu        sync.Mutex
	byInode   map[uint64]*chunkList
	byHandle  map[uint64]*chunkFd

	handleLocks [handleLockPoolSize]sync.Mutex
	nextHandle  atomic.Uint64
}

// New constructs a Reader backed by cache for fetching chunk content.
func New(cache *tieredcache.TieredCache) *Reader {
	return &Reader{
		cache:   cache,
		byInode: make(map[uint64]*chunkList),
		byHandle: make(map[uint64]*chunkFd),
	}
}

func (r *Reader) handleLock(handle uint64) *sync.Mutex {
	return &r.handleLocks[handle%handleLockPoolSize]
}

// Open installs (or refcounts) the chunk list for inode and allocates a
// synthetic handle id. fetchChunks is called only on the first open for
// this inode; later opens increment the refcount and reuse the cached
// list.
func (r *Reader) Open(inode uint64, path string, fetchChunks func() ([]catalogdb.FileChunk, error)) (uint64, error) {
	r.mu.Lock()
	list, ok := r.byInode[inode]
	if !ok {
		chunks, err := fetchChunks()
		if err != nil {
			r.mu.Unlock()
			return 0, cvmfserrors.Wrap("Reader.Open", cvmfserrors.IO, err)
		}
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })
		list = &chunkList{chunks: chunks, path: path}
		r.byInode[inode] = list
	}
	list.nref++

	handle := r.nextHandle.Add(1)
	r.byHandle[handle] = &chunkFd{chunkIdx: -1}
	r.mu.Unlock()

	return handle, nil
}

// findChunk binary-searches for the chunk containing off: the last chunk
// whose Offset <= off (chunks are contiguous and sorted, spec §4.8).
func findChunk(chunks []catalogdb.FileChunk, off int64) int {
	idx := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].Offset > off
	})
	return idx - 1
}

// Read delivers up to len(buf) bytes starting at off, spanning chunks as
// needed. It fetches a fresh chunk fd via TieredCache whenever the
// handle's hot fd does not already point at the needed chunk.
func (r *Reader) Read(ctx context.Context, inode, handle uint64, buf []byte, off int64) (int, error) {
	r.mu.Lock()
	list, ok := r.byInode[inode]
	hfd, hok := r.byHandle[handle]
	r.mu.Unlock()
	if !ok || !hok {
		return 0, cvmfserrors.New("Reader.Read", cvmfserrors.InvalidArgument)
	}

	lock := r.handleLock(handle)
	lock.Lock()
	defer lock.Unlock()

	total := 0
	curOff := off
	for total < len(buf) {
		idx := findChunk(list.chunks, curOff)
		if idx < 0 || idx >= len(list.chunks) {
			break
		}
		chunk := list.chunks[idx]

		if hfd.chunkIdx != idx {
			if hfd.fd != nil {
				hfd.fd.Close()
				hfd.fd = nil
			}
			fd, err := r.cache.Open(ctx, chunk.ContentHash)
			if err != nil {
				return total, cvmfserrors.Wrap("Reader.Read", cvmfserrors.IO, err)
			}
			hfd.fd = fd
			hfd.chunkIdx = idx
		}

		offsetInChunk := curOff - chunk.Offset
		remaining := chunk.Size - offsetInChunk
		if remaining <= 0 {
			break
		}
		want := len(buf) - total
		if int64(want) > remaining {
			want = int(remaining)
		}

		n, err := hfd.fd.Pread(buf[total:total+want], offsetInChunk)
		if err != nil {
			return total, cvmfserrors.Wrap("Reader.Read", cvmfserrors.IO, err)
		}
		total += n
		curOff += int64(n)
		if n == 0 {
			break
		}
		if int64(n) < remaining {
			// Short read inside a chunk: don't spin, let the caller retry.
			break
		}
	}

	return total, nil
}

// Release closes the handle's hot fd (if any) and removes the handle,
// then decrements the refcount for inode; at zero it drops the chunk list.
func (r *Reader) Release(inode, handle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hfd, ok := r.byHandle[handle]; ok {
		if hfd.fd != nil {
			hfd.fd.Close()
		}
		delete(r.byHandle, handle)
	}

	list, ok := r.byInode[inode]
	if !ok {
		return
	}
	list.nref--
	if list.nref <= 0 {
		delete(r.byInode, inode)
	}
}

// IsOpen reports whether inode currently has a live chunk list (used by
// diagnostics and tests).
func (r *Reader) IsOpen(inode uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byInode[inode]
	return ok
}

// Snapshot is a deep copy of the reader's open-file tables, used for
// hot-reload save/restore (spec §6, "OpenFiles"). Hot fds are not
// themselves serializable, so a restored handle starts with no hot fd
// (chunkIdx -1): the next Read simply reopens the chunk it needs.
type Snapshot struct {
	Lists      map[uint64]ListSnapshot
	Handles    []uint64
	NextHandle uint64
}

type ListSnapshot struct {
	Path   string
	Chunks []catalogdb.FileChunk
	NRef   int
}

// Save produces a deep-copyable snapshot of every open chunk list and
// handle. byHandle does not itself record which inode a handle belongs
// to (only the hot chunk index), so Handles is a bare list of live handle
// IDs; Restore's caller supplies the handle->inode association from its
// own open-file-handle table (fsops tracks that separately).
func (r *Reader) Save() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	lists := make(map[uint64]ListSnapshot, len(r.byInode))
	for ino, list := range r.byInode {
		lists[ino] = ListSnapshot{
			Path:   list.path,
			Chunks: append([]catalogdb.FileChunk(nil), list.chunks...),
			NRef:   list.nref,
		}
	}

	handles := make([]uint64, 0, len(r.byHandle))
	for handle := range r.byHandle {
		handles = append(handles, handle)
	}

	return Snapshot{Lists: lists, Handles: handles, NextHandle: r.nextHandle.Load()}
}

// Restore replaces the reader's open-file tables with a previously Saved
// snapshot. handleInode supplies the handle->inode association the
// Snapshot itself could not recover (see Save); entries missing from it
// are dropped rather than guessed at.
func Restore(cache *tieredcache.TieredCache, snap Snapshot, handleInode map[uint64]uint64) *Reader {
	r := New(cache)
	for ino, ls := range snap.Lists {
		r.byInode[ino] = &chunkList{path: ls.Path, chunks: ls.Chunks, nref: ls.NRef}
	}
	for _, handle := range snap.Handles {
		ino, ok := handleInode[handle]
		if !ok {
			continue
		}
		if _, ok := r.byInode[ino]; !ok {
			continue
		}
		r.byHandle[handle] = &chunkFd{chunkIdx: -1}
	}
	r.nextHandle.Store(snap.NextHandle)
	return r
}
