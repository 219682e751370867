// Package external names the collaborators the read-side core treats as
// out of scope: the HTTP download engine, cryptographic signature
// verification, and the on-disk quota accounting delegate. Production
// binaries wire real implementations in; tests use fakes.
package external

import "context"

// Downloader fetches a URL into a local path, returning success or failure.
// The core never retries network timeouts itself — that belongs to the
// Downloader's own configuration (CVMFS_TIMEOUT, CVMFS_MAX_RETRIES).
type Downloader interface {
	Download(ctx context.Context, url string, destPath string) error
}

// Manifest is the minimal shape of a signed repository manifest the
// CatalogManager needs: which root catalog to mount and its metadata.
type Manifest struct {
	RootHash         string
	RootPathHash     string
	Revision         uint64
	PreviousRevision uint64
	TTLSeconds       uint64
}

// SignatureVerifier validates a downloaded manifest against the
// repository's trusted keys before the core acts on it.
type SignatureVerifier interface {
	Verify(ctx context.Context, manifestBytes []byte) (*Manifest, error)
}

// QuotaManager tracks cache usage. FsOps.Statfs reads Capacity; the
// TieredCache holds no QuotaManager and never calls one.
type QuotaManager interface {
	// Insert records that an object of the given size now occupies the cache.
	Insert(hash string, size int64) error
	// Touch records that an object was accessed (for LRU ordering).
	Touch(hash string)
	// Remove records that an object has been evicted or deleted.
	Remove(hash string)
	// Capacity returns (used, limit) bytes; limit <= 0 means unmanaged.
	Capacity() (used int64, limit int64)
}
