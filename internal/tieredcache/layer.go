// Package tieredcache implements the two-layer content-addressed blob
// cache (spec §4.7): a fast local upper layer and a large, possibly
// shared, lower layer, composed behind one populate-on-miss facade.
package tieredcache

import "context"

// Txn is an in-progress write transaction against one layer.
type Txn interface {
	// Write appends buf to the transaction's pending object.
	Write(buf []byte) (int, error)
}

// Fd is an open, readable handle to a committed object.
type Fd interface {
	// Pread reads len(buf) bytes starting at off.
	Pread(buf []byte, off int64) (int, error)
	// Size returns the object's total size.
	Size() (int64, error)
	// Close releases the handle.
	Close() error
}

// Layer is the blob-cache contract both the upper and lower managers
// implement (spec §4.7). id is always the object's content hash in hex.
type Layer interface {
	// Open opens a committed object for reading. Returns
	// cvmfserrors.NotFound if absent.
	Open(ctx context.Context, id string) (Fd, error)

	// StartTxn begins a write transaction for an object of the given
	// expected size (0 if unknown).
	StartTxn(ctx context.Context, id string, size int64) (Txn, error)

	// CommitTxn finalizes a transaction, making the object visible to
	// subsequent Opens under id.
	CommitTxn(ctx context.Context, id string, txn Txn) error

	// AbortTxn discards a transaction's pending data.
	AbortTxn(ctx context.Context, txn Txn) error

	// GetSize reports the committed size of id, if present.
	GetSize(ctx context.Context, id string) (int64, bool, error)

	// ReadOnly reports whether this layer rejects new writes (the lower
	// layer may be marked read-only, per spec §4.7).
	ReadOnly() bool
}
