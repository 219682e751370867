package tieredcache

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
)

// populateCopyBufferSize is the bounded copy buffer used when streaming a
// lower-tier hit into the upper tier (spec §4.7).
const populateCopyBufferSize = 64 * 1024

// TieredCache composes an upper and lower Layer behind the populate-on-
// miss policy of spec §4.7.
type TieredCache struct {
	Upper  Layer
	Lower  Layer
	Logger *logrus.Entry

	// LowerCommitFailures counts commits where the upper tier succeeded
	// but the lower-tier mirror failed (spec §4.12), exposed through
	// getxattr("user.nioerr").
	LowerCommitFailures atomic.Uint64
}

// New constructs a TieredCache over the given layers.
func New(upper, lower Layer, logger *logrus.Entry) *TieredCache {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TieredCache{Upper: upper, Lower: lower, Logger: logger.WithField("component", "tieredcache")}
}

// Open resolves id against the upper layer first; on a NotFound miss it
// tries the lower layer and, on a lower hit, populates the upper layer
// before returning the upper fd. Any populate failure surfaces the
// original upper miss, never a half-populated fd (spec §4.7, §7).
func (t *TieredCache) Open(ctx context.Context, id string) (Fd, error) {
	fd, upperErr := t.Upper.Open(ctx, id)
	if upperErr == nil {
		return fd, nil
	}
	if !cvmfserrors.Is(upperErr, cvmfserrors.NotFound) {
		return nil, upperErr
	}

	lowerFd, err := t.Lower.Open(ctx, id)
	if err != nil {
		return nil, upperErr
	}

	if popErr := t.populate(ctx, id, lowerFd); popErr != nil {
		t.Logger.WithError(popErr).WithField("object", id).Warn("failed to populate upper tier from lower hit")
		lowerFd.Close()
		return nil, upperErr
	}
	lowerFd.Close()

	return t.Upper.Open(ctx, id)
}

func (t *TieredCache) populate(ctx context.Context, id string, src Fd) error {
	size, err := src.Size()
	if err != nil {
		return err
	}

	txn, err := t.Upper.StartTxn(ctx, id, size)
	if err != nil {
		return err
	}

	buf := make([]byte, populateCopyBufferSize)
	var copied int64
	for copied < size {
		n, readErr := src.Pread(buf, copied)
		if n > 0 {
			if _, werr := txn.Write(buf[:n]); werr != nil {
				t.Upper.AbortTxn(ctx, txn)
				return werr
			}
			copied += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF && copied >= size {
				break
			}
			t.Upper.AbortTxn(ctx, txn)
			return readErr
		}
	}

	if copied != size {
		t.Upper.AbortTxn(ctx, txn)
		return cvmfserrors.New("TieredCache.populate", cvmfserrors.IO)
	}
	return t.Upper.CommitTxn(ctx, id, txn)
}

// combinedTxn bundles an upper and (optional) lower transaction so both
// layers see every Write, laid out as [upper_txn | lower_txn] per spec.
type combinedTxn struct {
	id    string
	upper Txn
	lower Txn // nil when the lower layer is read-only
}

func (c *combinedTxn) Write(buf []byte) (int, error) {
	n, err := c.upper.Write(buf)
	if err != nil {
		return n, err
	}
	if c.lower != nil {
		if _, lerr := c.lower.Write(buf); lerr != nil {
			return n, lerr
		}
	}
	return n, nil
}

// StartTxn begins a write against both layers (unless the lower layer is
// read-only).
func (t *TieredCache) StartTxn(ctx context.Context, id string, size int64) (Txn, error) {
	upperTxn, err := t.Upper.StartTxn(ctx, id, size)
	if err != nil {
		return nil, err
	}

	c := &combinedTxn{id: id, upper: upperTxn}
	if !t.Lower.ReadOnly() {
		lowerTxn, err := t.Lower.StartTxn(ctx, id, size)
		if err != nil {
			t.Upper.AbortTxn(ctx, upperTxn)
			return nil, err
		}
		c.lower = lowerTxn
	}
	return c, nil
}

// CommitTxn commits upper first; success requires only the upper commit
// to succeed. A lower commit failure is logged but does not fail the
// overall transaction (spec §4.7, §7).
func (t *TieredCache) CommitTxn(ctx context.Context, txn Txn) error {
	c := txn.(*combinedTxn)
	if err := t.Upper.CommitTxn(ctx, c.id, c.upper); err != nil {
		if c.lower != nil {
			t.Lower.AbortTxn(ctx, c.lower)
		}
		return err
	}
	if c.lower != nil {
		if err := t.Lower.CommitTxn(ctx, c.id, c.lower); err != nil {
			t.LowerCommitFailures.Add(1)
			t.Logger.WithError(err).WithField("object", c.id).Warn("lower-tier commit failed, upper commit stands")
		}
	}
	return nil
}

// AbortTxn discards both layers' pending writes.
func (t *TieredCache) AbortTxn(ctx context.Context, txn Txn) error {
	c := txn.(*combinedTxn)
	err := t.Upper.AbortTxn(ctx, c.upper)
	if c.lower != nil {
		t.Lower.AbortTxn(ctx, c.lower)
	}
	return err
}

// UpperObjectPath returns the on-disk path of a committed object in the
// upper layer, if the upper layer is a local *UpperLayer (it always is
// in production; fakes used in tests return ok=false).
func (t *TieredCache) UpperObjectPath(id string) (string, bool) {
	u, ok := t.Upper.(*UpperLayer)
	if !ok {
		return "", false
	}
	return u.ObjectPath(id), true
}

// GetSize prefers the upper layer, falling back to the lower layer.
func (t *TieredCache) GetSize(ctx context.Context, id string) (int64, bool, error) {
	size, ok, err := t.Upper.GetSize(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return size, true, nil
	}
	return t.Lower.GetSize(ctx, id)
}
