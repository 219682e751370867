package tieredcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
)

// LowerLayer is the large, possibly shared, remote object store. It may
// be marked read-only, in which case StartTxn/CommitTxn always fail —
// the TieredCache then treats every write as upper-only (spec §4.7).
type LowerLayer struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	readOnly  bool
}

// LowerConfig configures a LowerLayer.
type LowerConfig struct {
	Client    *s3.Client
	Bucket    string
	KeyPrefix string
	ReadOnly  bool
}

// NewLower constructs a LowerLayer. It does not verify bucket access —
// callers that want an early failure should HeadBucket themselves.
func NewLower(cfg LowerConfig) *LowerLayer {
	return &LowerLayer{client: cfg.Client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix, readOnly: cfg.ReadOnly}
}

func (l *LowerLayer) key(id string) string { return l.keyPrefix + id }

type lowerFd struct {
	data []byte
}

func (fd *lowerFd) Pread(buf []byte, off int64) (int, error) {
	if off >= int64(len(fd.data)) {
		return 0, io.EOF
	}
	n := copy(buf, fd.data[off:])
	return n, nil
}

func (fd *lowerFd) Size() (int64, error) { return int64(len(fd.data)), nil }
func (fd *lowerFd) Close() error         { return nil }

func isNoSuchKey(err error) bool {
	var notFound *types.NoSuchKey
	return errors.As(err, &notFound)
}

// Open fetches the full object body into memory and serves Pread from
// it. Objects served by ChunkedReader are bounded by the catalog's chunk
// size, so this is not unbounded in practice.
func (l *LowerLayer) Open(ctx context.Context, id string) (Fd, error) {
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, cvmfserrors.New("LowerLayer.Open", cvmfserrors.NotFound)
		}
		return nil, cvmfserrors.Wrap("LowerLayer.Open", cvmfserrors.IO, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, cvmfserrors.Wrap("LowerLayer.Open", cvmfserrors.IO, err)
	}
	return &lowerFd{data: data}, nil
}

type lowerTxn struct {
	id  string
	buf bytes.Buffer
}

func (t *lowerTxn) Write(buf []byte) (int, error) { return t.buf.Write(buf) }

// StartTxn buffers the write in memory; S3's PutObject needs the whole
// body up front.
func (l *LowerLayer) StartTxn(ctx context.Context, id string, size int64) (Txn, error) {
	if l.readOnly {
		return nil, cvmfserrors.New("LowerLayer.StartTxn", cvmfserrors.Unsupported)
	}
	t := &lowerTxn{id: id}
	if size > 0 {
		t.buf.Grow(int(size))
	}
	return t, nil
}

// CommitTxn uploads the buffered body.
func (l *LowerLayer) CommitTxn(ctx context.Context, id string, txn Txn) error {
	t := txn.(*lowerTxn)
	_, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(id)),
		Body:   bytes.NewReader(t.buf.Bytes()),
	})
	if err != nil {
		return cvmfserrors.Wrap("LowerLayer.CommitTxn", cvmfserrors.IO, fmt.Errorf("put %s: %w", id, err))
	}
	return nil
}

// AbortTxn discards the in-memory buffer.
func (l *LowerLayer) AbortTxn(ctx context.Context, txn Txn) error {
	t := txn.(*lowerTxn)
	t.buf.Reset()
	return nil
}

// GetSize performs a HEAD request.
func (l *LowerLayer) GetSize(ctx context.Context, id string) (int64, bool, error) {
	out, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, false, nil
		}
		return 0, false, cvmfserrors.Wrap("LowerLayer.GetSize", cvmfserrors.IO, err)
	}
	if out.ContentLength == nil {
		return 0, false, nil
	}
	return *out.ContentLength, true, nil
}

// ReadOnly reports whether this lower layer rejects writes.
func (l *LowerLayer) ReadOnly() bool { return l.readOnly }
