package chunked

import (
	"context"
	"testing"

	"github.com/bbockelm/cvmfs/internal/catalogdb"
	"github.com/bbockelm/cvmfs/internal/tieredcache"
)

type memLayer struct{ objects map[string][]byte }

func newMemLayer() *memLayer { return &memLayer{objects: make(map[string][]byte)} }

type memFd struct{ data []byte }

func (f *memFd) Pread(buf []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(buf, f.data[off:]), nil
}
func (f *memFd) Size() (int64, error) { return int64(len(f.data)), nil }
func (f *memFd) Close() error         { return nil }

type memTxn struct{ data []byte }

func (t *memTxn) Write(buf []byte) (int, error) {
	t.data = append(t.data, buf...)
	return len(buf), nil
}

func (l *memLayer) Open(ctx context.Context, id string) (tieredcache.Fd, error) {
	data, ok := l.objects[id]
	if !ok {
		return nil, errNotFound{}
	}
	return &memFd{data: data}, nil
}
func (l *memLayer) StartTxn(ctx context.Context, id string, size int64) (tieredcache.Txn, error) {
	return &memTxn{}, nil
}
func (l *memLayer) CommitTxn(ctx context.Context, id string, txn tieredcache.Txn) error {
	l.objects[id] = txn.(*memTxn).data
	return nil
}
func (l *memLayer) AbortTxn(ctx context.Context, txn tieredcache.Txn) error { return nil }
func (l *memLayer) GetSize(ctx context.Context, id string) (int64, bool, error) {
	data, ok := l.objects[id]
	return int64(len(data)), ok, nil
}
func (l *memLayer) ReadOnly() bool { return false }

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func buildReader(t *testing.T) (*Reader, *memLayer) {
	t.Helper()
	upper := newMemLayer()
	lower := newMemLayer()
	upper.objects["chunk0"] = []byte("0123456789")
	upper.objects["chunk1"] = []byte("ABCDEFGHIJ")
	cache := tieredcache.New(upper, lower, nil)
	return New(cache), upper
}

func testChunks() []catalogdb.FileChunk {
	return []catalogdb.FileChunk{
		{ContentHash: "chunk0", Offset: 0, Size: 10},
		{ContentHash: "chunk1", Offset: 10, Size: 10},
	}
}

func TestOpenRefcountsSameInode(t *testing.T) {
	r, _ := buildReader(t)
	fetch := func() ([]catalogdb.FileChunk, error) { return testChunks(), nil }

	h1, err := r.Open(1, "/f", fetch)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := r.Open(1, "/f", fetch)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct handles per open call")
	}
	if !r.IsOpen(1) {
		t.Fatal("expected inode to be tracked as open")
	}

	r.Release(1, h1)
	if !r.IsOpen(1) {
		t.Fatal("inode should still be open after releasing one of two handles")
	}
	r.Release(1, h2)
	if r.IsOpen(1) {
		t.Fatal("inode should be closed after releasing both handles")
	}
}

func TestReadWithinSingleChunk(t *testing.T) {
	r, _ := buildReader(t)
	handle, err := r.Open(1, "/f", func() ([]catalogdb.FileChunk, error) { return testChunks(), nil })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 5)
	n, err := r.Read(context.Background(), 1, handle, buf, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "23456" {
		t.Fatalf("Read = %q, want 23456", buf[:n])
	}
}

func TestReadSpanningChunks(t *testing.T) {
	r, _ := buildReader(t)
	handle, err := r.Open(1, "/f", func() ([]catalogdb.FileChunk, error) { return testChunks(), nil })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 6)
	n, err := r.Read(context.Background(), 1, handle, buf, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "89ABCD" {
		t.Fatalf("Read = %q, want 89ABCD", buf[:n])
	}
}

func TestReleaseClosesHotFdAtZeroRefcount(t *testing.T) {
	r, _ := buildReader(t)
	handle, err := r.Open(1, "/f", func() ([]catalogdb.FileChunk, error) { return testChunks(), nil })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := r.Read(context.Background(), 1, handle, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	r.Release(1, handle)
	if r.IsOpen(1) {
		t.Fatal("expected inode closed after last release")
	}
}
