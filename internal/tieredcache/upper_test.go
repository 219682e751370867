package tieredcache

import (
	"context"
	"testing"

	"github.com/bbockelm/cvmfs/internal/cvmfserrors"
)

func TestUpperLayerWriteCommitReadRoundTrip(t *testing.T) {
	upper, err := OpenUpper(UpperConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenUpper: %v", err)
	}
	defer upper.Close()

	ctx := context.Background()
	txn, err := upper.StartTxn(ctx, "deadbeef", 11)
	if err != nil {
		t.Fatalf("StartTxn: %v", err)
	}
	if _, err := txn.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := upper.CommitTxn(ctx, "deadbeef", txn); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}

	fd, err := upper.Open(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fd.Close()

	buf := make([]byte, 11)
	n, err := fd.Pread(buf, 0)
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("Pread = %q", buf[:n])
	}

	size, ok, err := upper.GetSize(ctx, "deadbeef")
	if err != nil || !ok || size != 11 {
		t.Fatalf("GetSize = (%d, %v, %v)", size, ok, err)
	}
}

func TestUpperLayerOpenMissingReturnsNotFound(t *testing.T) {
	upper, err := OpenUpper(UpperConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenUpper: %v", err)
	}
	defer upper.Close()

	_, err = upper.Open(context.Background(), "nonexistent")
	if !cvmfserrors.Is(err, cvmfserrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpperLayerAbortTxnDiscardsData(t *testing.T) {
	upper, err := OpenUpper(UpperConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenUpper: %v", err)
	}
	defer upper.Close()

	ctx := context.Background()
	txn, err := upper.StartTxn(ctx, "aborted", 4)
	if err != nil {
		t.Fatalf("StartTxn: %v", err)
	}
	txn.Write([]byte("fail"))
	if err := upper.AbortTxn(ctx, txn); err != nil {
		t.Fatalf("AbortTxn: %v", err)
	}

	_, err = upper.Open(ctx, "aborted")
	if !cvmfserrors.Is(err, cvmfserrors.NotFound) {
		t.Fatal("expected aborted transaction to leave no committed object")
	}
}
