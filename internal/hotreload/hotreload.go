// Package hotreload encodes the core's save/restore state (spec §6,
// "Hot-reload state") with github.com/fxamacker/cbor/v2, replacing the
// teacher's metadata/persistence_api.go use of encoding/gob: cbor is
// self-describing and tolerates unknown/missing fields, which matters for
// the InodeTrackerV3 migration path (a v1/v2 snapshot decodes into the
// same struct with its newer fields left at their zero value).
package hotreload

import (
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/bbockelm/cvmfs/internal/catalogmgr"
	"github.com/bbockelm/cvmfs/internal/chunked"
	"github.com/bbockelm/cvmfs/internal/inodetracker"
	"github.com/bbockelm/cvmfs/internal/tieredcache"
)

// encMode is configured for Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding. Saved state is never
// diffed or hashed, but deterministic output makes two saves of
// identical state byte-identical, which is convenient for tests.
var encMode cbor.EncMode

// decMode accepts standard CBOR and silently ignores unknown map keys,
// so a State encoded by a newer binary can still be read by an older one
// during a rolling hot-reload.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("hotreload: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("hotreload: CBOR decoder initialization failed: " + err.Error())
	}
}

// InodeGeneration is the "InodeGeneration" state tag: `{version,
// initial_revision, incarnation, overflow_counter_unused,
// inode_generation}` per spec §6. OverflowCounterUnused is carried only
// so a v1/v2 snapshot's field of the same name round-trips; nothing in
// this rewrite reads it.
type InodeGeneration struct {
	Version               int
	InitialRevision       uint64
	Incarnation           string
	OverflowCounterUnused uint64
	InodeGenerationValue  uint64
}

// State is the complete set of hot-reload state tags this rewrite
// persists. OpenDirs is intentionally omitted: this rewrite builds each
// directory's entry buffer eagerly per-Opendir from a single catalog
// listing call (see fsops.Node.Readdir) rather than keeping a
// kernel-visible buffer alive across calls, so there is no "dir-handle ->
// buffer, size, capacity" state outside of go-fuse's own internal
// DirStream bookkeeping for a completed Readdir wants to snapshot — the
// buffer is always immediately recomputable from the catalog, making it
// redundant to persist.
type State struct {
	InodeTracker     inodetracker.Snapshot
	InodeGen         InodeGeneration
	OpenFiles        chunked.Snapshot
	OpenFilesCounter int64
}

// Save gathers every hot-reload state tag from the live collaborators.
func Save(tracker *inodetracker.Tracker, mgr *catalogmgr.Manager, reader *chunked.Reader, openFilesCounter int64) State {
	incarnation, initialRevision, generation := mgr.SaveInodeGeneration()
	return State{
		InodeTracker: tracker.Save(),
		InodeGen: InodeGeneration{
			Version:              3,
			InitialRevision:      initialRevision,
			Incarnation:          incarnation,
			InodeGenerationValue: generation,
		},
		OpenFiles:        reader.Save(),
		OpenFilesCounter: openFilesCounter,
	}
}

// Encode writes State to w as a single CBOR item.
func Encode(w io.Writer, s State) error {
	return encMode.NewEncoder(w).Encode(s)
}

// Decode reads a single CBOR-encoded State from r.
func Decode(r io.Reader) (State, error) {
	var s State
	err := decMode.NewDecoder(r).Decode(&s)
	return s, err
}

// Restore rebuilds an InodeTracker and ChunkedReader from a previously
// Saved and Decoded State, and raises mgr's generation counter to at least
// the restored value so newly minted inodes cannot collide with ones the
// kernel still holds. handleInode supplies the chunked-reader
// handle->inode association the chunked.Snapshot itself cannot recover
// (see chunked.Reader.Save).
func Restore(s State, mgr *catalogmgr.Manager, cache *tieredcache.TieredCache, handleInode map[uint64]uint64) (*inodetracker.Tracker, *chunked.Reader) {
	mgr.RestoreInodeGeneration(s.InodeGen.InodeGenerationValue)
	tracker := inodetracker.Restore(s.InodeTracker)
	reader := chunked.Restore(cache, s.OpenFiles, handleInode)
	return tracker, reader
}
