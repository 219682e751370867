// Package fence implements the RemountFence: a readers/writer coordination
// barrier between filesystem operations and a catalog swap (spec §4.6).
// It provides no ordering between concurrent readers — only exclusion with
// respect to the swap.
package fence

import (
	"sync"
	"sync/atomic"
	"time"
)

// Fence is the RemountFence. Use New: the zero value has no condition
// variable, so Leave and Block would panic on it.
type Fence struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readers  int64
	blocking atomic.Bool
}

// New constructs a ready Fence.
func New() *Fence {
	f := &Fence{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// backoffSleep is the bounded sleep used while waiting for blocking to
// clear. No fairness is required (spec §4.6).
const backoffSleep = 200 * time.Microsecond

// Enter waits until no remount is in progress, then registers a reader.
// Callers must pair every Enter with a Leave.
func (f *Fence) Enter() {
	for {
		for f.blocking.Load() {
			time.Sleep(backoffSleep)
		}
		// Re-check blocking and count the reader under mu, which Block
		// holds while it reads the count: either Block sees this reader
		// and waits for its Leave, or this re-check sees blocking and the
		// reader backs off. Block never runs alongside a reader.
		f.mu.Lock()
		if !f.blocking.Load() {
			atomic.AddInt64(&f.readers, 1)
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
	}
}

// Leave deregisters a reader.
func (f *Fence) Leave() {
	f.mu.Lock()
	n := atomic.AddInt64(&f.readers, -1)
	if n == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// Block sets blocking=true and waits until all registered readers have left.
func (f *Fence) Block() {
	f.blocking.Store(true)
	f.mu.Lock()
	for atomic.LoadInt64(&f.readers) > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// Unblock clears blocking, allowing new readers to Enter.
func (f *Fence) Unblock() {
	f.blocking.Store(false)
}

// Readers reports the current reader count, for diagnostics/tests.
func (f *Fence) Readers() int64 {
	return atomic.LoadInt64(&f.readers)
}

// Blocking reports whether a remount is currently in progress.
func (f *Fence) Blocking() bool {
	return f.blocking.Load()
}
