package fsops

import (
	"math/rand"
	"sync"
	"time"
)

// dosBackoff is the process-wide "(timestamp, delay)" pair of spec §4.9:
// on a cache-open failure, sleep and double the delay (capped at 2s) if the
// previous failure was within the last 10s; otherwise pick a fresh random
// start in [2, 32) ms. This is deliberately process-wide, not per-inode or
// per-handle, to bound aggregate request pressure on an upstream proxy
// during a failure storm.
type dosBackoff struct {
	mu    sync.Mutex
	last  time.Time
	delay time.Duration
}

const (
	dosMinStart   = 2 * time.Millisecond
	dosMaxStartAt = 30 * time.Millisecond // start is uniform in [2ms, 2ms+30ms) = [2,32)ms
	dosWindow     = 10 * time.Second
	dosCap        = 2 * time.Second
)

func (b *dosBackoff) onFailure() {
	b.mu.Lock()
	now := time.Now()

	var sleepFor time.Duration
	if !b.last.IsZero() && now.Sub(b.last) < dosWindow && b.delay > 0 {
		sleepFor = b.delay
		next := b.delay * 2
		if next > dosCap {
			next = dosCap
		}
		b.delay = next
	} else {
		sleepFor = dosMinStart + time.Duration(rand.Int63n(int64(dosMaxStartAt)))
		b.delay = sleepFor
	}
	b.last = now
	b.mu.Unlock()

	time.Sleep(sleepFor)
}
