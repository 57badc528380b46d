package scheduler

import "sync"

// LoopDetector flags a thread as an active-lock ("spinning") candidate once
// it revisits the same code location too many times without an intervening
// visit to any other location. It is keyed on (thread, code location)
// since the scheduler does not itself own the object under test's state.
type LoopDetector struct {
	mu        sync.Mutex
	threshold int
	last      map[int]string // tid -> last code location visited
	streak    map[int]int    // tid -> consecutive visits to last[tid]
}

// NewLoopDetector builds a detector that reports "exceeded" once a
// thread's streak at one code location reaches threshold (the
// hanging-detection threshold from the configuration surface).
func NewLoopDetector(threshold int) *LoopDetector {
	if threshold <= 0 {
		threshold = 10000
	}
	return &LoopDetector{
		threshold: threshold,
		last:      make(map[int]string),
		streak:    make(map[int]int),
	}
}

// Register records that tid executed a switch point at codeLoc and reports
// whether the loop threshold has now been exceeded for that thread.
func (d *LoopDetector) Register(tid int, codeLoc string) (exceeded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.last[tid] == codeLoc {
		d.streak[tid]++
	} else {
		d.last[tid] = codeLoc
		d.streak[tid] = 1
	}
	return d.streak[tid] >= d.threshold
}

// StreakFor reports the current consecutive-visit count for tid, used by
// failure reporting to include "how many repeats" in an
// ObstructionFreedomViolation.
func (d *LoopDetector) StreakFor(tid int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streak[tid]
}

// Reset clears a thread's streak, called once it executes any switch point
// that represents genuine progress (e.g. a successful monitor acquisition).
func (d *LoopDetector) Reset(tid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, tid)
	delete(d.streak, tid)
}
