package netmon

import (
	"sync"
	"time"
)

// FailureWindow counts transport failures inside a sliding window.
type FailureWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	times     []time.Time
	now       func() time.Time
}

func NewFailureWindow(window time.Duration, threshold int) *FailureWindow {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureWindow{window: window, threshold: threshold, now: time.Now}
}

// Record notes a failure of kind k and reports whether the threshold is
// reached. Reaching it empties the window.
func (w *FailureWindow) Record(k Kind) bool {
	if !Counted(k) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	if len(w.times) >= w.threshold {
		w.times = nil
		return true
	}
	return false
}

func (w *FailureWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.times)
}

func (w *FailureWindow) Reset() {
	w.mu.Lock()
	w.times = nil
	w.mu.Unlock()
}
