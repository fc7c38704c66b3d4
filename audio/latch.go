package audio

import (
	"sync"
	"time"
)

type LatchConfig struct {
	Prime    time.Duration // noise floor learning window after Engage
	Override time.Duration // audio is allowed after this long regardless of voice
	MarginDB float64       // threshold above the noise floor
	FloorDB  float64       // lowest threshold
	Frames   int           // consecutive loud frames to latch
}

// Latch is an energy voice detector. It learns the noise floor for a short
// window after the microphone engages, then latches once enough consecutive
// buffers sit above floor+margin. Once latched it stays latched until the
// next Engage.
type Latch struct {
	cfg LatchConfig
	now func() time.Time

	mu       sync.Mutex
	engaged  time.Time
	floor    float64
	seeded   bool
	run      int
	latched  bool
	lastLoud time.Time
}

func NewLatch(cfg LatchConfig) *Latch {
	if cfg.Frames < 1 {
		cfg.Frames = 1
	}
	return &Latch{cfg: cfg, now: time.Now}
}

// Engage starts a new utterance.
func (l *Latch) Engage() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.engaged = l.now()
	l.floor = floorDB
	l.seeded = false
	l.run = 0
	l.latched = false
	l.lastLoud = time.Time{}
}

// Observe feeds one buffer's level and reports whether this call latched.
func (l *Latch) Observe(level float64) bool {
	db := ApproxDB(level)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.engaged) < l.cfg.Prime {
		if !l.seeded {
			l.floor, l.seeded = db, true
		} else {
			l.floor = max(floorDB, min(0, l.floor*0.9+db*0.1))
		}
		return false
	}

	if db <= l.thresholdLocked() {
		l.run = 0
		return false
	}
	l.lastLoud = now
	l.run++
	if l.latched || l.run < l.cfg.Frames {
		return false
	}
	l.latched = true
	return true
}

func (l *Latch) thresholdLocked() float64 {
	return max(l.floor+l.cfg.MarginDB, l.cfg.FloorDB)
}

// Threshold is the current speech threshold in dBFS.
func (l *Latch) Threshold() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.thresholdLocked()
}

func (l *Latch) Latched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latched
}

// Allow reports whether audio may go to the wire.
func (l *Latch) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latched || (!l.engaged.IsZero() && l.now().Sub(l.engaged) >= l.cfg.Override)
}

// QuietFor is how long the input has stayed below threshold. Before any
// loud buffer it counts from Engage.
func (l *Latch) QuietFor() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := l.lastLoud
	if ref.IsZero() {
		ref = l.engaged
	}
	if ref.IsZero() {
		return 0
	}
	return l.now().Sub(ref)
}
