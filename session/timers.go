package session

import (
	"sync"
	"time"

	"clio/log"
)

const (
	timerStandbyKeepalive = "standby_keepalive"
	timerStandbyTTL       = "standby_ttl"
	timerWarmKeepalive    = "warm_keepalive"
	timerWarmTTL          = "warm_ttl"
	timerActiveKeepalive  = "active_keepalive"
	timerConnectWatchdog  = "connect_watchdog"
	timerSpeechWatchdog   = "speech_watchdog"
	timerFinalizeGuard    = "finalize_guard"
)

// unscoped tags a task that is not tied to any socket generation.
const unscoped uint64 = 0

// Timers owns every delayed task of a controller. A task is keyed, so
// scheduling a key again replaces the old task, and tagged with the
// generation it was scheduled under; a fire after the generation moved on
// does nothing.
type Timers struct {
	current func() uint64

	mu    sync.Mutex
	tasks map[string]*timerTask
	next  uint64
}

type timerTask struct {
	id     uint64
	gen    uint64
	timer  *time.Timer
	repeat time.Duration
	fn     func()
}

func NewTimers(current func() uint64) *Timers {
	return &Timers{current: current, tasks: make(map[string]*timerTask)}
}

// After runs fn once after d.
func (s *Timers) After(key string, gen uint64, d time.Duration, fn func()) {
	s.schedule(key, gen, d, 0, fn)
}

// Every runs fn every d until cancelled or the generation changes.
func (s *Timers) Every(key string, gen uint64, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	s.schedule(key, gen, d, d, fn)
}

func (s *Timers) schedule(key string, gen uint64, d, repeat time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.tasks[key]; old != nil {
		old.timer.Stop()
	}
	s.next++
	t := &timerTask{id: s.next, gen: gen, repeat: repeat, fn: fn}
	t.timer = time.AfterFunc(d, func() { s.fire(key, t) })
	s.tasks[key] = t
}

func (s *Timers) fire(key string, t *timerTask) {
	s.mu.Lock()
	if s.tasks[key] != t {
		s.mu.Unlock()
		return
	}
	if cur := s.current(); t.gen != unscoped && cur != t.gen {
		delete(s.tasks, key)
		s.mu.Unlock()
		log.Debugf("timer %s dropped: generation %d, now %d", key, t.gen, cur)
		return
	}
	if t.repeat > 0 {
		t.timer.Reset(t.repeat)
	} else {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	t.fn()
}

func (s *Timers) Cancel(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if t := s.tasks[key]; t != nil {
			t.timer.Stop()
			delete(s.tasks, key)
		}
	}
}

func (s *Timers) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}

// Pending reports whether key is scheduled.
func (s *Timers) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[key] != nil
}
