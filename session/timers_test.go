package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimersAfterFires(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(1)
	s := NewTimers(gen.Load)
	var fired atomic.Int32
	s.After("k", 1, 5*time.Millisecond, func() { fired.Add(1) })
	waitFor(t, "timer", func() bool { return fired.Load() == 1 })
	if s.Pending("k") {
		t.Error("one-shot task still pending after firing")
	}
}

func TestTimersReplaceByKey(t *testing.T) {
	var gen atomic.Uint64
	s := NewTimers(gen.Load)
	var first, second atomic.Int32
	s.After("k", 0, 20*time.Millisecond, func() { first.Add(1) })
	s.After("k", 0, 20*time.Millisecond, func() { second.Add(1) })
	waitFor(t, "replacement", func() bool { return second.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced task fired")
	}
}

func TestTimersStaleGenerationDropped(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(3)
	s := NewTimers(gen.Load)
	var fired atomic.Int32
	s.After("k", 3, 10*time.Millisecond, func() { fired.Add(1) })
	gen.Store(4)
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("task of an old generation fired")
	}
	if s.Pending("k") {
		t.Error("dropped task still pending")
	}
}

func TestTimersUnscopedSurvivesGenerationChange(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(7)
	s := NewTimers(gen.Load)
	var fired atomic.Int32
	s.After("guard", unscoped, 10*time.Millisecond, func() { fired.Add(1) })
	gen.Store(9)
	waitFor(t, "unscoped task", func() bool { return fired.Load() == 1 })
}

func TestTimersEveryRepeatsUntilCancel(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(1)
	s := NewTimers(gen.Load)
	var n atomic.Int32
	s.Every("tick", 1, 5*time.Millisecond, func() { n.Add(1) })
	waitFor(t, "three ticks", func() bool { return n.Load() >= 3 })
	s.Cancel("tick")
	got := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() > got+1 {
		t.Errorf("ticks after cancel: %d -> %d", got, n.Load())
	}
	if s.Pending("tick") {
		t.Error("cancelled task still pending")
	}
}

func TestTimersEveryZeroIntervalIgnored(t *testing.T) {
	var gen atomic.Uint64
	s := NewTimers(gen.Load)
	s.Every("tick", 0, 0, func() { t.Error("zero interval task ran") })
	if s.Pending("tick") {
		t.Error("zero interval task scheduled")
	}
}

func TestTimersCancelAll(t *testing.T) {
	var gen atomic.Uint64
	s := NewTimers(gen.Load)
	var fired atomic.Int32
	for _, k := range []string{"a", "b", "c"} {
		s.After(k, 0, 20*time.Millisecond, func() { fired.Add(1) })
	}
	s.CancelAll()
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("fired = %d after CancelAll", fired.Load())
	}
}
