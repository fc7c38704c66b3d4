package netmon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want Kind
	}{
		{errors.New("SSL error: bad record mac"), TLS},
		{errors.New("tls: handshake failure"), TLS},
		{errors.New("read tcp: connection reset by peer"), Reset},
		{errors.New("write: broken pipe"), Reset},
		{errors.New("expected handshake response status code 101 but got 401"), Auth},
		{fmt.Errorf("fetch key: %w", ErrAuth), Auth},
		{errors.New("network is unreachable"), Network},
		{errors.New("i/o timeout"), Network},
		{context.DeadlineExceeded, Network},
		{errors.New("unexpected EOF"), Generic},
		{nil, Generic},
	} {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(Auth) {
		t.Error("auth must not retry")
	}
	for _, k := range []Kind{TLS, Reset, Network, Generic} {
		if !Retryable(k) {
			t.Errorf("%v should retry", k)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	for _, tt := range []struct {
		kind    Kind
		attempt int
		want    time.Duration
	}{
		{TLS, 1, 500 * time.Millisecond},
		{Reset, 1, 2 * time.Second},
		{Reset, 3, 6 * time.Second},
		{Reset, 9, 10 * time.Second},
		{Network, 1, 2 * time.Second},
		{Generic, 2, time.Second},
	} {
		if got := RetryDelay(tt.kind, tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%v, %d) = %v, want %v", tt.kind, tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: 250 * time.Millisecond, Max: 10 * time.Second}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second}
	for n, w := range want {
		if got := b.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
	if got := b.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want cap", got)
	}
}

func TestFailureWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewFailureWindow(8*time.Second, 2)
	w.now = func() time.Time { return now }

	if w.Record(Generic) || w.Len() != 0 {
		t.Fatal("generic failures are not counted")
	}
	if w.Record(Network) {
		t.Fatal("first failure should not trigger")
	}
	now = now.Add(9 * time.Second)
	if w.Record(TLS) {
		t.Fatal("failure outside window should not combine")
	}
	now = now.Add(time.Second)
	if !w.Record(Reset) {
		t.Fatal("second failure inside window should trigger")
	}
	if w.Len() != 0 {
		t.Error("trigger should empty the window")
	}
}

func TestFailureWindowDefaultThreshold(t *testing.T) {
	w := NewFailureWindow(8*time.Second, 0)
	if !w.Record(Network) {
		t.Error("threshold 1 should trigger on first failure")
	}
}

func newTestMonitor(debounce time.Duration, streaming, connecting *atomic.Bool, lastConnect *atomic.Int64, fired *atomic.Int32) *Monitor {
	m := NewMonitor(MonitorConfig{Debounce: debounce, Cooldown: 2 * time.Second}, func() (Path, error) {
		return Path{}, nil
	})
	m.IsStreaming = streaming.Load
	m.IsConnecting = connecting.Load
	m.LastConnectedAt = func() time.Time {
		if n := lastConnect.Load(); n != 0 {
			return time.Unix(0, n)
		}
		return time.Time{}
	}
	m.OnPathChange = func() { fired.Add(1) }
	return m
}

func TestMonitorEvaluate(t *testing.T) {
	var streaming, connecting atomic.Bool
	var lastConnect atomic.Int64
	var fired atomic.Int32
	m := newTestMonitor(10*time.Millisecond, &streaming, &connecting, &lastConnect, &fired)

	wifi := Path{Satisfied: true, Interface: "wlan0"}
	eth := Path{Satisfied: true, Interface: "eth0"}

	m.evaluate(wifi)
	if m.baseline != nil {
		t.Fatal("not streaming: nothing recorded")
	}

	streaming.Store(true)
	m.evaluate(wifi)
	if fired.Load() != 0 || m.baseline == nil {
		t.Fatal("first evaluation only sets the baseline")
	}

	m.evaluate(eth)
	if fired.Load() != 0 {
		t.Fatal("change before first connect must be ignored")
	}

	lastConnect.Store(time.Now().UnixNano())
	m.evaluate(wifi)
	if fired.Load() != 0 {
		t.Fatal("change inside cooldown must be ignored")
	}

	lastConnect.Store(time.Now().Add(-5 * time.Second).UnixNano())
	connecting.Store(true)
	m.evaluate(eth)
	if fired.Load() != 0 {
		t.Fatal("change while connecting must be ignored")
	}

	connecting.Store(false)
	m.evaluate(eth)
	if fired.Load() != 1 {
		t.Fatalf("fired = %d, want 1", fired.Load())
	}

	m.evaluate(eth)
	if fired.Load() != 1 {
		t.Error("unchanged path must not fire")
	}
}

func TestMonitorDebounce(t *testing.T) {
	var streaming, connecting atomic.Bool
	var lastConnect atomic.Int64
	var fired atomic.Int32
	streaming.Store(true)
	lastConnect.Store(time.Now().Add(-time.Minute).UnixNano())
	m := newTestMonitor(100*time.Millisecond, &streaming, &connecting, &lastConnect, &fired)

	m.evaluate(Path{Satisfied: true, Interface: "wlan0"})

	// a burst collapses into one evaluation of the last path
	m.observe(Path{Satisfied: false})
	m.observe(Path{Satisfied: true, Interface: "wlan0"})
	m.observe(Path{Satisfied: true, Interface: "eth0"})

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("fired = %d, want 1", got)
	}
	m.Stop()
}
