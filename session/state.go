package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"

	"clio/log"
)

// Connection states. Exactly one socket is live at a time.
const (
	connIdle         = "idle"
	connConnecting   = "connecting"
	connStandby      = "standby"
	connActive       = "active"
	connWarmHold     = "warm_hold"
	connFinalizing   = "finalizing"
	connDisconnected = "disconnected"
)

const (
	evConnect    = "connect"
	evStandby    = "standby"
	evActivate   = "activate"
	evFinalize   = "finalize"
	evHold       = "hold"
	evDisconnect = "disconnect"
)

// connState tracks the socket lifecycle. Transitions the table does not
// allow are logged and ignored. onChange sees every state entered; it runs
// with no fsm lock held.
type connState struct {
	fsm      *fsm.FSM
	socket   atomic.Value // string
	attempt  atomic.Uint64
	onChange func(state string)
}

func newConnState(onChange func(string)) *connState {
	cs := &connState{onChange: onChange}
	cs.socket.Store("")
	cs.fsm = fsm.NewFSM(
		connIdle,
		fsm.Events{
			{Name: evConnect, Src: []string{connIdle, connDisconnected, connStandby, connActive, connWarmHold, connFinalizing}, Dst: connConnecting},
			{Name: evStandby, Src: []string{connConnecting}, Dst: connStandby},
			{Name: evActivate, Src: []string{connConnecting, connStandby, connWarmHold}, Dst: connActive},
			{Name: evFinalize, Src: []string{connActive, connConnecting}, Dst: connFinalizing},
			{Name: evHold, Src: []string{connFinalizing, connActive}, Dst: connWarmHold},
			{Name: evDisconnect, Src: []string{connIdle, connConnecting, connStandby, connActive, connWarmHold, connFinalizing}, Dst: connDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.SocketState(cs.socket.Load().(string), e.Dst, cs.attempt.Load())
				if cs.onChange != nil {
					cs.onChange(e.Dst)
				}
			},
		},
	)
	return cs
}

func (cs *connState) event(name string) {
	err := cs.fsm.Event(context.Background(), name)
	var noop fsm.NoTransitionError
	if err != nil && !errors.As(err, &noop) {
		log.Debugf("conn state %s: %v", cs.fsm.Current(), err)
	}
}

// bind labels subsequent transitions with the socket they concern.
func (cs *connState) bind(sid string, attempt uint64) {
	cs.socket.Store(sid)
	cs.attempt.Store(attempt)
}

func (cs *connState) Current() string { return cs.fsm.Current() }

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
	StatusFinalizing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusFinalizing:
		return "finalizing"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// State is what the controller publishes to its observers.
type State struct {
	Status       Status
	Conn         string
	Partial      string
	Final        string
	Level        float64
	Reconnecting bool
	Err          error
}

// publisher fans the latest State out to subscribers. Slow subscribers
// miss intermediate states but always see the newest one.
type publisher struct {
	mu   sync.Mutex
	cur  State
	subs []chan State
}

func (p *publisher) subscribe() <-chan State {
	ch := make(chan State, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	ch <- p.cur
	p.mu.Unlock()
	return ch
}

func (p *publisher) update(fn func(*State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.cur)
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- p.cur
	}
}

func (p *publisher) snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
