package stream

import (
	"context"
	"sync"
)

// Frame is one outbound message recorded by FakeSocket.
type Frame struct {
	Text   string
	Data   []byte
	IsText bool
}

// IsEOS reports whether f is the empty binary end-of-audio frame.
func (f Frame) IsEOS() bool { return !f.IsText && len(f.Data) == 0 }

// FakeSocket is an in-memory socket. Server messages are injected with
// Push; a Script hook sees every written frame and can answer it.
type FakeSocket struct {
	id     string
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	frames   []Frame
	failErr  error
	failLeft int
	script   func(*FakeSocket, Frame)
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		id:     NewSocketID(),
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (s *FakeSocket) ID() string { return s.id }

// Script installs fn to run after each successful write.
func (s *FakeSocket) Script(fn func(*FakeSocket, Frame)) {
	s.mu.Lock()
	s.script = fn
	s.mu.Unlock()
}

// FailWrites makes the next n writes return err.
func (s *FakeSocket) FailWrites(err error, n int) {
	s.mu.Lock()
	s.failErr = err
	s.failLeft = n
	s.mu.Unlock()
}

func (s *FakeSocket) WriteText(_ context.Context, text string) error {
	return s.record(Frame{Text: text, IsText: true})
}

func (s *FakeSocket) WriteBinary(_ context.Context, data []byte) error {
	return s.record(Frame{Data: append([]byte(nil), data...)})
}

func (s *FakeSocket) record(f Frame) error {
	select {
	case <-s.closed:
		return ErrNotConnected
	default:
	}
	s.mu.Lock()
	if s.failLeft > 0 {
		s.failLeft--
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, f)
	script := s.script
	s.mu.Unlock()
	if script != nil {
		script(s, f)
	}
	return nil
}

// Push delivers a server message to the reader.
func (s *FakeSocket) Push(msg string) {
	select {
	case s.inbox <- []byte(msg):
	case <-s.closed:
	}
}

func (s *FakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *FakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *FakeSocket) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Frames returns a copy of everything written so far.
func (s *FakeSocket) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// TextFrames returns only the text frames, in order.
func (s *FakeSocket) TextFrames() []string {
	var out []string
	for _, f := range s.Frames() {
		if f.IsText {
			out = append(out, f.Text)
		}
	}
	return out
}

// FakeDialer hands out FakeSockets and remembers them.
type FakeDialer struct {
	mu       sync.Mutex
	sockets  []*FakeSocket
	urls     []string
	failErr  error
	failLeft int
	onDial   func(*FakeSocket)
}

// OnDial runs fn on every new socket before Dial returns it.
func (d *FakeDialer) OnDial(fn func(*FakeSocket)) {
	d.mu.Lock()
	d.onDial = fn
	d.mu.Unlock()
}

// FailDials makes the next n dials return err.
func (d *FakeDialer) FailDials(err error, n int) {
	d.mu.Lock()
	d.failErr = err
	d.failLeft = n
	d.mu.Unlock()
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if d.failLeft > 0 {
		d.failLeft--
		err := d.failErr
		d.mu.Unlock()
		return nil, err
	}
	s := NewFakeSocket()
	d.sockets = append(d.sockets, s)
	onDial := d.onDial
	d.mu.Unlock()
	if onDial != nil {
		onDial(s)
	}
	return s, nil
}

// Sockets returns every socket dialed so far, oldest first.
func (d *FakeDialer) Sockets() []*FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeSocket(nil), d.sockets...)
}

// Dials counts attempts, failed ones included.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Last returns the newest socket or nil.
func (d *FakeDialer) Last() *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}
