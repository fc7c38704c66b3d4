package stream

import (
	"encoding/binary"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultPrebufferBytes holds a little over two minutes of 16 kHz mono PCM.
const DefaultPrebufferBytes = 4 << 20

const frameHeader = 4

// Prebuffer holds audio captured before the socket is ready. Frames are
// stored length-prefixed in a byte ring; when the ring is full the oldest
// frames are evicted.
type Prebuffer struct {
	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	count   int
	bytes   int
	dropped int
}

func NewPrebuffer(capacity int) *Prebuffer {
	if capacity <= frameHeader {
		capacity = DefaultPrebufferBytes
	}
	return &Prebuffer{rb: ringbuffer.New(capacity).SetBlocking(false)}
}

func (p *Prebuffer) Append(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendLocked(data)
}

func (p *Prebuffer) AppendMany(items [][]byte) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, data := range items {
		p.appendLocked(data)
	}
}

func (p *Prebuffer) appendLocked(data []byte) {
	need := len(data) + frameHeader
	if need > p.rb.Capacity() {
		p.dropped++
		return
	}
	for p.rb.Free() < need {
		if _, ok := p.popLocked(); !ok {
			p.resetLocked()
			break
		}
		p.dropped++
	}

	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := p.rb.Write(hdr[:]); err != nil {
		p.resetLocked()
		return
	}
	if len(data) > 0 {
		if _, err := p.rb.Write(data); err != nil {
			p.resetLocked()
			return
		}
	}
	p.count++
	p.bytes += len(data)
}

func (p *Prebuffer) popLocked() ([]byte, bool) {
	if p.rb.IsEmpty() {
		return nil, false
	}
	var hdr [frameHeader]byte
	if n, err := p.rb.Read(hdr[:]); err != nil || n != frameHeader {
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(hdr[:]))
	data := make([]byte, size)
	if size > 0 {
		if n, err := p.rb.Read(data); err != nil || n != size {
			return nil, false
		}
	}
	p.count--
	p.bytes -= size
	return data, true
}

func (p *Prebuffer) resetLocked() {
	p.rb.Reset()
	p.count = 0
	p.bytes = 0
}

// PopAll drains the buffer atomically, oldest frame first.
func (p *Prebuffer) PopAll() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, p.count)
	for {
		data, ok := p.popLocked()
		if !ok {
			break
		}
		out = append(out, data)
	}
	p.resetLocked()
	return out
}

// Copy returns the buffered frames without removing them.
func (p *Prebuffer) Copy() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for {
		data, ok := p.popLocked()
		if !ok {
			break
		}
		out = append(out, data)
	}
	p.resetLocked()
	for _, data := range out {
		p.appendLocked(data)
	}
	return out
}

func (p *Prebuffer) Clear() {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
}

func (p *Prebuffer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Prebuffer) IsEmpty() bool { return p.Count() == 0 }

func (p *Prebuffer) TotalBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Dropped counts frames evicted or rejected since construction.
func (p *Prebuffer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
