package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"clio/log"
)

const (
	MaxQueueDepth      = 5000
	backpressureDepth  = 500
	bulkFlushDepth     = 10
	bulkPacing         = 5 * time.Millisecond
	livePacing         = 1 * time.Millisecond
	transientRetryWait = 5 * time.Millisecond
	drainPoll          = 20 * time.Millisecond
	writeTimeout       = 10 * time.Second
)

// Writer is the outbound half of a socket.
type Writer interface {
	WriteText(ctx context.Context, text string) error
	WriteBinary(ctx context.Context, data []byte) error
}

type item struct {
	seq      uint64
	text     string
	data     []byte
	isText   bool
	priority bool
}

type QueueStats struct {
	SentFrames   int
	SentBytes    int
	DroppedItems int
}

// Queue is the single ordered path from the session to the socket. One
// goroutine consumes it; every frame, control or audio, leaves in the order
// it was enqueued. A connection-level failure puts the frame back at the
// head and pauses the queue until the owner binds a new writer and resumes.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []item
	w       Writer
	paused  bool
	sending bool
	closed  bool
	warned  bool
	seq     uint64
	last    time.Time
	stats   QueueStats

	onFailure func(error)
	onDrop    func(items, bytes int)

	done chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{paused: true, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// OnFailure installs the handler called, on its own goroutine, after a
// connection-level send failure.
func (q *Queue) OnFailure(fn func(error)) {
	q.mu.Lock()
	q.onFailure = fn
	q.mu.Unlock()
}

// OnDrop installs the handler called when the depth ceiling clears the queue.
func (q *Queue) OnDrop(fn func(items, bytes int)) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// Bind swaps the writer. The queue keeps its contents and stays paused; the
// caller queues the start frame with SendStartFirst and then resumes.
func (q *Queue) Bind(w Writer) {
	q.mu.Lock()
	q.w = w
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) SendBinary(data []byte) {
	q.enqueue(item{data: data})
}

func (q *Queue) SendText(text string) {
	q.enqueue(item{text: text, isText: true})
}

// SendStartFirst puts text at the head of the queue, ahead of anything
// buffered or requeued.
func (q *Queue) SendStartFirst(text string) {
	q.mu.Lock()
	it := item{seq: q.seq, text: text, isText: true, priority: true}
	q.seq++
	q.items = append([]item{it}, q.items...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) enqueue(it item) {
	q.mu.Lock()
	var dropItems, dropBytes int
	var onDrop func(int, int)
	if len(q.items) >= MaxQueueDepth {
		dropItems = len(q.items)
		for _, old := range q.items {
			dropBytes += len(old.data)
		}
		q.items = nil
		q.stats.DroppedItems += dropItems
		onDrop = q.onDrop
	}
	it.seq = q.seq
	q.seq++
	q.items = append(q.items, it)
	q.cond.Broadcast()
	q.mu.Unlock()

	if dropItems > 0 {
		log.QueueDrop(dropItems, dropBytes)
		log.Warnf("%v: cleared %d items", ErrQueueOverflow, dropItems)
		if onDrop != nil {
			onDrop(dropItems, dropBytes)
		}
	}
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Depth counts queued frames plus the one being written.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.sending {
		n++
	}
	return n
}

// Clear drops everything queued. The frame in flight, if any, still goes out.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// ResetSequence restarts numbering for a new utterance on a reused socket.
func (q *Queue) ResetSequence() {
	q.mu.Lock()
	q.seq = 0
	q.mu.Unlock()
}

// MillisSinceLastSend reports the time since the last successful write.
func (q *Queue) MillisSinceLastSend() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last.IsZero() {
		return 0, false
	}
	return time.Since(q.last).Milliseconds(), true
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) ResetStats() {
	q.mu.Lock()
	q.stats = QueueStats{}
	q.mu.Unlock()
}

// WaitUntilDrained polls until nothing is queued or in flight. It reports
// whether the queue drained before the timeout. A paused queue never drains.
func (q *Queue) WaitUntilDrained(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		drained := len(q.items) == 0 && !q.sending
		q.mu.Unlock()
		if drained {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(drainPoll):
		}
	}
}

// Close stops the consumer. Queued frames are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && (q.paused || q.w == nil || len(q.items) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.sending = true
		w := q.w
		depth := len(q.items)
		if depth > backpressureDepth && !q.warned {
			q.warned = true
			log.Warnf("send queue backpressure: depth=%d", depth)
		} else if depth <= backpressureDepth {
			q.warned = false
		}
		q.mu.Unlock()

		err := write(w, it)
		if err != nil && !IsConnectionError(err) {
			log.Warnf("transient send error seq=%d: %v, retrying", it.seq, err)
			time.Sleep(transientRetryWait)
			err = write(w, it)
		}

		q.mu.Lock()
		q.sending = false
		var onFailure func(error)
		switch {
		case err == nil:
			q.last = time.Now()
			q.stats.SentFrames++
			q.stats.SentBytes += len(it.data)
		case IsConnectionError(err):
			q.requeueLocked(it)
			q.paused = true
			onFailure = q.onFailure
			log.Errorf("send failed seq=%d, requeued (depth=%d): %v", it.seq, len(q.items), err)
		default:
			log.Errorf("send failed twice seq=%d, dropping frame: %v", it.seq, err)
		}
		remaining := len(q.items)
		q.cond.Broadcast()
		q.mu.Unlock()

		if onFailure != nil {
			go onFailure(err)
		}
		if err == nil && remaining > 0 {
			if remaining > bulkFlushDepth {
				time.Sleep(bulkPacing)
			} else {
				time.Sleep(livePacing)
			}
		}
	}
}

// requeueLocked puts it back at the head, behind any start frame queued
// while it was in flight.
func (q *Queue) requeueLocked(it item) {
	at := 0
	for at < len(q.items) && q.items[at].priority {
		at++
	}
	q.items = append(q.items, item{})
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = it
}

func write(w Writer, it item) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if it.isText {
		return w.WriteText(ctx, it.text)
	}
	return w.WriteBinary(ctx, it.data)
}

// IsConnectionError reports whether err means the socket is gone and the
// frame must wait for a reconnect.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"socket is not connected", "broken pipe", "connection reset", "closed", "cancel"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
