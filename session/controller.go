// Package session drives one recognizer connection at a time: connecting,
// reusing warm and standby sockets, routing audio through the prebuffer and
// send queue, finalizing utterances, and recovering from transport failures.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"clio/audio"
	"clio/config"
	"clio/credential"
	"clio/encoder"
	"clio/log"
	"clio/metrics"
	"clio/netmon"
	"clio/stream"
	"clio/transcript"
)

var (
	ErrNotStreaming     = errors.New("session: not streaming")
	ErrAlreadyStreaming = errors.New("session: already streaming")
	ErrClosed           = errors.New("session: closed")
)

type purpose string

const (
	purposeActive  purpose = "active"
	purposeStandby purpose = "standby"
)

// Options carries collaborators. Zero fields get production defaults.
type Options struct {
	Dialer      stream.Dialer
	Metrics     *metrics.Metrics
	Probe       netmon.ProbeFunc
	Device      string
	OnUnhealthy func(audio.Format)
	// RetryDelay overrides the per-kind pause between connect attempts.
	RetryDelay func(netmon.Kind, int) time.Duration
}

type Controller struct {
	cfg        config.Config
	creds      credential.Provider
	dialer     stream.Dialer
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	device     string
	retryDelay func(netmon.Kind, int) time.Duration

	proc    *audio.Processor
	latch   *audio.Latch
	queue   *stream.Queue
	prebuf  *stream.Prebuffer
	gate    stream.Gate
	timers  *Timers
	conn    *connState
	pub     publisher
	rec     *encoder.Recorder
	fails   *netmon.FailureWindow
	monitor *netmon.Monitor
	flight  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	generation atomic.Uint64

	mu           sync.Mutex
	svc          config.ServiceConfig
	cred         credential.Credential
	sock         stream.Socket
	purpose      purpose
	ready        bool
	startSent    bool
	fingerprint  string
	listenCancel context.CancelFunc

	connecting      bool
	streaming       bool
	stopping        bool
	previewing      bool
	closed          bool
	recovering      bool
	rebuilding      bool
	lastRebuildAt   time.Time
	lastConnectedAt time.Time
	lastFinalizeAt  time.Time

	sessionID         string
	establishedActive bool
	keepaliveMuted    bool
	watchdogUsed      bool
	suppressToast     bool
	asm               transcript.Assembler
	u                 utterance
}

func New(cfg config.Config, creds credential.Provider, opts Options) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = stream.NewWSDialer()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = netmon.RetryDelay
	}
	recDir := ""
	if cfg.Recording.Enabled {
		recDir = cfg.Recording.Dir
	}

	proc := audio.NewProcessor(audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Encoding:   audio.S16,
	})
	out := proc.Output()

	c := &Controller{
		cfg:        cfg,
		creds:      creds,
		dialer:     opts.Dialer,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("clio/session"),
		device:     opts.Device,
		retryDelay: opts.RetryDelay,
		proc:       proc,
		latch: audio.NewLatch(audio.LatchConfig{
			Prime:    cfg.VAD.Prime(),
			Override: cfg.VAD.SpeechSendFallback(),
			MarginDB: cfg.VAD.MarginDB,
			FloorDB:  cfg.VAD.FloorDB,
			Frames:   cfg.VAD.Frames,
		}),
		queue:  stream.NewQueue(),
		prebuf: stream.NewPrebuffer(stream.DefaultPrebufferBytes),
		rec:    encoder.NewRecorder(recDir, encoder.Format{SampleRate: out.SampleRate, Channels: out.Channels}),
		fails:  netmon.NewFailureWindow(cfg.Network.FailureWindow(), cfg.Network.FailureThreshold),
		svc:    cfg.Service,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.timers = NewTimers(c.generation.Load)
	// Conn is read under the publisher lock; the newest transition wins.
	c.conn = newConnState(func(string) {
		c.pub.update(func(s *State) { s.Conn = c.conn.Current() })
	})
	c.proc.OnUnhealthy = opts.OnUnhealthy
	c.pub.cur = State{Status: StatusIdle, Conn: connIdle}

	c.queue.OnFailure(c.onSendFailure)
	c.queue.OnDrop(func(items, _ int) {
		c.metrics.RecordQueueDrop(c.ctx, items)
	})

	if cfg.Network.Monitor {
		c.monitor = netmon.NewMonitor(netmon.MonitorConfig{
			Poll:     cfg.Network.Poll(),
			Debounce: cfg.Network.Debounce(),
			Cooldown: cfg.Network.Cooldown(),
		}, opts.Probe)
		c.monitor.IsStreaming = c.isStreaming
		c.monitor.IsConnecting = c.isConnecting
		c.monitor.LastConnectedAt = c.lastConnected
		c.monitor.OnPathChange = func() {
			go c.RebuildTransport(c.ctx, "network path changed")
		}
	}
	return c
}

// SetService replaces the recognizer settings used from the next Start on.
// A held socket whose settings no longer match is replaced, not reused.
func (c *Controller) SetService(svc config.ServiceConfig) {
	c.mu.Lock()
	c.svc = svc
	c.mu.Unlock()
}

func (c *Controller) State() State { return c.pub.snapshot() }

// Subscribe returns a channel carrying the newest State. It is closed by
// Close.
func (c *Controller) Subscribe() <-chan State { return c.pub.subscribe() }

// Start begins an utterance and blocks until a socket is live. Audio passed
// to ProcessAudio meanwhile is buffered.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.streaming || c.stopping {
		c.mu.Unlock()
		return ErrAlreadyStreaming
	}
	c.streaming = true
	c.sessionID = uuid.NewString()
	c.u = utterance{started: time.Now()}
	c.asm.Reset()
	c.establishedActive = false
	c.keepaliveMuted = true
	c.watchdogUsed = false
	if c.previewing {
		c.previewing = false
		log.Debugf("promoting %d preview chunks", c.prebuf.Count())
	} else {
		c.prebuf.Clear()
		c.latch.Engage()
	}
	if c.sock == nil {
		c.queue.Clear()
	}
	c.queue.ResetStats()
	c.rec.Begin()
	c.proc.Reset()
	sid := c.sessionID
	svc := c.svc
	c.mu.Unlock()

	log.SessionStart(svc.Model, c.device, svc.LanguageHints)
	c.pub.update(func(s *State) {
		*s = State{Status: StatusConnecting, Conn: c.conn.Current(), Level: s.Level}
	})
	if c.monitor != nil {
		c.monitor.Start(c.ctx)
	}

	ctx, span := c.tracer.Start(ctx, "session.start", trace.WithAttributes(attribute.String("session.id", sid)))
	defer span.End()

	started := time.Now()
	kind, err := c.acquire(ctx)
	if err != nil {
		span.RecordError(err)
		c.mu.Lock()
		stopped := !c.streaming || c.stopping
		c.mu.Unlock()
		if !stopped {
			c.failSession(err)
		}
		return err
	}
	connectDur := time.Since(started)

	c.mu.Lock()
	if !c.streaming && !c.stopping {
		// Stop finished while the socket was still coming up.
		c.mu.Unlock()
		c.applySocketPolicy(false)
		return ErrNotStreaming
	}
	c.u.conn = kind
	c.u.connectDur = connectDur
	c.establishedActive = true
	c.mu.Unlock()

	span.SetAttributes(attribute.String("conn", kind))
	c.metrics.RecordConnect(ctx, kind, connectDur)
	log.Infof("streaming via %s socket after %dms", kind, connectDur.Milliseconds())
	c.armSpeechWatchdog()
	c.pub.update(func(s *State) {
		s.Status = StatusStreaming
		s.Conn = c.conn.Current()
	})
	return nil
}

// acquire makes the socket live for this utterance, preferring a standby or
// warm socket over a fresh connect. It returns how the socket was obtained.
func (c *Controller) acquire(ctx context.Context) (string, error) {
	for range 2 {
		c.mu.Lock()
		ready, p := c.ready, c.purpose
		held := c.conn.Current() == connWarmHold
		switch {
		case ready && p == purposeStandby:
			c.mu.Unlock()
			ok, err := c.promoteStandby()
			if err != nil {
				return "", err
			}
			if ok {
				return "standby", nil
			}
		case ready && held:
			since := time.Since(c.lastFinalizeAt)
			same := c.fingerprint == c.fingerprintLocked()
			c.mu.Unlock()
			c.timers.Cancel(timerWarmKeepalive, timerWarmTTL)
			switch {
			case since < c.cfg.Socket.MinimumReuseGrace():
				c.disconnect("reuse inside grace window")
			case !same:
				c.disconnect("session settings changed")
			default:
				c.reuseWarm()
				return "reused", nil
			}
		default:
			c.mu.Unlock()
		}

		if err := c.connectShared(ctx, purposeActive); err != nil {
			return "", err
		}
		c.mu.Lock()
		p = c.purpose
		c.mu.Unlock()
		if p == purposeActive {
			return "fresh", nil
		}
		// Coalesced onto a standby preconnect; promote it on the next pass.
	}
	return "", stream.ErrNotConnected
}

// ProcessAudio converts one capture buffer and routes it: to the prebuffer
// until the socket is live and voice is allowed, otherwise onto the queue
// behind whatever the prebuffer still holds.
func (c *Controller) ProcessAudio(buf audio.Buffer) {
	out, err := c.proc.Process(buf)
	if err != nil || len(out.PCM) == 0 {
		return
	}
	c.pub.update(func(s *State) { s.Level = out.Level })

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		if c.previewing {
			c.latch.Observe(out.Level)
			c.prebuf.Append(out.PCM)
		}
		return
	}

	latched := c.latch.Observe(out.Level)
	live := c.liveLocked()
	if !live || !c.latch.Allow() {
		c.prebuf.Append(out.PCM)
		if latched && live {
			n := c.flushPrebufferLocked()
			log.Debugf("voice latched, flushed %d chunks", n)
		}
		return
	}
	if !c.prebuf.IsEmpty() {
		c.flushPrebufferLocked()
	}
	c.sendAudioLocked(out.PCM)
}

// StartPreview buffers audio before a start is confirmed.
func (c *Controller) StartPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming || c.previewing {
		return
	}
	c.previewing = true
	c.prebuf.Clear()
	c.latch.Engage()
}

// StopPreview discards preview audio when no Start followed.
func (c *Controller) StopPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.previewing {
		return
	}
	c.previewing = false
	if !c.streaming {
		log.Debugf("false start, dropping %d preview chunks", c.prebuf.Count())
		c.prebuf.Clear()
	}
}

// Close tears everything down. The controller cannot be restarted.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.streaming = false
	c.disconnectLocked("controller closed")
	c.mu.Unlock()

	c.timers.CancelAll()
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.cancel()
	c.queue.Close()
	c.pub.close()
}

// liveLocked reports whether audio may go straight to the wire.
func (c *Controller) liveLocked() bool {
	return c.ready && c.purpose == purposeActive
}

func (c *Controller) sendAudioLocked(pcm []byte) {
	c.queue.SendBinary(pcm)
	c.rec.Append(pcm)
	c.u.sentChunks++
	c.u.sentBytes += len(pcm)
	c.u.lastAudioAt = time.Now()
	c.metrics.RecordBytesSent(c.ctx, len(pcm))
}

func (c *Controller) flushPrebufferLocked() int {
	chunks := c.prebuf.PopAll()
	for _, b := range chunks {
		c.sendAudioLocked(b)
	}
	return len(chunks)
}

func (c *Controller) isStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

func (c *Controller) isConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

func (c *Controller) lastConnected() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnectedAt
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
