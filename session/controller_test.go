package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"clio/audio"
	"clio/config"
	"clio/credential"
	"clio/netmon"
	"clio/stream"
)

const (
	helloEnd     = `{"tokens":[{"text":"Hello.","is_final":true},{"text":"<end>","is_final":true}]}`
	helloPartial = `{"tokens":[{"text":"Hello.","is_final":true},{"text":"<end>","is_final":true},{"text":" more","is_final":false}]}`
	okEnd        = `{"tokens":[{"text":"ok","is_final":true},{"text":"<end>","is_final":true}]}`
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Service.URL = "wss://stt.test/ws"
	cfg.Socket.KeepWarm = false
	cfg.Socket.Standby = false
	cfg.Socket.RecordingTailHoldMs = 0
	cfg.Socket.InitialRetryDelayMs = 1
	cfg.Socket.MaxRetryDelayMs = 5
	cfg.Socket.ReadinessTimeoutMs = 2000
	cfg.Socket.MinimumReuseGraceMs = 0
	cfg.VAD.SpeechSendFallbackMs = 0
	cfg.Finalize.FastSkip = false
	cfg.Finalize.TailMs = 40
	cfg.Finalize.GuardMs = 50
	cfg.Finalize.SoftMs = 30
	cfg.Finalize.HardMs = 60
	cfg.Finalize.PollIntervalMs = 10
	cfg.Finalize.MaxPolls = 15
	cfg.Finalize.ShortPolls = 15
	cfg.Network.Monitor = false
	cfg.Network.FailureThreshold = 100
	cfg.Network.RebuildCooldownMs = 0
	cfg.Watchdog.SpeechMs = 0
	return cfg
}

// replies scripts the fake server: audio is answered once, after the first
// audio frame; eos and finalize answer those frames every time.
type replies struct {
	audio    string
	eos      string
	finalize string
}

func (r replies) script() func(*stream.FakeSocket, stream.Frame) {
	var once sync.Once
	return func(s *stream.FakeSocket, f stream.Frame) {
		switch {
		case f.IsEOS():
			if r.eos != "" {
				s.Push(r.eos)
			}
		case f.IsText:
			if f.Text == stream.FinalizeFrame && r.finalize != "" {
				s.Push(r.finalize)
			}
		default:
			if r.audio != "" {
				once.Do(func() { s.Push(r.audio) })
			}
		}
	}
}

func newTestController(t *testing.T, cfg config.Config, r replies) (*Controller, *stream.FakeDialer) {
	t.Helper()
	d := &stream.FakeDialer{}
	d.OnDial(func(s *stream.FakeSocket) { s.Script(r.script()) })
	c := New(cfg, credential.Static{Secret: "test-key"}, Options{
		Dialer:     d,
		RetryDelay: func(netmon.Kind, int) time.Duration { return 0 },
	})
	t.Cleanup(c.Close)
	return c, d
}

// chunk is 10ms of wire audio whose first byte identifies it.
func chunk(i int) audio.Buffer {
	data := make([]byte, 320)
	for j := 0; j < len(data); j += 2 {
		data[j] = byte(i + 1)
	}
	return audio.Buffer{Data: data, Format: audio.Wire, Frames: len(data) / 2}
}

// audioIDs lists the chunk ids of the audio frames written to s, EOS
// excluded.
func audioIDs(s *stream.FakeSocket) []int {
	var ids []int
	for _, f := range s.Frames() {
		if !f.IsText && len(f.Data) > 0 {
			ids = append(ids, int(f.Data[0])-1)
		}
	}
	return ids
}

func idRange(from, to int) []int {
	var ids []int
	for i := from; i < to; i++ {
		ids = append(ids, i)
	}
	return ids
}

func isStart(text string) bool { return strings.HasPrefix(text, `{"api_key"`) }

func countStarts(s *stream.FakeSocket) int {
	n := 0
	for _, text := range s.TextFrames() {
		if isStart(text) {
			n++
		}
	}
	return n
}

func mustStart(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func mustStop(t *testing.T, c *Controller) Result {
	t.Helper()
	res, err := c.Stop(context.Background(), false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return res
}

func TestBufferedAudioPrecedesLiveAudio(t *testing.T) {
	for _, n := range []int{0, 1, 7, 40} {
		c, d := newTestController(t, testConfig(), replies{eos: okEnd})

		dialing := make(chan struct{})
		release := make(chan struct{})
		d.OnDial(func(s *stream.FakeSocket) {
			s.Script(replies{eos: okEnd}.script())
			close(dialing)
			<-release
		})

		errc := make(chan error, 1)
		go func() { errc <- c.Start(context.Background()) }()
		<-dialing
		for i := range n {
			c.ProcessAudio(chunk(i))
		}
		close(release)
		if err := <-errc; err != nil {
			t.Fatalf("n=%d: Start: %v", n, err)
		}
		for i := n; i < n+5; i++ {
			c.ProcessAudio(chunk(i))
		}
		res := mustStop(t, c)

		s := d.Last()
		frames := s.Frames()
		if len(frames) == 0 || !frames[0].IsText || !isStart(frames[0].Text) {
			t.Fatalf("n=%d: first frame is not the start frame", n)
		}
		if got, want := audioIDs(s), idRange(0, n+5); !slices.Equal(got, want) {
			t.Errorf("n=%d: audio order %v, want %v", n, got, want)
		}
		if !frames[len(frames)-1].IsEOS() {
			t.Errorf("n=%d: last frame is not EOS", n)
		}
		if res.FinalizePath != pathEndLate || res.Text != "ok" {
			t.Errorf("n=%d: path=%s text=%q", n, res.FinalizePath, res.Text)
		}
	}
}

func TestAudioOrderAcrossReconnect(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{eos: okEnd})
	mustStart(t, c)

	for i := range 5 {
		c.ProcessAudio(chunk(i))
	}
	first := d.Last()
	waitFor(t, "first five chunks", func() bool { return len(audioIDs(first)) == 5 })

	first.FailWrites(errors.New("write: broken pipe"), 1)
	for i := 5; i < 10; i++ {
		c.ProcessAudio(chunk(i))
	}
	waitFor(t, "replacement socket", func() bool {
		socks := d.Sockets()
		return len(socks) == 2 && len(audioIDs(socks[1])) == 5 && !c.State().Reconnecting
	})
	for i := 10; i < 12; i++ {
		c.ProcessAudio(chunk(i))
	}
	mustStop(t, c)

	second := d.Sockets()[1]
	if !first.Closed() {
		t.Error("failed socket left open")
	}
	if got := audioIDs(first); !slices.Equal(got, idRange(0, 5)) {
		t.Errorf("first socket audio %v", got)
	}
	if got := audioIDs(second); !slices.Equal(got, idRange(5, 12)) {
		t.Errorf("second socket audio %v, want 5..11", got)
	}
	if frames := second.Frames(); !frames[0].IsText || !isStart(frames[0].Text) {
		t.Error("replacement socket did not start with the start frame")
	}
	if countStarts(second) != 1 {
		t.Errorf("start frames on replacement = %d", countStarts(second))
	}
}

func TestFinalizeEndBeforeEOS(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{})
	mustStart(t, c)
	for i := range 3 {
		c.ProcessAudio(chunk(i))
	}
	waitFor(t, "audio on the wire", func() bool { return len(audioIDs(d.Last())) == 3 })
	d.Last().Push(helloEnd)
	waitFor(t, "final text", func() bool { return c.State().Final == "Hello." })

	res := mustStop(t, c)
	if res.FinalizePath != pathEndEarly || res.Text != "Hello." || !res.HasText {
		t.Errorf("path=%s text=%q", res.FinalizePath, res.Text)
	}
	if slices.Contains(d.Last().TextFrames(), stream.FinalizeFrame) {
		t.Error("manual finalize sent although the endpoint was already known")
	}
}

func TestFinalizeEndAfterEOS(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{
		audio: `{"tokens":[{"text":"Hello","is_final":true}]}`,
		eos:   `{"tokens":[{"text":" world.","is_final":true},{"text":"<end>","is_final":true}]}`,
	})
	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	waitFor(t, "first final", func() bool { return c.State().Final == "Hello" })

	res := mustStop(t, c)
	if res.FinalizePath != pathEndLate || res.Text != "Hello world." {
		t.Errorf("path=%s text=%q", res.FinalizePath, res.Text)
	}
	if slices.Contains(d.Last().TextFrames(), stream.FinalizeFrame) {
		t.Error("manual finalize sent after a late endpoint")
	}
}

func TestFinalizeWaitsForFin(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{
		audio:    helloPartial,
		finalize: `{"tokens":[{"text":" more.","is_final":true},{"text":"<fin>","is_final":true}]}`,
	})
	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	waitFor(t, "partial", func() bool { return c.State().Partial == " more" })

	res := mustStop(t, c)
	if res.FinalizePath != pathFin {
		t.Fatalf("path = %s, want fin", res.FinalizePath)
	}
	if res.Text != "Hello. more." {
		t.Errorf("text = %q", res.Text)
	}
	if !slices.Contains(d.Last().TextFrames(), stream.FinalizeFrame) {
		t.Error("manual finalize not sent")
	}
}

func TestFinalizeOptimisticSkipOnEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Finalize.FastSkip = true
	c, d := newTestController(t, cfg, replies{audio: helloPartial})
	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	waitFor(t, "partial", func() bool { return c.State().Partial == " more" })
	time.Sleep(2 * cfg.Finalize.Tail())

	res := mustStop(t, c)
	if res.FinalizePath != pathSkipEnd {
		t.Fatalf("path = %s, want skip_end", res.FinalizePath)
	}
	if res.Text != "Hello. more" {
		t.Errorf("text = %q, partial not merged", res.Text)
	}
	if !slices.Contains(d.Last().TextFrames(), stream.FinalizeFrame) {
		t.Error("manual finalize not sent before skipping")
	}
}

func TestFinalizeTimeoutMergesPartial(t *testing.T) {
	c, _ := newTestController(t, testConfig(), replies{
		audio: `{"tokens":[{"text":"Hello","is_final":true},{"text":" wor","is_final":false}]}`,
	})
	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	waitFor(t, "partial", func() bool { return c.State().Partial == " wor" })

	res := mustStop(t, c)
	if res.FinalizePath != pathTimeout {
		t.Fatalf("path = %s, want timeout", res.FinalizePath)
	}
	if res.Text != "Hello wor" {
		t.Errorf("text = %q", res.Text)
	}
	if st := c.State(); st.Status != StatusIdle || st.Final != "Hello wor" {
		t.Errorf("published state %+v", st)
	}
}

func TestFastCancelSkipsHandshake(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{})
	mustStart(t, c)
	c.ProcessAudio(chunk(0))

	res, err := c.Stop(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalizePath != pathCancel {
		t.Errorf("path = %s", res.FinalizePath)
	}
	for _, f := range d.Last().Frames() {
		if f.IsEOS() {
			t.Error("EOS sent on cancel")
		}
	}
	if _, err := c.Stop(context.Background(), false); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStartTwiceRefused(t *testing.T) {
	c, _ := newTestController(t, testConfig(), replies{})
	mustStart(t, c)
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStreaming) {
		t.Errorf("second Start: %v", err)
	}
}

func TestWarmSocketReuse(t *testing.T) {
	cfg := testConfig()
	cfg.Socket.KeepWarm = true
	c, d := newTestController(t, cfg, replies{eos: okEnd})

	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	mustStop(t, c)
	if got := c.conn.Current(); got != connWarmHold {
		t.Fatalf("after stop conn = %s, want warm_hold", got)
	}

	mustStart(t, c)
	c.ProcessAudio(chunk(1))
	mustStop(t, c)
	if d.Dials() != 1 {
		t.Fatalf("dials = %d, warm socket not reused", d.Dials())
	}
	s := d.Last()
	if countStarts(s) != 1 {
		t.Errorf("start frames = %d on a reused socket", countStarts(s))
	}
	if !slices.Contains(s.TextFrames(), stream.KeepaliveFrame) {
		t.Error("reuse did not probe the socket")
	}

	svc := cfg.Service
	svc.LanguageHints = []string{"de"}
	c.SetService(svc)
	mustStart(t, c)
	if d.Dials() != 2 {
		t.Fatalf("dials = %d, socket with other settings was reused", d.Dials())
	}
	if !s.Closed() {
		t.Error("old warm socket left open")
	}
	texts := d.Last().TextFrames()
	if len(texts) == 0 || !strings.Contains(texts[0], `"language_hints":["de"]`) {
		t.Errorf("new start frame %v", texts)
	}
}

func TestWarmReuseInsideGraceReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Socket.KeepWarm = true
	cfg.Socket.MinimumReuseGraceMs = 10000
	c, d := newTestController(t, cfg, replies{eos: okEnd})

	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	mustStop(t, c)
	mustStart(t, c)
	if d.Dials() != 2 {
		t.Errorf("dials = %d, held socket reused inside the grace window", d.Dials())
	}
}

func TestStandbyPromotion(t *testing.T) {
	cfg := testConfig()
	cfg.Socket.Standby = true
	c, d := newTestController(t, cfg, replies{eos: okEnd})

	if err := c.PreconnectStandby(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "standby", func() bool { return c.conn.Current() == connStandby })
	s := d.Last()
	if n := len(s.TextFrames()); n != 0 {
		t.Fatalf("standby socket wrote %d frames before promotion", n)
	}

	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	mustStop(t, c)
	if d.Dials() != 1 {
		t.Fatalf("dials = %d, standby not promoted", d.Dials())
	}
	texts := s.TextFrames()
	if len(texts) < 2 || !isStart(texts[0]) || texts[1] != stream.KeepaliveFrame {
		t.Errorf("promotion frames %v", texts)
	}

	// the used socket is rotated out for a fresh standby
	waitFor(t, "fresh standby", func() bool {
		return d.Dials() == 2 && c.conn.Current() == connStandby
	})
	if !s.Closed() {
		t.Error("used socket not closed")
	}
}

func TestStandbyEagerStartSentOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Socket.Standby = true
	cfg.Socket.StandbyEagerStart = true
	c, d := newTestController(t, cfg, replies{})

	if err := c.PreconnectStandby(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := d.Last()
	waitFor(t, "eager start", func() bool { return countStarts(s) == 1 })
	mustStart(t, c)
	waitFor(t, "probe", func() bool { return slices.Contains(s.TextFrames(), stream.KeepaliveFrame) })
	if countStarts(s) != 1 {
		t.Errorf("start frames = %d", countStarts(s))
	}
}

func TestSendControlRefusals(t *testing.T) {
	cfg := testConfig()
	cfg.Socket.Standby = true
	c, _ := newTestController(t, cfg, replies{})

	if err := c.sendControl(stream.FinalizeFrame, c.generation.Load()); !errors.Is(err, stream.ErrNotConnected) {
		t.Errorf("without socket: %v", err)
	}

	if err := c.PreconnectStandby(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "standby", func() bool { return c.conn.Current() == connStandby })
	gen := c.generation.Load()
	if err := c.sendControl(stream.KeepaliveFrame, gen); !errors.Is(err, stream.ErrControlNotAllowed) {
		t.Errorf("keepalive before start: %v", err)
	}

	mustStart(t, c)
	gen = c.generation.Load()
	if err := c.sendControl(stream.KeepaliveFrame, gen); err != nil {
		t.Errorf("keepalive on live socket: %v", err)
	}
	if err := c.sendControl(stream.KeepaliveFrame, gen-1); !errors.Is(err, stream.ErrControlNotAllowed) {
		t.Errorf("stale attempt: %v", err)
	}
	if err := c.sendControl(`{"type":"config"}`, gen); !errors.Is(err, stream.ErrControlNotAllowed) {
		t.Errorf("unknown control: %v", err)
	}
}

func TestStaleAttemptIgnored(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{})
	mustStart(t, c)
	gen := c.generation.Load()

	c.onResponse(&stream.Response{Tokens: []stream.Token{{Text: "ghost.", IsFinal: true}}}, gen-1)
	if st := c.State(); st.Final != "" {
		t.Errorf("stale message reached the transcript: %q", st.Final)
	}

	stray := stream.NewFakeSocket()
	c.finalizeConnection(stray, gen-1, purposeActive, credential.Credential{Secret: "x"})
	if !stray.Closed() {
		t.Error("socket of a stale attempt not closed")
	}
	c.onSocketClosed(stray, gen-1, stream.ErrNotConnected)

	c.mu.Lock()
	live := c.sock == d.Last() && c.liveLocked()
	c.mu.Unlock()
	if !live {
		t.Error("stale attempt disturbed the live socket")
	}
}

func TestSegmentPauseSplitsSegments(t *testing.T) {
	cfg := testConfig()
	cfg.Finalize.SegmentPauseMs = 20
	c, _ := newTestController(t, cfg, replies{})
	mustStart(t, c)
	gen := c.generation.Load()

	c.onResponse(&stream.Response{Tokens: []stream.Token{{Text: "hello", IsFinal: true}}}, gen)
	time.Sleep(40 * time.Millisecond)
	c.onResponse(&stream.Response{Tokens: []stream.Token{{Text: " world", IsFinal: true}}}, gen)

	c.mu.Lock()
	segs := c.asm.Segments()
	text := c.asm.FinalText()
	c.mu.Unlock()
	if len(segs) != 1 || segs[0] != "hello" {
		t.Errorf("segments = %q", segs)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
}

func TestAuthDialFailureNotRetried(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{})
	d.FailDials(errors.New("websocket: bad handshake (401 Unauthorized)"), 5)

	err := c.Start(context.Background())
	if !errors.Is(err, netmon.ErrAuth) {
		t.Fatalf("Start: %v, want auth error", err)
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d, auth failure retried", d.Dials())
	}
	if st := c.State(); st.Status != StatusError {
		t.Errorf("status = %v", st.Status)
	}
}

func TestNetworkDialFailureRetried(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{})
	d.FailDials(errors.New("dial tcp: network is unreachable"), 2)

	mustStart(t, c)
	if d.Dials() != 3 {
		t.Errorf("dials = %d, want 3", d.Dials())
	}
}

func TestCredentialFailureNotRetried(t *testing.T) {
	d := &stream.FakeDialer{}
	c := New(testConfig(), credential.Static{}, Options{Dialer: d})
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); !errors.Is(err, credential.ErrCredential) {
		t.Fatalf("Start: %v", err)
	}
	if d.Dials() != 0 {
		t.Errorf("dialed %d times without a credential", d.Dials())
	}
}

func TestServerAuthErrorEndsSession(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{audio: `{"tokens":[{"text":"Hi","is_final":true}]}`})
	mustStart(t, c)
	c.ProcessAudio(chunk(0))
	waitFor(t, "final", func() bool { return c.State().Final == "Hi" })

	d.Last().Push(`{"error_code":401,"error_message":"invalid api key"}`)
	waitFor(t, "error status", func() bool { return c.State().Status == StatusError })
	st := c.State()
	if !errors.Is(st.Err, netmon.ErrAuth) {
		t.Errorf("err = %v", st.Err)
	}
	if st.Final != "Hi" {
		t.Errorf("transcript lost: %q", st.Final)
	}
	if _, err := c.Stop(context.Background(), false); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Stop after failure: %v", err)
	}
}

func TestPreviewPromotedOnStart(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{eos: okEnd})
	c.StartPreview()
	for i := range 3 {
		c.ProcessAudio(chunk(i))
	}
	mustStart(t, c)
	c.ProcessAudio(chunk(3))
	mustStop(t, c)

	if got := audioIDs(d.Last()); !slices.Equal(got, idRange(0, 4)) {
		t.Errorf("audio %v, preview chunks not sent first", got)
	}
}

func TestPreviewFalseStartDropped(t *testing.T) {
	c, d := newTestController(t, testConfig(), replies{eos: okEnd})
	c.StartPreview()
	for i := range 3 {
		c.ProcessAudio(chunk(i))
	}
	c.StopPreview()
	mustStart(t, c)
	c.ProcessAudio(chunk(9))
	mustStop(t, c)

	if got := audioIDs(d.Last()); !slices.Equal(got, []int{9}) {
		t.Errorf("audio %v, preview of a false start leaked", got)
	}
}

func TestIdleAudioDropped(t *testing.T) {
	c, _ := newTestController(t, testConfig(), replies{})
	c.ProcessAudio(chunk(0))
	if !c.prebuf.IsEmpty() || c.queue.Depth() != 0 {
		t.Error("audio outside an utterance was kept")
	}
}

func TestCloseRefusesStart(t *testing.T) {
	c, _ := newTestController(t, testConfig(), replies{})
	ch := c.Subscribe()
	c.Close()
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: %v", err)
	}
	for range ch {
	}
}
