package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"clio/audio"
	"clio/config"
	"clio/credential"
	"clio/log"
	"clio/metrics"
	"clio/session"
	"clio/shutdown"
)

var version = "dev"

type ctrlCmd int

const (
	ctrlToggle ctrlCmd = iota
	ctrlCancel
	ctrlPreview
	ctrlStartFailed
)

var controls = make(chan ctrlCmd, 8)

var (
	statsMu         sync.Mutex
	results         []resultRecord
	percentileStats PercentileStats
)

type PercentileStats struct {
	ConnectMs  [5]float64 // min, p50, p90, p95, max
	FinalizeMs [5]float64
	TotalMs    [5]float64
}

type resultRecord struct {
	ConnectMs  float64
	FinalizeMs float64
	TotalMs    float64
}

var (
	shutdownOnce  sync.Once
	hooksMu       sync.Mutex
	shutdownHooks []func()
)

// onShutdown registers fn to run, in reverse order, on graceful shutdown.
func onShutdown(fn func()) {
	hooksMu.Lock()
	shutdownHooks = append(shutdownHooks, fn)
	hooksMu.Unlock()
}

func gracefulShutdown() {
	shutdownOnce.Do(func() {
		hooksMu.Lock()
		hooks := shutdownHooks
		hooksMu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
		statsMu.Lock()
		n := len(results)
		statsMu.Unlock()
		if n > 0 {
			log.SessionEnd(n)
		}
		log.Close()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	os.Exit(1)
}

func modeLineText(svc config.ServiceConfig, sock config.SocketConfig) string {
	label := svc.Model
	if len(svc.LanguageHints) > 0 {
		label += " (" + strings.Join(svc.LanguageHints, ",") + ")"
	}
	var modes []string
	if sock.Standby {
		modes = append(modes, "standby")
	}
	if sock.KeepWarm {
		modes = append(modes, "warm")
	}
	if len(modes) > 0 {
		label += " | " + strings.Join(modes, "+")
	}
	return fmt.Sprintf("[PCM16 | %s]", label)
}

func splitHints(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// app pairs the capture with the session controller. Its methods run on a
// single goroutine: the control loop, or the stdin driver in test mode.
type app struct {
	ctx  context.Context
	ctrl *session.Controller
	mic  *mic

	// blocking makes begin wait for the socket instead of connecting in
	// the background.
	blocking   bool
	recording  bool
	previewing bool
	onResult   func(session.Result)
}

func (a *app) begin() {
	if a.recording {
		return
	}
	if err := a.mic.Start(); err != nil {
		log.Errorf("starting capture: %v", err)
		return
	}
	a.recording = true
	a.previewing = false
	tuiSend(RecordingMsg{On: true})
	start := func() {
		err := a.ctrl.Start(a.ctx)
		if err == nil || errors.Is(err, session.ErrNotStreaming) {
			return
		}
		log.Errorf("session start: %v", err)
		if a.blocking {
			a.startFailed()
			return
		}
		controls <- ctrlStartFailed
	}
	if a.blocking {
		start()
		return
	}
	go start()
}

func (a *app) finish(fast bool) {
	if !a.recording {
		return
	}
	res, err := a.ctrl.Stop(a.ctx, fast)
	a.mic.Stop()
	a.recording = false
	tuiSend(RecordingMsg{On: false})
	if err != nil {
		if !errors.Is(err, session.ErrNotStreaming) {
			log.Errorf("session stop: %v", err)
		}
		return
	}
	if res.HasText {
		log.TranscriptionText(res.Text)
	}
	recordResult(res)
	if a.onResult != nil {
		a.onResult(res)
	}
}

// startFailed resets after a Start that gave up; the controller already
// published the error.
func (a *app) startFailed() {
	if !a.recording {
		return
	}
	a.mic.Stop()
	a.recording = false
	tuiSend(RecordingMsg{On: false})
}

func (a *app) togglePreview() {
	if a.recording {
		return
	}
	if a.previewing {
		a.ctrl.StopPreview()
		a.mic.Stop()
		a.previewing = false
		return
	}
	if err := a.mic.Start(); err != nil {
		log.Errorf("starting capture for preview: %v", err)
		return
	}
	a.ctrl.StartPreview()
	a.previewing = true
}

func (a *app) handle(cmd ctrlCmd) {
	switch cmd {
	case ctrlToggle:
		if a.recording {
			a.finish(false)
		} else {
			a.begin()
		}
	case ctrlCancel:
		a.finish(true)
	case ctrlPreview:
		a.togglePreview()
	case ctrlStartFailed:
		a.startFailed()
	}
}

func recordResult(res session.Result) {
	statsMu.Lock()
	defer statsMu.Unlock()
	results = append(results, resultRecord{
		ConnectMs:  res.Stream.ConnectMs,
		FinalizeMs: res.Stream.FinalizeMs,
		TotalMs:    res.Stream.TotalMs,
	})
	updatePercentileStats()
}

func main() {
	configFlag := flag.String("config", "", "YAML config file (CLIO_* environment variables override it)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven)")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	metricsFlag := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9464)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	langFlag := flag.String("lang", "", "Comma-separated language hints (e.g., en,de)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("clio %s\n", version)
		return
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *langFlag != "" {
		cfg.Service.LanguageHints = splitHints(*langFlag)
	}
	if *deviceFlag != "" {
		cfg.Audio.Device = *deviceFlag
	}

	log.SetDebug(*debugFlag || cfg.Log.Debug)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	if *metricsFlag != "" {
		stop, err := metrics.Serve(context.Background(), *metricsFlag, version)
		if err != nil {
			fatalf("metrics server: %v", err)
		}
		onShutdown(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := stop(ctx); err != nil {
				log.Warnf("metrics shutdown: %v", err)
			}
		})
	}

	creds, err := credential.New(cfg.Service)
	if err != nil {
		fatalf("%v", err)
	}

	if *testFlag {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: clio -test <wav-file>")
			os.Exit(1)
		}
		runTestMode(cfg, creds, args[0])
		return
	}

	run(cfg, creds, *setupFlag)
}

func run(cfg config.Config, creds credential.Provider, setup bool) {
	actx, err := audio.NewContext()
	if err != nil {
		fatalf("initializing audio context: %v", err)
	}
	defer actx.Close()

	var dev *audio.DeviceInfo
	if cfg.Audio.Device != "" {
		if dev, err = audio.FindDevice(actx, cfg.Audio.Device); err != nil {
			log.Warnf("device %q not found, using default: %v", cfg.Audio.Device, err)
		}
	} else if setup {
		if dev, err = audio.SelectDevice(actx); err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			dev = nil
		}
	}

	var m *mic
	ctrl := session.New(cfg, creds, session.Options{
		Device: deviceName(dev),
		OnUnhealthy: func(f audio.Format) {
			log.Warnf("capture format %s keeps failing, restarting capture", f)
			go func() {
				if err := m.Restart(); err != nil {
					log.Errorf("capture restart: %v", err)
				}
			}()
		},
	})
	onShutdown(ctrl.Close)

	captureCfg := audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	}
	m, err = newMic(actx, captureCfg, dev, ctrl.ProcessAudio)
	if err != nil {
		fatalf("initializing capture device: %v", err)
	}
	onShutdown(m.Close)

	states := ctrl.Subscribe()

	tuiMu.Lock()
	tuiProgram = NewTUIProgram()
	tuiMu.Unlock()
	go func() {
		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
			os.Exit(1)
		}
		gracefulShutdown()
	}()
	<-tuiReady

	go func() {
		for st := range states {
			tuiSend(StateMsg{State: st})
		}
	}()
	tuiSend(ModeLineMsg{Text: modeLineText(cfg.Service, cfg.Socket)})
	tuiSend(DeviceLineMsg{Text: m.Label()})

	ctx, cancel := context.WithCancel(context.Background())
	onShutdown(cancel)
	go m.watch(ctx, func() { tuiSend(DeviceLineMsg{Text: m.Label()}) })
	go func() {
		if err := ctrl.PreconnectStandby(ctx); err != nil {
			log.Warnf("standby preconnect: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	shutdown.Notify(sigCh)
	go func() {
		<-sigCh
		gracefulShutdown()
	}()

	a := &app{ctx: ctx, ctrl: ctrl, mic: m, onResult: func(res session.Result) {
		tuiSend(ResultMsg{
			Text:     res.Text,
			Path:     res.FinalizePath,
			Metrics:  res.Metrics,
			NoSpeech: !res.HasText,
		})
	}}
	for cmd := range controls {
		a.handle(cmd)
	}
}

func updatePercentileStats() {
	n := len(results)
	if n == 0 {
		return
	}

	extract := func(fn func(resultRecord) float64) []float64 {
		vals := make([]float64, n)
		for i, r := range results {
			vals[i] = fn(r)
		}
		sort.Float64s(vals)
		return vals
	}

	percentile := func(sorted []float64, p float64) float64 {
		idx := int(float64(len(sorted)-1) * p)
		return sorted[idx]
	}

	calcStats := func(sorted []float64) [5]float64 {
		return [5]float64{
			sorted[0],
			percentile(sorted, 0.50),
			percentile(sorted, 0.90),
			percentile(sorted, 0.95),
			sorted[len(sorted)-1],
		}
	}

	percentileStats.ConnectMs = calcStats(extract(func(r resultRecord) float64 { return r.ConnectMs }))
	percentileStats.FinalizeMs = calcStats(extract(func(r resultRecord) float64 { return r.FinalizeMs }))
	percentileStats.TotalMs = calcStats(extract(func(r resultRecord) float64 { return r.TotalMs }))
}
