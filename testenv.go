package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clio/audio"
	"clio/config"
	"clio/credential"
	"clio/log"
	"clio/session"
)

// runTestMode drives a session from stdin with a WAV file standing in for
// the microphone. One command per line:
//
//	START, STOP, CANCEL        begin, finish or abandon an utterance
//	PREVIEW, UNPREVIEW         buffer audio ahead of START, or drop it
//	WAIT_AUDIO_DONE            block until the WAV has been fed once
//	SLEEP <ms>
//	STANDBY                    preconnect a standby socket
//	REBUILD                    rebuild the transport
//	HINTS <a,b>                change language hints for the next START
//	QUIT
//
// Each finished utterance prints "TEXT: ..." and "PATH: ..." to stdout.
func runTestMode(cfg config.Config, creds credential.Provider, wavPath string) {
	defer log.Close()

	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		os.Exit(1)
	}

	ctrl := session.New(cfg, creds, session.Options{Device: "fake"})
	defer ctrl.Close()

	m, err := newMic(fakeCtx, audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	}, nil, ctrl.ProcessAudio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating capture: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	ctx := context.Background()
	a := &app{ctx: ctx, ctrl: ctrl, mic: m, blocking: true, onResult: func(res session.Result) {
		fmt.Printf("TEXT: %s\n", res.Text)
		fmt.Printf("PATH: %s\n", res.FinalizePath)
	}}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch {
		case cmd == "START":
			a.begin()
		case cmd == "STOP":
			a.finish(false)
		case cmd == "CANCEL":
			a.finish(true)
		case cmd == "PREVIEW":
			if !a.previewing {
				a.togglePreview()
			}
		case cmd == "UNPREVIEW":
			if a.previewing {
				a.togglePreview()
			}
		case cmd == "WAIT_AUDIO_DONE":
			if done := m.audioDone(); done != nil {
				<-done
			}
		case cmd == "STANDBY":
			if err := ctrl.PreconnectStandby(ctx); err != nil {
				log.Warnf("standby preconnect: %v", err)
			}
		case cmd == "REBUILD":
			if err := ctrl.RebuildTransport(ctx, "test driver"); err != nil {
				log.Warnf("rebuild: %v", err)
			}
		case strings.HasPrefix(cmd, "HINTS "):
			svc := cfg.Service
			svc.LanguageHints = splitHints(cmd[6:])
			ctrl.SetService(svc)
		case strings.HasPrefix(cmd, "SLEEP "):
			if ms, err := strconv.Atoi(cmd[6:]); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case cmd == "QUIT":
			a.finish(true)
			statsMu.Lock()
			n := len(results)
			statsMu.Unlock()
			log.SessionEnd(n)
			return
		}
	}
}

// audioDone exposes the fake capture's end-of-file signal.
func (m *mic) audioDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fc, ok := m.dev.(*audio.FakeCapture); ok {
		return fc.AudioDone()
	}
	return nil
}
