package session

import (
	"context"
	"strings"
	"time"

	"clio/encoder"
	"clio/log"
	"clio/stream"
)

// Finalize paths, also the metric attribute.
const (
	pathEndEarly      = "end_early"
	pathEndLate       = "end_late"
	pathFin           = "fin"
	pathSkipEnd       = "skip_end"
	pathSkipHeuristic = "skip_heuristic"
	pathTimeout       = "timeout"
	pathDisconnected  = "disconnected"
	pathCancel        = "cancel"

	// failedPath is not a finalize outcome; failSession merges with it.
	failedPath = "failed"
)

const (
	tailQueued    = 250 * time.Millisecond
	tailRecent    = 90 * time.Millisecond
	recentSend    = 120
	drainQueued   = 600 * time.Millisecond
	drainIdle     = 250 * time.Millisecond
	prebufferTail = 120 * time.Millisecond
	frameDrain    = 100 * time.Millisecond
	endPoll       = 20 * time.Millisecond
	noSendYet     = 9999
)

// Stop ends the utterance: the audio tail is drained, the server is asked
// to finish, and the transcript is assembled from whatever arrived. With
// fastCancel the waits and the recording are skipped.
func (c *Controller) Stop(ctx context.Context, fastCancel bool) (Result, error) {
	c.mu.Lock()
	if !c.streaming || c.stopping {
		c.mu.Unlock()
		return Result{}, ErrNotStreaming
	}
	c.stopping = true
	sid := c.sessionID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stopping = false
		c.mu.Unlock()
	}()
	c.timers.Cancel(timerSpeechWatchdog)

	if !fastCancel {
		// The capture keeps feeding for a moment so the last syllable is in.
		sleepCtx(ctx, c.cfg.Socket.RecordingTailHold())
	}
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	if c.monitor != nil {
		c.monitor.Stop()
	}

	c.pub.update(func(s *State) { s.Status = StatusFinalizing })
	c.conn.event(evFinalize)

	started := time.Now()
	path := pathCancel
	if !fastCancel {
		path = c.finalize(ctx)
	}

	c.mu.Lock()
	merged := c.mergePartialLocked(path)
	text := c.asm.FinalText()
	waited := time.Since(started)
	c.u.finalizePath = path
	c.u.finalizeDur = waited
	data := c.u.metricsData(sid, c.wireFormat())
	model := c.svc.Model
	established := c.establishedActive
	skipped := path == pathSkipEnd || path == pathSkipHeuristic
	c.mu.Unlock()

	log.FinalizeOutcome(path, waited.Milliseconds(), merged)
	c.metrics.RecordFinalize(ctx, path, waited)

	c.applySocketPolicy(established)
	if skipped {
		c.watchGuard()
	}

	res := Result{
		SessionID:    sid,
		Text:         text,
		HasText:      strings.TrimSpace(text) != "",
		FinalizePath: path,
		Stream:       data,
	}
	if fastCancel {
		c.rec.Discard()
	} else if p, err := c.rec.Save(sid); err != nil {
		log.Warnf("recording not saved: %v", err)
	} else {
		res.Recording = p
	}
	log.StreamMetrics(data)
	res.Metrics = formatMetrics(data, model, c.wireFormat())
	res.captureMemStats()

	c.pub.update(func(s *State) {
		*s = State{Status: StatusIdle, Conn: c.conn.Current(), Final: text, Level: s.Level}
	})
	return res, nil
}

// finalize runs the end-of-utterance handshake and returns the path taken.
func (c *Controller) finalize(ctx context.Context) string {
	fc := c.cfg.Finalize

	queued := c.queue.Depth()
	if ms, ok := c.queue.MillisSinceLastSend(); queued > 0 {
		log.Debugf("draining %d queued frames before EOS", queued)
		sleepCtx(ctx, tailQueued)
	} else if ok && ms < recentSend {
		sleepCtx(ctx, tailRecent)
	}
	drain := drainIdle
	if queued > 0 {
		drain = drainQueued
	}
	if !c.queue.WaitUntilDrained(ctx, drain) {
		log.Warnf("queue not drained before EOS, %d frames left", c.queue.Depth())
	}

	c.mu.Lock()
	if c.liveLocked() && !c.prebuf.IsEmpty() {
		n := c.flushPrebufferLocked()
		c.mu.Unlock()
		log.Debugf("flushed %d buffered chunks before EOS", n)
		sleepCtx(ctx, prebufferTail)
	} else {
		c.mu.Unlock()
	}

	preQuiet := c.quietMs()

	c.mu.Lock()
	if !c.liveLocked() {
		c.mu.Unlock()
		log.Warn("no live socket at stop, using partial transcript")
		return pathDisconnected
	}
	gen := c.generation.Load()
	eosAt := time.Now()
	c.u.eosAt = eosAt
	endBefore := c.u.endSeen
	endAt := c.u.endAt
	c.queue.SendBinary(nil)
	c.mu.Unlock()

	noUnsent := c.queue.WaitUntilDrained(ctx, frameDrain)

	// The server already marked an endpoint and nothing moved since.
	if endBefore && noUnsent {
		c.mu.Lock()
		ok := c.u.endAt.Equal(endAt) && strings.TrimSpace(c.u.partial) == "" &&
			!c.u.tokensAfter(endAt) && !c.u.audioAfter(endAt)
		c.mu.Unlock()
		if ok {
			return pathEndEarly
		}
	}

	if c.waitForEnd(ctx, eosAt) && noUnsent && c.partialEmpty() {
		return pathEndLate
	}

	short := c.rec.Duration() < fc.ShortUtterance()
	polls := fc.MaxPolls
	if short {
		polls = fc.ShortPolls
	}
	if err := c.sendControl(stream.FinalizeFrame, gen); err != nil {
		log.Warnf("manual finalize not sent: %v", err)
	}
	c.queue.WaitUntilDrained(ctx, frameDrain)

	if path, ok := c.optimisticSkip(ctx, preQuiet, short); ok {
		c.mu.Lock()
		c.u.guardUntil = time.Now().Add(fc.Guard())
		c.mu.Unlock()
		log.Debugf("skipping wait for <fin> via %s", path)
		return path
	}

	for range polls {
		if c.finSeen() {
			return pathFin
		}
		if !sleepCtx(ctx, fc.PollInterval()) {
			break
		}
	}
	if c.finSeen() {
		return pathFin
	}
	log.Warnf("no <fin> after %dms, merging partial transcript", time.Since(eosAt).Milliseconds())
	return pathTimeout
}

// waitForEnd polls for an <end> that arrived after eosAt, through the soft
// window and then on to the hard window.
func (c *Controller) waitForEnd(ctx context.Context, eosAt time.Time) bool {
	fc := c.cfg.Finalize
	seen := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.u.endSeen && !c.u.endAt.Before(eosAt)
	}
	for _, deadline := range []time.Time{eosAt.Add(fc.Soft()), eosAt.Add(fc.Hard())} {
		for time.Now().Before(deadline) {
			if seen() {
				return true
			}
			if !sleepCtx(ctx, endPoll) {
				return false
			}
		}
	}
	return seen()
}

// optimisticSkip decides whether waiting for <fin> can be skipped because
// the utterance is evidently over.
func (c *Controller) optimisticSkip(ctx context.Context, preQuiet int64, short bool) (string, bool) {
	fc := c.cfg.Finalize
	if !fc.FastSkip {
		return "", false
	}
	tail := fc.Tail()
	tailMs := tail.Milliseconds()

	type snap struct {
		end          bool
		depth        int
		quiet        int64
		partialEmpty bool
		noRecent     bool
	}
	take := func() snap {
		depth := c.queue.Depth()
		quiet := max(preQuiet, c.quietMs())
		c.mu.Lock()
		defer c.mu.Unlock()
		return snap{
			end:          c.u.endSeen,
			depth:        depth,
			quiet:        quiet,
			partialEmpty: strings.TrimSpace(c.u.partial) == "",
			noRecent:     c.u.lastTokenAt.IsZero() || time.Since(c.u.lastTokenAt) >= tail,
		}
	}
	byEnd := func(s snap) bool {
		return s.end && s.depth == 0 && s.quiet >= tailMs && (s.partialEmpty || s.noRecent)
	}

	s := take()
	if s.end {
		if s.depth != 0 {
			return "", false
		}
		if fc.UnconditionalEndSkip || byEnd(s) {
			return pathSkipEnd, true
		}
		if remaining := tailMs - s.quiet; remaining > 0 {
			sleepCtx(ctx, time.Duration(remaining)*time.Millisecond)
		}
		if byEnd(take()) {
			return pathSkipEnd, true
		}
		return "", false
	}

	if !short && s.depth == 0 && s.quiet >= tailMs && c.latch.QuietFor() >= tail && s.noRecent {
		return pathSkipHeuristic, true
	}
	return "", false
}

// watchGuard reports finals that arrived during the guard window opened by
// an optimistic skip.
func (c *Controller) watchGuard() {
	c.mu.Lock()
	until := c.u.guardUntil
	c.mu.Unlock()
	c.timers.After(timerFinalizeGuard, unscoped, time.Until(until), func() {
		c.mu.Lock()
		late := c.u.lateFinals
		c.mu.Unlock()
		if late > 0 {
			log.Warnf("%d final tokens arrived after skipping <fin>", late)
		}
		c.metrics.RecordLateFinals(c.ctx, late)
	})
}

// mergePartialLocked folds an unconfirmed partial into the transcript for
// the paths that end without the server confirming it, and reports whether
// anything was merged. A confirmed ending (fin, or an endpoint before EOS)
// keeps the finals as they are; a partial the server revised away is not
// resurrected. The last non-empty partial stands in for an empty one only
// after a late endpoint, or on a timeout or lost socket with no finals.
func (c *Controller) mergePartialLocked(path string) bool {
	c.asm.CheckAndCompleteSegment()
	switch path {
	case pathFin, pathEndEarly, pathCancel:
		return false
	}
	p := c.u.partial
	if strings.TrimSpace(p) == "" && c.u.tokensSeen {
		switch path {
		case pathEndLate:
			p = c.u.lastPartial
		case pathTimeout, pathDisconnected, failedPath:
			if strings.TrimSpace(c.asm.FinalText()) == "" {
				p = c.u.lastPartial
			}
		}
	}
	if strings.TrimSpace(p) == "" {
		return false
	}
	c.asm.ForceCompleteCurrentSegment()
	c.asm.AddFinalToken(p)
	c.asm.ForceCompleteCurrentSegment()
	c.u.partial = ""
	c.u.lastPartial = ""
	return true
}

// wireFormat is the PCM layout the server and the recorder receive.
func (c *Controller) wireFormat() encoder.Format {
	out := c.proc.Output()
	return encoder.Format{SampleRate: out.SampleRate, Channels: out.Channels}
}

func (c *Controller) quietMs() int64 {
	if ms, ok := c.queue.MillisSinceLastSend(); ok {
		return ms
	}
	return noSendYet
}

func (c *Controller) partialEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.u.partial) == ""
}

func (c *Controller) finSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.u.finSeen
}
