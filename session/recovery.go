package session

import (
	"context"
	"errors"
	"time"

	"clio/log"
	"clio/netmon"
	"clio/stream"
)

const (
	sendFailureSettle = 200 * time.Millisecond
	watchdogSettle    = 300 * time.Millisecond
	watchdogResume    = 200 * time.Millisecond
	rebuildSettle     = 300 * time.Millisecond
	fallbackRetries   = 3
	fallbackBackoff   = 500 * time.Millisecond
)

// onSendFailure runs on its own goroutine after the queue hit a
// connection-level error and paused itself with the frame requeued.
func (c *Controller) onSendFailure(err error) {
	c.mu.Lock()
	current := c.ready && c.sock != nil
	c.mu.Unlock()
	if !current {
		log.Debugf("send failure on a socket already gone: %v", err)
		return
	}

	kind := netmon.Classify(err)
	c.metrics.RecordTransportFailure(c.ctx, kind.String())
	if c.fails.Record(kind) {
		c.RebuildTransport(c.ctx, "repeated "+kind.String()+" failures")
		return
	}
	c.recover("send failure", sendFailureSettle)
}

// recover replaces the socket mid-utterance, keeping queued and buffered
// audio in order. It does nothing outside an utterance or while another
// recovery or rebuild is running.
func (c *Controller) recover(reason string, settle time.Duration) error {
	c.mu.Lock()
	if !c.streaming || c.stopping || c.closed || c.recovering || c.rebuilding {
		c.mu.Unlock()
		return nil
	}
	c.recovering = true
	toast := !c.suppressToast
	c.suppressToast = false
	c.queue.Pause()
	c.disconnectLocked(reason)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.recovering = false
		c.mu.Unlock()
	}()

	log.Warnf("reconnecting: %s", reason)
	c.metrics.RecordReconnect(c.ctx, reason)
	if toast {
		c.pub.update(func(s *State) { s.Reconnecting = true })
	}

	if !sleepCtx(c.ctx, settle) {
		return c.ctx.Err()
	}
	err := c.connectShared(c.ctx, purposeActive)
	if err != nil {
		kind := netmon.Classify(err)
		c.fails.Record(kind)
		log.Warnf("reconnect failed (%s), retrying in background: %v", kind, err)
		if netmon.Retryable(kind) && !errors.Is(err, ErrClosed) {
			err = c.connectWithRetry(c.ctx, purposeActive, fallbackRetries,
				netmon.Backoff{Initial: fallbackBackoff, Max: c.cfg.Socket.MaxRetryDelay()})
		}
	}
	if err != nil {
		c.failSession(err)
		return err
	}
	c.pub.update(func(s *State) {
		s.Reconnecting = false
		s.Conn = c.conn.Current()
	})
	c.armSpeechWatchdog()
	return nil
}

func (c *Controller) armSpeechWatchdog() {
	d := c.cfg.Watchdog.Speech()
	if d <= 0 {
		return
	}
	c.mu.Lock()
	skip := c.watchdogUsed || c.u.tokensSeen || !c.streaming
	gen := c.generation.Load()
	c.mu.Unlock()
	if skip {
		return
	}
	c.timers.After(timerSpeechWatchdog, gen, d, c.speechWatchdog)
}

// speechWatchdog reconnects once when audio has been flowing but the server
// has produced nothing.
func (c *Controller) speechWatchdog() {
	c.mu.Lock()
	fire := c.streaming && !c.stopping && !c.u.tokensSeen && !c.watchdogUsed &&
		c.u.sentBytes >= c.cfg.Watchdog.MinBytes
	sent := c.u.sentBytes
	if fire {
		c.watchdogUsed = true
	}
	c.mu.Unlock()
	if !fire {
		return
	}

	log.Warnf("no tokens after %v with %d bytes sent", c.cfg.Watchdog.Speech(), sent)
	if err := c.recover("speech watchdog", watchdogSettle); err != nil {
		return
	}
	sleepCtx(c.ctx, watchdogResume)
	c.mu.Lock()
	c.asm.ForceCompleteCurrentSegment()
	c.mu.Unlock()
	c.queue.Resume()
}

// RebuildTransport throws away the socket and the HTTP transport under it,
// for example after the network path changed. During an utterance it
// reconnects; otherwise it leaves a fresh standby socket behind.
func (c *Controller) RebuildTransport(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.closed || c.rebuilding {
		c.mu.Unlock()
		return nil
	}
	if cd := c.cfg.Network.RebuildCooldown(); !c.lastRebuildAt.IsZero() && time.Since(c.lastRebuildAt) < cd {
		c.mu.Unlock()
		log.Debugf("transport rebuild (%s) skipped inside %v cooldown", reason, cd)
		return nil
	}
	c.rebuilding = true
	c.lastRebuildAt = time.Now()
	streaming := c.streaming && !c.stopping
	c.gate.CancelIfPending(stream.ErrCancelled)
	c.queue.Pause()
	c.disconnectLocked("transport rebuild")
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.rebuilding = false
		c.mu.Unlock()
	}()

	if r, ok := c.dialer.(interface{ Reset() }); ok {
		r.Reset()
	}
	c.fails.Reset()
	c.metrics.RecordRebuild(ctx, reason)
	log.Warnf("transport rebuilt: %s", reason)

	if !streaming {
		go func() {
			if err := c.PreconnectStandby(c.ctx); err != nil {
				log.Warnf("standby after rebuild: %v", err)
			}
		}()
		return nil
	}

	c.pub.update(func(s *State) { s.Reconnecting = true })
	if !sleepCtx(ctx, rebuildSettle) {
		return ctx.Err()
	}
	err := c.connectShared(ctx, purposeActive)
	if errors.Is(err, stream.ErrCancelled) {
		// Raced with the attempt cancelled above; one more try.
		err = c.connectShared(ctx, purposeActive)
	}
	if err != nil {
		c.failSession(err)
		return err
	}
	c.queue.Resume()
	c.pub.update(func(s *State) {
		s.Reconnecting = false
		s.Conn = c.conn.Current()
	})
	return nil
}

// failSession ends the utterance with a terminal error. The transcript so
// far is kept and published.
func (c *Controller) failSession(err error) {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	c.mergePartialLocked(failedPath)
	text := c.asm.FinalText()
	c.disconnectLocked("terminal error")
	c.queue.Clear()
	c.prebuf.Clear()
	c.mu.Unlock()

	c.timers.Cancel(timerSpeechWatchdog)
	c.rec.Discard()
	if c.monitor != nil {
		go c.monitor.Stop()
	}
	log.Errorf("session failed: %v", err)
	c.pub.update(func(s *State) {
		s.Status = StatusError
		s.Conn = c.conn.Current()
		s.Partial = ""
		s.Final = text
		s.Reconnecting = false
		s.Err = err
	})
}
