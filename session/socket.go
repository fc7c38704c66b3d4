package session

import (
	"context"
	"fmt"
	"time"

	"clio/log"
	"clio/stream"
)

// PreconnectStandby opens a socket ahead of the next Start. It does nothing
// when standby is disabled or a socket is already held.
func (c *Controller) PreconnectStandby(ctx context.Context) error {
	if !c.cfg.Socket.Standby {
		return nil
	}
	c.mu.Lock()
	busy := c.closed || c.streaming || c.sock != nil
	c.mu.Unlock()
	if busy {
		return nil
	}
	return c.connectShared(ctx, purposeStandby)
}

// sendControl queues a control frame for the socket of attempt expected.
func (c *Controller) sendControl(text string, expected uint64) error {
	typ, err := stream.CheckControl(text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil || !c.ready {
		return stream.ErrNotConnected
	}
	if cur := c.generation.Load(); expected != cur {
		return fmt.Errorf("%w: attempt %d is stale (current %d)", stream.ErrControlNotAllowed, expected, cur)
	}
	if !c.startSent {
		return fmt.Errorf("%w: %s before start", stream.ErrControlNotAllowed, typ)
	}
	c.queue.SendText(text)
	return nil
}

func (c *Controller) keepalive(kind string, gen uint64) {
	if kind == "active" {
		c.mu.Lock()
		muted := c.keepaliveMuted
		c.mu.Unlock()
		if muted {
			log.Debug("active keepalive muted until first token")
			return
		}
	}
	if err := c.sendControl(stream.KeepaliveFrame, gen); err != nil {
		log.Debugf("%s keepalive skipped: %v", kind, err)
	}
}

func (c *Controller) startActiveKeepaliveLocked(gen uint64) {
	c.timers.Every(timerActiveKeepalive, gen, c.cfg.Socket.ActiveKeepalive(), func() {
		c.keepalive("active", gen)
	})
}

func (c *Controller) startStandbyTimersLocked(gen uint64, sid string) {
	c.timers.Every(timerStandbyKeepalive, gen, c.cfg.Socket.StandbyKeepalive(), func() {
		c.keepalive("standby", gen)
	})
	c.timers.After(timerStandbyTTL, gen, c.cfg.Socket.StandbyTTL(), func() {
		c.expire("standby", gen, sid)
	})
}

// expire closes a held socket whose TTL ran out. The fire is ignored unless
// it still concerns the same generation and socket.
func (c *Controller) expire(kind string, gen uint64, sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil || c.sock.ID() != sid || c.generation.Load() != gen || c.streaming {
		return
	}
	log.Infof("%s socket %s expired", kind, sid)
	c.disconnectLocked(kind + " ttl")
	c.queue.Clear()
}

// promoteStandby turns the standby socket into the active one. It reports
// false when the socket had already started with other settings and was
// dropped instead.
func (c *Controller) promoteStandby() (bool, error) {
	c.timers.Cancel(timerStandbyKeepalive, timerStandbyTTL)

	c.mu.Lock()
	if c.sock == nil || !c.ready {
		c.mu.Unlock()
		return false, nil
	}
	want := c.fingerprintLocked()
	if c.startSent && c.fingerprint != want {
		c.disconnectLocked("standby started with other settings")
		c.mu.Unlock()
		return false, nil
	}
	if !c.startSent {
		start := c.startConfig(c.svc, c.cred)
		text, err := start.Encode()
		if err != nil {
			c.mu.Unlock()
			return false, err
		}
		c.queue.SendStartFirst(text)
		c.startSent = true
		c.fingerprint = want
	}
	c.purpose = purposeActive
	gen := c.generation.Load()
	sid := c.sock.ID()
	c.queue.SendText(stream.KeepaliveFrame)
	n := c.flushPrebufferLocked()
	c.conn.event(evActivate)
	c.startActiveKeepaliveLocked(gen)
	c.queue.Resume()
	c.mu.Unlock()

	log.Infof("promoted standby socket %s, flushed %d chunks", sid, n)
	return true, nil
}

// reuseWarm resumes a held socket for a new utterance without a new START.
func (c *Controller) reuseWarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.generation.Load()
	c.purpose = purposeActive
	c.queue.SendText(stream.KeepaliveFrame)
	n := c.flushPrebufferLocked()
	c.conn.event(evActivate)
	c.startActiveKeepaliveLocked(gen)
	c.queue.Resume()
	log.Infof("reusing warm socket %s, flushed %d chunks", c.sock.ID(), n)
}

func (c *Controller) enterWarmHoldLocked() {
	gen := c.generation.Load()
	sid := c.sock.ID()
	c.lastFinalizeAt = time.Now()
	c.timers.Cancel(timerActiveKeepalive)
	c.conn.event(evHold)
	c.timers.Every(timerWarmKeepalive, gen, c.cfg.Socket.WarmHoldKeepalive(), func() {
		c.keepalive("warm", gen)
	})
	c.timers.After(timerWarmTTL, gen, c.cfg.Socket.WarmHoldTTL(), func() {
		c.expire("warm", gen, sid)
	})
	log.Debugf("holding socket %s warm for %v", sid, c.cfg.Socket.WarmHoldTTL())
}

// applySocketPolicy decides what happens to the socket after an utterance.
func (c *Controller) applySocketPolicy(established bool) {
	s := c.cfg.Socket
	c.mu.Lock()
	switch {
	case s.Standby && established:
		c.disconnectLocked("utterance done, rotating to standby")
		c.queue.Clear()
		c.mu.Unlock()
		go func() {
			if err := c.PreconnectStandby(c.ctx); err != nil {
				log.Warnf("standby preconnect: %v", err)
			}
		}()
		return
	case s.KeepWarm && c.ready && c.purpose == purposeActive:
		c.enterWarmHoldLocked()
	default:
		c.disconnectLocked("utterance done")
		c.queue.Clear()
	}
	c.mu.Unlock()
}
