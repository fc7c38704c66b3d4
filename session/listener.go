package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clio/log"
	"clio/netmon"
	"clio/stream"
)

// listen reads server messages for one socket until it closes or ctx ends.
func (c *Controller) listen(ctx context.Context, sock stream.Socket, gen uint64) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.onSocketClosed(sock, gen, err)
			return
		}
		resp, err := stream.ParseResponse(data)
		if err != nil {
			var se *stream.ServerError
			if errors.As(err, &se) {
				c.onServerError(se, sock.ID())
				continue
			}
			log.Warnf("socket %s: %v", sock.ID(), err)
			continue
		}
		c.onResponse(resp, gen)
	}
}

func (c *Controller) onResponse(resp *stream.Response, gen uint64) {
	c.mu.Lock()
	if gen != c.generation.Load() {
		c.mu.Unlock()
		log.Debugf("dropping message from stale attempt %d", gen)
		return
	}
	if !c.streaming && !c.stopping {
		c.mu.Unlock()
		if len(resp.Tokens) > 0 {
			log.Debugf("ignoring %d tokens outside an utterance", len(resp.Tokens))
		}
		return
	}

	u := &c.u
	u.recvMessages++
	now := time.Now()
	pause := c.cfg.Finalize.SegmentPause()

	var partial strings.Builder
	finals := 0
	for _, tok := range resp.Tokens {
		if !tok.IsFinal {
			partial.WriteString(tok.Text)
			continue
		}
		switch tok.Text {
		case stream.TokenFin:
			u.finSeen = true
			c.lastFinalizeAt = now
			continue
		case stream.TokenEnd:
			u.endSeen = true
			u.endAt = now
			continue
		}
		if pause > 0 && c.asm.HasUncompletedSegment() && !u.lastFinalAt.IsZero() && now.Sub(u.lastFinalAt) > pause {
			c.asm.ForceCompleteCurrentSegment()
		}
		c.asm.AddFinalToken(tok.Text)
		u.lastFinalAt = now
		finals++
	}
	if resp.Finished {
		u.finSeen = true
	}
	if finals > 0 {
		c.asm.CheckAndCompleteSegment()
		u.recvFinal += finals
		if !u.guardUntil.IsZero() && now.Before(u.guardUntil) {
			u.lateFinals += finals
		}
	}

	p := partial.String()
	u.partial = p
	switch {
	case strings.TrimSpace(p) != "":
		u.lastPartial = p
	case finals > 0:
		// The finals supersede whatever the partial said.
		u.lastPartial = ""
	}

	first := false
	if len(resp.Tokens) > 0 {
		u.lastTokenAt = now
		if !u.tokensSeen {
			u.tokensSeen = true
			c.keepaliveMuted = false
			first = true
		}
	}
	final := c.asm.FinalText()
	c.mu.Unlock()

	if first {
		c.timers.Cancel(timerSpeechWatchdog)
	}
	c.pub.update(func(s *State) {
		s.Partial = p
		s.Final = final
	})
}

func (c *Controller) onServerError(se *stream.ServerError, sid string) {
	c.mu.Lock()
	expected := !c.streaming || c.stopping || c.u.finSeen
	if se.IsInvalidType() {
		c.suppressToast = true
	}
	c.mu.Unlock()

	log.ServerError(se.Code, se.Message, sid, expected)
	if expected {
		return
	}
	if k := netmon.Classify(se); k == netmon.Auth || se.Code == "403" {
		c.rejectCredential()
		c.failSession(fmt.Errorf("%w: %v", netmon.ErrAuth, se))
		return
	}
	c.pub.update(func(s *State) { s.Err = se })
}

// onSocketClosed handles a socket that went away without being asked to.
func (c *Controller) onSocketClosed(sock stream.Socket, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation.Load() || c.sock != sock {
		c.mu.Unlock()
		log.Debugf("socket %s of attempt %d closed: %v", sock.ID(), gen, err)
		return
	}
	quiet := c.purpose == purposeStandby || !c.streaming || c.stopping || c.closed
	resume := c.streaming && !c.stopping && !c.closed
	c.disconnectLocked("closed by server")
	c.mu.Unlock()

	if quiet {
		log.Debugf("socket %s closed: %v", sock.ID(), err)
	} else {
		log.Warnf("socket %s closed mid-utterance: %v", sock.ID(), err)
	}
	if resume {
		go c.recover("server closed socket", sendFailureSettle)
	}
}
