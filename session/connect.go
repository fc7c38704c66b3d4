package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clio/config"
	"clio/credential"
	"clio/log"
	"clio/netmon"
	"clio/stream"
)

// connectShared connects unless a connect is already in flight, in which
// case it waits for that one. The first caller's purpose wins.
func (c *Controller) connectShared(ctx context.Context, p purpose) error {
	backoff := netmon.Backoff{
		Initial: c.cfg.Socket.InitialRetryDelay(),
		Max:     c.cfg.Socket.MaxRetryDelay(),
	}
	ch := c.flight.DoChan("connect", func() (any, error) {
		return nil, c.connectWithRetry(c.ctx, p, c.cfg.Socket.MaxRetries, backoff)
	})
	select {
	case r := <-ch:
		if r.Shared {
			log.Debugf("%s connect coalesced onto in-flight attempt", p)
		}
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) connectWithRetry(ctx context.Context, p purpose, attempts int, backoff netmon.Backoff) error {
	var err error
	for retry := range attempts {
		if retry > 0 {
			kind := netmon.Classify(err)
			wait := max(backoff.Delay(retry-1), c.retryDelay(kind, retry))
			log.Infof("%s connect retry %d/%d in %dms after %s failure", p, retry+1, attempts, wait.Milliseconds(), kind)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
		}
		err = c.connectOnce(ctx, p, retry)
		if err == nil {
			return nil
		}
		kind := netmon.Classify(err)
		c.metrics.RecordTransportFailure(c.ctx, kind.String())
		if errors.Is(err, credential.ErrCredential) || errors.Is(err, ErrClosed) ||
			errors.Is(err, stream.ErrCancelled) || errors.Is(err, context.Canceled) {
			return err
		}
		if !netmon.Retryable(kind) {
			c.rejectCredential()
			return fmt.Errorf("%w: %v", netmon.ErrAuth, err)
		}
		log.Warnf("%s connect attempt %d failed (%s): %v", p, retry+1, kind, err)
	}
	return fmt.Errorf("connect failed after %d attempts: %w", attempts, err)
}

// rejectCredential drops a cached key after the server refused it.
func (c *Controller) rejectCredential() {
	if credential.Invalidate(c.creds) {
		log.Warn("credential rejected, cached key dropped")
	}
}

// connectOnce runs one attempt under a fresh generation. The dial happens
// in the background; the caller waits on the readiness gate, which only the
// same attempt can open.
func (c *Controller) connectOnce(ctx context.Context, p purpose, retry int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sock != nil {
		c.disconnectLocked("replaced by new attempt")
	}
	gen := c.generation.Add(1)
	c.connecting = true
	svc := c.svc
	c.mu.Unlock()
	defer func() {
		c.timers.Cancel(timerConnectWatchdog)
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	c.conn.bind("", gen)
	c.conn.event(evConnect)
	log.ConnectAttempt(gen, string(p), retry)

	ctx, span := c.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.String("purpose", string(p)),
		attribute.Int64("attempt", int64(gen)),
		attribute.Int("retry", retry),
	))
	defer span.End()

	timeout := c.cfg.Socket.ReadinessTimeout()
	c.timers.After(timerConnectWatchdog, gen, c.cfg.Socket.ConnectWatchdog(), func() {
		log.Warnf("connect attempt %d still pending after %v", gen, c.cfg.Socket.ConnectWatchdog())
	})
	wait := c.gate.Install(gen)

	cred, err := c.creds.Get(ctx, credential.Params{LanguageHints: svc.LanguageHints})
	if err != nil {
		if !errors.Is(err, credential.ErrCredential) {
			err = fmt.Errorf("%w: %v", credential.ErrCredential, err)
		}
		c.gate.ResumeFailure(err, gen)
		c.abandon(gen)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	url := svc.URL
	if cred.Endpoint != "" {
		url = cred.Endpoint
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	go func() {
		defer cancelDial()
		sock, err := c.dialer.Dial(dialCtx, url)
		if err != nil {
			c.gate.ResumeFailure(err, gen)
			return
		}
		c.finalizeConnection(sock, gen, p, cred)
	}()

	if err := stream.Wait(ctx, wait, timeout); err != nil {
		cancelDial()
		c.abandon(gen)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// abandon retires gen if it is still current so a late socket for it is
// closed on arrival.
func (c *Controller) abandon(gen uint64) {
	if c.generation.CompareAndSwap(gen, gen+1) {
		c.conn.event(evDisconnect)
	}
}

// finalizeConnection makes a freshly opened socket ready. Everything runs
// under the controller mutex so a waiter woken by the gate observes the
// finished state.
func (c *Controller) finalizeConnection(sock stream.Socket, gen uint64, p purpose, cred credential.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation.Load() {
		log.Debugf("closing socket %s of stale attempt %d", sock.ID(), gen)
		sock.Close()
		return
	}
	c.gate.ResumeSuccess(gen)

	start := c.startConfig(c.svc, cred)
	text, err := start.Encode()
	if err != nil {
		log.Errorf("socket %s: %v", sock.ID(), err)
		sock.Close()
		return
	}
	c.sock = sock
	c.purpose = p
	c.cred = cred
	c.fingerprint = start.Fingerprint()
	c.startSent = false
	c.queue.Bind(sock)

	flushed := 0
	switch p {
	case purposeActive:
		c.queue.SendStartFirst(text)
		c.startSent = true
		flushed = c.flushPrebufferLocked()
	case purposeStandby:
		if c.cfg.Socket.StandbyEagerStart {
			c.queue.SendStartFirst(text)
			c.startSent = true
		}
	}
	c.ready = true
	c.lastConnectedAt = time.Now()
	c.conn.bind(sock.ID(), gen)

	lctx, cancel := context.WithCancel(c.ctx)
	c.listenCancel = cancel
	go c.listen(lctx, sock, gen)

	if p == purposeActive {
		c.conn.event(evActivate)
		c.startActiveKeepaliveLocked(gen)
	} else {
		c.conn.event(evStandby)
		c.startStandbyTimersLocked(gen, sock.ID())
	}
	c.queue.Resume()
	log.Debugf("socket %s ready purpose=%s attempt=%d flushed=%d", sock.ID(), p, gen, flushed)
}

// disconnect closes the live socket, if any, and retires its generation.
// Queued frames are kept for the next socket.
func (c *Controller) disconnect(reason string) {
	c.mu.Lock()
	c.disconnectLocked(reason)
	c.mu.Unlock()
}

func (c *Controller) disconnectLocked(reason string) {
	c.timers.Cancel(timerStandbyKeepalive, timerStandbyTTL, timerWarmKeepalive, timerWarmTTL, timerActiveKeepalive)
	if c.listenCancel != nil {
		c.listenCancel()
		c.listenCancel = nil
	}
	if c.sock != nil {
		log.Debugf("disconnect %s: %s", c.sock.ID(), reason)
		c.sock.Close()
		c.sock = nil
	}
	c.ready = false
	c.startSent = false
	c.queue.Pause()
	c.gate.CancelIfPending(stream.ErrCancelled)
	c.timers.Cancel(timerConnectWatchdog)
	c.generation.Add(1)
	c.conn.event(evDisconnect)
}

func (c *Controller) startConfig(svc config.ServiceConfig, cred credential.Credential) stream.StartConfig {
	model := svc.Model
	if cred.Config.Model != "" {
		model = cred.Config.Model
	}
	hints := svc.LanguageHints
	if len(cred.Config.LanguageHints) > 0 {
		hints = cred.Config.LanguageHints
	}
	out := c.proc.Output()
	return stream.StartConfig{
		APIKey:                  cred.Secret,
		Model:                   model,
		AudioFormat:             "pcm_s16le",
		SampleRate:              out.SampleRate,
		NumChannels:             out.Channels,
		LanguageHints:           hints,
		EnableNonFinalTokens:    true,
		EnableEndpointDetection: true,
		Context:                 stream.NewContext(svc.Context, nil),
	}
}

// fingerprintLocked is the fingerprint a socket opened now would carry.
func (c *Controller) fingerprintLocked() string {
	return c.startConfig(c.svc, c.cred).Fingerprint()
}
