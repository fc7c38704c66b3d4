package stream

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"clio/log"
)

const readLimit = 1 << 20

var UserAgent = "clio/dev"

type Socket interface {
	Writer
	ID() string
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// HandshakeMetrics breaks down the time spent opening a socket.
type HandshakeMetrics struct {
	DNS        time.Duration
	TCP        time.Duration
	TLS        time.Duration
	Total      time.Duration
	ConnReused bool
}

// NewSocketID returns a short id used to tag log lines and timers.
func NewSocketID() string {
	return "sock_" + uuid.NewString()[:8]
}

// WSDialer opens recognizer sockets over coder/websocket.
type WSDialer struct {
	mu     sync.Mutex
	client *http.Client
	last   HandshakeMetrics
}

func NewWSDialer() *WSDialer {
	return &WSDialer{client: newHTTPClient()}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Reset drops pooled connections and starts over with a fresh transport.
func (d *WSDialer) Reset() {
	d.mu.Lock()
	old := d.client
	d.client = newHTTPClient()
	d.mu.Unlock()
	old.CloseIdleConnections()
}

// LastHandshake returns the metrics of the most recent successful dial.
func (d *WSDialer) LastHandshake() HandshakeMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	var m HandshakeMetrics
	var dnsStart, tcpStart, tlsStart time.Time
	trace := &httptrace.ClientTrace{
		GotConn:           func(info httptrace.GotConnInfo) { m.ConnReused = info.Reused },
		DNSStart:          func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { m.DNS = time.Since(dnsStart) },
		ConnectStart:      func(_, _ string) { tcpStart = time.Now() },
		ConnectDone:       func(_, _ string, _ error) { m.TCP = time.Since(tcpStart) },
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { m.TLS = time.Since(tlsStart) },
	}

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	start := time.Now()
	headers := http.Header{}
	headers.Set("User-Agent", UserAgent)
	conn, _, err := websocket.Dial(httptrace.WithClientTrace(ctx, trace), url, &websocket.DialOptions{
		HTTPClient: client,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	m.Total = time.Since(start)

	d.mu.Lock()
	d.last = m
	d.mu.Unlock()

	s := &wsSocket{id: NewSocketID(), conn: conn}
	log.Debugf("socket open sid=%s dns=%dms tcp=%dms tls=%dms total=%dms reused=%v",
		s.id, m.DNS.Milliseconds(), m.TCP.Milliseconds(), m.TLS.Milliseconds(), m.Total.Milliseconds(), m.ConnReused)
	return s, nil
}

type wsSocket struct {
	id        string
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsSocket) ID() string { return s.id }

func (s *wsSocket) WriteText(ctx context.Context, text string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (s *wsSocket) WriteBinary(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

// Read returns the next text message. Binary messages are not part of the
// inbound protocol and are skipped.
func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

// Close starts the close handshake and returns without waiting for it.
func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() {
		go func() {
			if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
				s.conn.CloseNow()
				log.Debugf("socket close sid=%s: %v", s.id, err)
			}
		}()
	})
	return nil
}
