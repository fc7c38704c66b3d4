package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"clio/log"
)

// Path is the coarse state of the network: whether any route is usable and
// which interface carries it.
type Path struct {
	Satisfied bool
	Interface string
}

// ProbeFunc reads the current path.
type ProbeFunc func() (Path, error)

// InterfacesProbe picks the first non-loopback interface that is up and has
// an address.
func InterfacesProbe() (Path, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Path{}, err
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return Path{Satisfied: true, Interface: ifi.Name}, nil
	}
	return Path{}, nil
}

type MonitorConfig struct {
	Poll     time.Duration
	Debounce time.Duration
	Cooldown time.Duration
}

// Monitor polls the path and, after a debounced change, asks the owner to
// rebuild the transport. The owner supplies the hooks before Start.
type Monitor struct {
	IsStreaming     func() bool
	IsConnecting    func() bool
	LastConnectedAt func() time.Time
	OnPathChange    func()

	cfg   MonitorConfig
	probe ProbeFunc

	mu       sync.Mutex
	baseline *Path
	debounce *time.Timer
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewMonitor(cfg MonitorConfig, probe ProbeFunc) *Monitor {
	if probe == nil {
		probe = InterfacesProbe
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	return &Monitor{cfg: cfg, probe: probe}
}

func (m *Monitor) Start(ctx context.Context) {
	m.Stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.baseline = nil
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, done)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	var prev *Path
	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()
	for {
		p, err := m.probe()
		if err != nil {
			log.Debugf("path probe: %v", err)
		} else if prev == nil || *prev != p {
			prev = &p
			m.observe(p)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// observe restarts the debounce timer; only the last path inside the
// window is evaluated.
func (m *Monitor) observe(p Path) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.cfg.Debounce, func() { m.evaluate(p) })
}

func (m *Monitor) evaluate(p Path) {
	if m.IsStreaming == nil || !m.IsStreaming() {
		return
	}
	if m.IsConnecting != nil && m.IsConnecting() {
		return
	}

	m.mu.Lock()
	if m.baseline == nil {
		m.baseline = &p
		m.mu.Unlock()
		log.Debug("path baseline set")
		return
	}
	var lastConnected time.Time
	if m.LastConnectedAt != nil {
		lastConnected = m.LastConnectedAt()
	}
	if lastConnected.IsZero() {
		m.baseline = &p
		m.mu.Unlock()
		log.Debug("path update before first connection ignored")
		return
	}
	changed := *m.baseline != p
	m.baseline = &p
	m.mu.Unlock()

	if !changed {
		return
	}
	if time.Since(lastConnected) < m.cfg.Cooldown {
		log.Debugf("path change within %v cooldown ignored", m.cfg.Cooldown)
		return
	}
	log.Warnf("network path changed (satisfied=%v iface=%q), rebuilding transport", p.Satisfied, p.Interface)
	if m.OnPathChange != nil {
		m.OnPathChange()
	}
}
