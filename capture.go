package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"clio/audio"
	"clio/log"
)

const hotplugPoll = 3 * time.Second

// mic owns the capture device. Device switches, hotplug fallbacks and
// restarts after conversion failures all reopen the capture with the same
// callback, resuming it if it was running.
type mic struct {
	actx audio.Context
	cfg  audio.CaptureConfig
	cb   audio.DataCallback

	mu        sync.Mutex
	dev       audio.CaptureDevice
	selected  *audio.DeviceInfo
	preferred string
	running   bool
}

func newMic(actx audio.Context, cfg audio.CaptureConfig, dev *audio.DeviceInfo, cb audio.DataCallback) (*mic, error) {
	m := &mic{actx: actx, cfg: cfg, cb: cb}
	if dev != nil {
		m.preferred = dev.Name
	}
	if err := m.openLocked(dev); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *mic) openLocked(dev *audio.DeviceInfo) error {
	c, err := m.actx.NewCapture(dev, m.cfg)
	if err != nil {
		return fmt.Errorf("opening capture: %w", err)
	}
	c.SetCallback(m.cb)
	m.dev = c
	m.selected = dev
	return nil
}

func (m *mic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.dev.Start(); err != nil {
		return err
	}
	m.running = true
	log.Info("recording_device: " + m.dev.DeviceName())
	return nil
}

func (m *mic) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.dev.Stop()
	m.running = false
}

func (m *mic) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.dev.Stop()
		m.running = false
	}
	m.dev.ClearCallback()
	m.dev.Close()
}

func (m *mic) switchTo(dev *audio.DeviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Info("device_switch: " + deviceName(dev))
	wasRunning := m.running
	if wasRunning {
		m.dev.Stop()
		m.running = false
	}
	m.dev.ClearCallback()
	m.dev.Close()
	if err := m.openLocked(dev); err != nil {
		return err
	}
	if wasRunning {
		if err := m.dev.Start(); err != nil {
			return err
		}
		m.running = true
	}
	return nil
}

// Restart reopens the current device. It must not run on the capture
// callback, which Stop waits for.
func (m *mic) Restart() error {
	m.mu.Lock()
	dev := m.selected
	m.mu.Unlock()
	return m.switchTo(dev)
}

// Label is the device line shown in the TUI.
func (m *mic) Label() string {
	m.mu.Lock()
	dev := m.selected
	m.mu.Unlock()
	suffix := ""
	if dev != nil && audio.IsBluetooth(dev.Name) {
		suffix = " (BT!)"
	}
	return "mic: " + deviceName(dev) + suffix
}

// watch polls for hotplug changes. A vanished device falls back to the
// system default; the preferred device is picked up again when it returns.
func (m *mic) watch(ctx context.Context, onChange func()) {
	var last []string
	ticker := time.NewTicker(hotplugPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		devices, err := m.actx.Devices()
		if err != nil {
			continue
		}
		names := make([]string, len(devices))
		for i := range devices {
			names[i] = devices[i].Name
		}
		if slices.Equal(last, names) {
			continue
		}
		last = names

		m.mu.Lock()
		sel := ""
		if m.selected != nil {
			sel = m.selected.Name
		}
		pref := m.preferred
		m.mu.Unlock()

		switch {
		case sel != "" && !slices.Contains(names, sel):
			log.Info("device_disconnected: " + sel)
			if err := m.switchTo(nil); err != nil {
				log.Errorf("falling back to default device: %v", err)
			}
			onChange()
		case sel == "" && pref != "" && slices.Contains(names, pref):
			log.Info("device_reconnected: " + pref)
			dev, err := audio.FindDevice(m.actx, pref)
			if err != nil {
				continue
			}
			if err := m.switchTo(dev); err != nil {
				log.Errorf("reconnecting %s: %v", pref, err)
			}
			onChange()
		}
	}
}

func deviceName(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "system default"
	}
	return dev.Name
}
