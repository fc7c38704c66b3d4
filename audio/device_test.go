package audio

import (
	"errors"
	"testing"
)

type listContext struct{ devices []DeviceInfo }

func (c listContext) Devices() ([]DeviceInfo, error) { return c.devices, nil }
func (c listContext) Close()                         {}
func (c listContext) NewCapture(*DeviceInfo, CaptureConfig) (CaptureDevice, error) {
	return nil, errors.New("not implemented")
}

func TestFindDevice(t *testing.T) {
	ctx := listContext{devices: []DeviceInfo{
		{ID: "alsa_input.usb", Name: "USB Microphone"},
		{ID: "bluez_input.1", Name: "AirPods Pro"},
	}}

	for _, tt := range []struct {
		query  string
		wantID string
		err    error
	}{
		{"USB Microphone", "alsa_input.usb", nil},
		{"bluez_input.1", "bluez_input.1", nil},
		{"airpods", "bluez_input.1", nil},
		{"webcam", "", ErrNoDevice},
	} {
		t.Run(tt.query, func(t *testing.T) {
			d, err := FindDevice(ctx, tt.query)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if tt.err == nil && d.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", d.ID, tt.wantID)
			}
		})
	}

	if d, err := FindDevice(ctx, ""); d != nil || err != nil {
		t.Errorf("empty name = %v, %v; want default", d, err)
	}
}

func TestIsBluetooth(t *testing.T) {
	if !IsBluetooth("AirPods Pro") || !IsBluetooth("Headset (BT)") {
		t.Error("known headsets not detected")
	}
	if IsBluetooth("Built-in Microphone") {
		t.Error("built-in mic flagged as bluetooth")
	}
}
