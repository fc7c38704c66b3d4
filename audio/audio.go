package audio

import (
	"fmt"
	"strings"
)

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether capture runs over a
// headset profile, which usually means 8 or 16 kHz narrowband input.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type Encoding int

const (
	S16 Encoding = iota // signed 16-bit little endian
	F32                 // 32-bit float little endian, [-1, 1]
)

func (e Encoding) String() string {
	switch e {
	case S16:
		return "s16le"
	case F32:
		return "f32le"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

func (e Encoding) bytesPerSample() int {
	if e == F32 {
		return 4
	}
	return 2
}

// Format is what a capture device declares for each buffer it delivers.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Wire is the format sent to the recognition service.
var Wire = Format{SampleRate: 16000, Channels: 1, Encoding: S16}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, f.Encoding)
}

// FrameBytes is the size of one interleaved frame.
func (f Format) FrameBytes() int { return f.Channels * f.Encoding.bytesPerSample() }

// Buffer is one capture callback worth of audio.
type Buffer struct {
	Data   []byte
	Format Format
	Frames int
}

type DataCallback func(buf Buffer)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}
