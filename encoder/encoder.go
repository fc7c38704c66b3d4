// Package encoder compresses wire-format PCM to FLAC and keeps per-utterance
// recordings.
package encoder

import "time"

const (
	BitsPerSample = 16
	BlockSize     = 4096
)

// Format describes the PCM handed to a Recorder or FlacEncoder: signed
// 16-bit little-endian, interleaved when there are two channels.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration is the play time of n bytes of PCM in f.
func (f Format) Duration(n int) time.Duration {
	frame := 2 * max(f.Channels, 1)
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n/frame) * time.Second / time.Duration(f.SampleRate)
}
