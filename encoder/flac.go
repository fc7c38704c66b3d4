package encoder

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FlacEncoder writes 16-bit PCM, mono or stereo, as FLAC frames of
// BlockSize samples per channel. Bytes that do not yet fill a block are held
// until the next Write or Close.
type FlacEncoder struct {
	enc     *flac.Encoder
	rate    uint32
	pending [][]int32 // per channel
	next    int       // channel of the next sample
	odd     []byte
	samples uint64
}

// NewFlac starts a stream on w. When w is an io.WriteSeeker the stream
// header is patched with the final sample count on Close.
func NewFlac(w io.Writer, f Format) (*FlacEncoder, error) {
	if f.SampleRate <= 0 || f.Channels < 1 || f.Channels > 2 {
		return nil, fmt.Errorf("flac: unsupported format %dHz/%dch", f.SampleRate, f.Channels)
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(f.SampleRate),
		NChannels:     uint8(f.Channels),
		BitsPerSample: BitsPerSample,
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	e := &FlacEncoder{enc: enc, rate: uint32(f.SampleRate), pending: make([][]int32, f.Channels)}
	for ch := range e.pending {
		e.pending[ch] = make([]int32, 0, BlockSize)
	}
	return e, nil
}

// Write appends little-endian s16 PCM, interleaved for stereo.
func (e *FlacEncoder) Write(pcm []byte) (int, error) {
	n := len(pcm)
	if len(e.odd) > 0 {
		pcm = append(e.odd, pcm...)
		e.odd = nil
	}
	for len(pcm) >= 2 {
		e.pending[e.next] = append(e.pending[e.next], int32(int16(binary.LittleEndian.Uint16(pcm))))
		e.next = (e.next + 1) % len(e.pending)
		pcm = pcm[2:]
		if e.next == 0 && len(e.pending[0]) == BlockSize {
			if err := e.flush(); err != nil {
				return 0, err
			}
		}
	}
	if len(pcm) == 1 {
		e.odd = []byte{pcm[0]}
	}
	return n, nil
}

// flush writes the complete frames held. A trailing half frame of a stereo
// stream is dropped.
func (e *FlacEncoder) flush() error {
	count := len(e.pending[len(e.pending)-1])
	if count == 0 {
		return nil
	}
	channels := frame.ChannelsMono
	if len(e.pending) == 2 {
		channels = frame.ChannelsLR
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(count),
			SampleRate:    e.rate,
			Channels:      channels,
			BitsPerSample: BitsPerSample,
		},
	}
	for ch := range e.pending {
		samples := make([]int32, count)
		copy(samples, e.pending[ch])
		f.Subframes = append(f.Subframes, &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  count,
		})
	}
	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.samples += uint64(count)
	for ch := range e.pending {
		e.pending[ch] = e.pending[ch][:0]
	}
	e.next = 0
	return nil
}

// Close writes the final partial block and closes the stream.
func (e *FlacEncoder) Close() error {
	if err := e.flush(); err != nil {
		e.enc.Close()
		return err
	}
	return e.enc.Close()
}

// Samples counts samples per channel already written as frames.
func (e *FlacEncoder) Samples() uint64 { return e.samples }
