package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"clio/log"
)

var (
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
	ErrConversion        = errors.New("audio: conversion failed")
)

const (
	unhealthyAfter = 3
	floorDB        = -60.0
	fastPathRate   = 48000
)

// Processed is one buffer converted to the output format.
type Processed struct {
	PCM   []byte
	Level float64 // 0 at -60 dBFS or below, 1 at full scale
}

// Processor converts capture buffers to the wire format and meters them.
// A converter is kept per input format and rebuilt when the device switches
// formats. Consecutive failures are counted; OnUnhealthy fires once when
// they reach the threshold and stays quiet until Reset.
type Processor struct {
	OnUnhealthy func(Format)

	out Format

	mu       sync.Mutex
	rs       *resampler
	failures int
	fired    bool
}

func NewProcessor(out Format) *Processor {
	if out.SampleRate <= 0 {
		out = Wire
	}
	out.Encoding = S16
	return &Processor{out: out}
}

func (p *Processor) Output() Format { return p.out }

func (p *Processor) Process(buf Buffer) (Processed, error) {
	p.mu.Lock()
	pcm, err := p.convert(buf)
	if err != nil {
		p.failures++
		n := p.failures
		fire := n >= unhealthyAfter && !p.fired
		if fire {
			p.fired = true
		}
		p.mu.Unlock()

		log.Warnf("audio conversion failed (%d in a row): %v", n, err)
		if fire && p.OnUnhealthy != nil {
			p.OnUnhealthy(buf.Format)
		}
		return Processed{}, err
	}
	p.failures = 0
	p.mu.Unlock()

	return Processed{PCM: pcm, Level: PeakLevel(pcm)}, nil
}

// Reset drops the cached converter and re-arms OnUnhealthy.
func (p *Processor) Reset() {
	p.mu.Lock()
	p.rs = nil
	p.failures = 0
	p.fired = false
	p.mu.Unlock()
}

// Failures returns the current run of consecutive failures.
func (p *Processor) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Processor) convert(buf Buffer) ([]byte, error) {
	in := buf.Format
	if in.SampleRate <= 0 || in.Channels < 1 || in.Channels > 2 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, in)
	}
	if in.Encoding != S16 && in.Encoding != F32 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, in.Encoding)
	}
	if len(buf.Data)%in.FrameBytes() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s frames", ErrConversion, len(buf.Data), in)
	}
	if len(buf.Data) == 0 {
		return nil, nil
	}

	if in == p.out {
		return append([]byte(nil), buf.Data...), nil
	}
	if in.Encoding == F32 && in.SampleRate == fastPathRate && p.out == Wire {
		return decimate3(buf.Data, in.Channels), nil
	}

	if p.rs == nil || p.rs.in != in {
		if p.rs != nil {
			log.Infof("capture format changed %s -> %s, rebuilding converter", p.rs.in, in)
		}
		p.rs = newResampler(in, p.out.SampleRate)
	}
	mono := p.rs.process(toMono(buf.Data, in))
	return encodeS16(mono, p.out.Channels), nil
}

// decimate3 takes every third frame of 48 kHz float audio, averaging stereo
// pairs. Samples are clamped before scaling to int16.
func decimate3(data []byte, channels int) []byte {
	frame := channels * 4
	frames := len(data) / frame
	out := make([]byte, 0, (frames+2)/3*2)
	for i := 0; i < frames; i += 3 {
		off := i * frame
		s := f32At(data, off)
		if channels == 2 {
			s = (s + f32At(data, off+4)) * 0.5
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(toS16(s)))
	}
	return out
}

func f32At(data []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
}

func toS16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}

// toMono decodes interleaved samples and averages channels.
func toMono(data []byte, f Format) []float32 {
	frames := len(data) / f.FrameBytes()
	out := make([]float32, frames)
	bps := f.Encoding.bytesPerSample()
	for i := range frames {
		var sum float32
		for c := range f.Channels {
			off := (i*f.Channels + c) * bps
			if f.Encoding == F32 {
				sum += f32At(data, off)
			} else {
				sum += float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
			}
		}
		out[i] = sum / float32(f.Channels)
	}
	return out
}

func encodeS16(samples []float32, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	out := make([]byte, 0, len(samples)*2*channels)
	for _, s := range samples {
		v := uint16(toS16(s))
		for range channels {
			out = binary.LittleEndian.AppendUint16(out, v)
		}
	}
	return out
}

// resampler is a linear interpolator that carries its phase and the last
// input sample across buffers so consecutive callbacks join without clicks.
type resampler struct {
	in   Format
	step float64 // input samples per output sample
	pos  float64 // next output position relative to the current buffer, >= -1
	prev float32
}

func newResampler(in Format, outRate int) *resampler {
	return &resampler{in: in, step: float64(in.SampleRate) / float64(outRate)}
}

func (r *resampler) process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.step == 1 {
		return in
	}
	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	for {
		idx := int(math.Floor(r.pos))
		if idx+1 >= len(in) {
			break
		}
		s0 := r.prev
		if idx >= 0 {
			s0 = in[idx]
		}
		frac := float32(r.pos - float64(idx))
		out = append(out, s0+(in[idx+1]-s0)*frac)
		r.pos += r.step
	}
	r.pos -= float64(len(in))
	r.prev = in[len(in)-1]
	return out
}

// PeakLevel maps the peak of s16 PCM from [-60, 0] dBFS onto [0, 1].
func PeakLevel(pcm []byte) float64 {
	var peak int
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	db := 20 * math.Log10(float64(peak)/32767+1e-9)
	db = max(floorDB, min(0, db))
	return (db - floorDB) / -floorDB
}

// ApproxDB inverts PeakLevel.
func ApproxDB(level float64) float64 { return floorDB + level*-floorDB }
