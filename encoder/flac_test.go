package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var mono16k = Format{SampleRate: 16000, Channels: 1}

func tone(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := range samples {
		s := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func TestFlacEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewFlac(&buf, mono16k)
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}

	pcm := tone(BlockSize*2 + 100)
	// Uneven writes, including a split sample.
	for _, cut := range [][2]int{{0, 3}, {3, 5001}, {5001, len(pcm)}} {
		if _, err := enc.Write(pcm[cut[0]:cut[1]]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got, want := enc.Samples(), uint64(len(pcm)/2); got != want {
		t.Errorf("Samples = %d, want %d", got, want)
	}
	if out := buf.Bytes(); len(out) < 4 || string(out[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}
}

func TestFlacEncoderEmpty(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewFlac(&buf, mono16k)
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close on empty encoder: %v", err)
	}
	if enc.Samples() != 0 {
		t.Errorf("Samples = %d, want 0", enc.Samples())
	}
	if buf.Len() == 0 {
		t.Error("expected non-empty FLAC output (at least header)")
	}
}

func TestRecorderSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r := NewRecorder(dir, mono16k)

	r.Append(tone(100))
	if r.Len() != 0 {
		t.Error("Append before Begin must be ignored")
	}

	r.Begin()
	r.Append(tone(8000))
	if d := r.Duration(); d != 500*time.Millisecond {
		t.Errorf("Duration = %v", d)
	}

	path, err := r.Save("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "sess-1.flac") {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[:4]) != "fLaC" {
		t.Error("saved file is not FLAC")
	}
	if r.Len() != 0 {
		t.Error("Save should end the utterance")
	}
}

func TestRecorderInMemory(t *testing.T) {
	r := NewRecorder("", mono16k)
	r.Begin()
	r.Append(tone(1600))
	if d := r.Duration(); d != 100*time.Millisecond {
		t.Errorf("Duration = %v", d)
	}
	path, err := r.Save("x")
	if path != "" || err != nil {
		t.Errorf("Save = %q, %v", path, err)
	}
}

func TestRecorderDiscardAndEmpty(t *testing.T) {
	r := NewRecorder(t.TempDir(), mono16k)
	r.Begin()
	r.Append(tone(10))
	r.Discard()
	r.Append(tone(10))
	if r.Len() != 0 {
		t.Error("Discard should stop recording")
	}
	r.Begin()
	if _, err := r.Save("empty"); !errors.Is(err, ErrEmptyRecording) {
		t.Errorf("err = %v", err)
	}
}

func TestFlacEncoderStereo(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewFlac(&buf, Format{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	// 5000 interleaved frames plus a dangling left sample
	pcm := tone(5000*2 + 1)
	if _, err := enc.Write(pcm[:7]); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(pcm[7:]); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enc.Samples() != 5000 {
		t.Errorf("Samples = %d, want 5000 per channel", enc.Samples())
	}
}

func TestFlacEncoderRejectsFormat(t *testing.T) {
	for _, f := range []Format{{}, {SampleRate: 16000, Channels: 3}} {
		if _, err := NewFlac(&bytes.Buffer{}, f); err == nil {
			t.Errorf("NewFlac(%+v) accepted", f)
		}
	}
}

func TestRecorderDurationFollowsFormat(t *testing.T) {
	tests := []struct {
		format Format
		bytes  int
		want   time.Duration
	}{
		{mono16k, 32000, time.Second},
		{Format{SampleRate: 48000, Channels: 1}, 9600, 100 * time.Millisecond},
		{Format{SampleRate: 48000, Channels: 2}, 19200, 100 * time.Millisecond},
		{Format{SampleRate: 24000, Channels: 1}, 4800, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		r := NewRecorder("", tt.format)
		r.Begin()
		r.Append(make([]byte, tt.bytes))
		if d := r.Duration(); d != tt.want {
			t.Errorf("%+v: Duration = %v, want %v", tt.format, d, tt.want)
		}
	}
}
