package encoder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clio/log"
)

var ErrEmptyRecording = errors.New("encoder: empty recording")

// Recorder keeps the PCM actually sent for the current utterance. Its
// duration drives short-utterance decisions during finalization; Save
// persists it as FLAC when a directory is configured.
type Recorder struct {
	dir    string
	format Format

	mu     sync.Mutex
	pcm    []byte
	active bool
}

// NewRecorder keeps recordings in memory only when dir is empty. f is the
// format of the PCM passed to Append.
func NewRecorder(dir string, f Format) *Recorder {
	return &Recorder{dir: dir, format: f}
}

// Begin discards any previous utterance and starts a new one.
func (r *Recorder) Begin() {
	r.mu.Lock()
	r.pcm = r.pcm[:0]
	r.active = true
	r.mu.Unlock()
}

func (r *Recorder) Append(pcm []byte) {
	r.mu.Lock()
	if r.active {
		r.pcm = append(r.pcm, pcm...)
	}
	r.mu.Unlock()
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm)
}

func (r *Recorder) Duration() time.Duration {
	return r.format.Duration(r.Len())
}

// Discard ends the utterance without writing anything.
func (r *Recorder) Discard() {
	r.mu.Lock()
	r.pcm = r.pcm[:0]
	r.active = false
	r.mu.Unlock()
}

// Save ends the utterance and writes <dir>/<name>.flac. It returns "" when
// no directory is configured.
func (r *Recorder) Save(name string) (string, error) {
	r.mu.Lock()
	pcm := append([]byte(nil), r.pcm...)
	r.pcm = r.pcm[:0]
	r.active = false
	r.mu.Unlock()

	if r.dir == "" {
		return "", nil
	}
	if len(pcm) < 2 {
		return "", ErrEmptyRecording
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("recording dir: %w", err)
	}

	path := filepath.Join(r.dir, name+".flac")
	start := time.Now()
	if err := writeFlac(path, pcm, r.format); err != nil {
		os.Remove(path)
		return "", err
	}
	log.Debugf("recording saved: %s (%d KB pcm, %dms)", path, len(pcm)/1024, time.Since(start).Milliseconds())
	return path, nil
}

func writeFlac(path string, pcm []byte, format Format) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	enc, err := NewFlac(f, format)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := enc.Write(pcm); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
