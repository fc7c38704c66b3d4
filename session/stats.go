package session

import (
	"fmt"
	"runtime"
	"time"

	"clio/encoder"
	"clio/log"
)

// Result is what Stop hands back for one utterance.
type Result struct {
	SessionID     string
	Text          string
	HasText       bool
	FinalizePath  string
	Recording     string // FLAC path, empty when not persisted
	MemoryAllocMB float64
	MemoryPeakMB  float64
	Stream        log.StreamMetricsData
	Metrics       []string // pre-formatted lines for the status view
}

func (r *Result) captureMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryAllocMB = float64(m.Alloc) / 1024 / 1024
	r.MemoryPeakMB = float64(m.TotalAlloc) / 1024 / 1024
}

// utterance is the per-Start bookkeeping. Guarded by Controller.mu.
type utterance struct {
	started    time.Time
	conn       string // fresh|reused|standby
	connectDur time.Duration

	sentChunks  int
	sentBytes   int
	lastAudioAt time.Time

	recvMessages int
	recvFinal    int
	lateFinals   int
	tokensSeen   bool
	lastTokenAt  time.Time
	lastFinalAt  time.Time

	partial     string
	lastPartial string // last non-empty partial

	endSeen bool
	endAt   time.Time
	finSeen bool
	eosAt   time.Time

	guardUntil time.Time

	finalizePath string
	finalizeDur  time.Duration
}

// tokensAfter reports token activity strictly after t.
func (u *utterance) tokensAfter(t time.Time) bool {
	return !u.lastTokenAt.IsZero() && u.lastTokenAt.After(t)
}

// audioAfter reports audio handed to the queue strictly after t.
func (u *utterance) audioAfter(t time.Time) bool {
	return !u.lastAudioAt.IsZero() && u.lastAudioAt.After(t)
}

func (u *utterance) metricsData(sid string, f encoder.Format) log.StreamMetricsData {
	return log.StreamMetricsData{
		SessionID:    sid,
		Conn:         u.conn,
		FinalizePath: u.finalizePath,
		ConnectMs:    float64(u.connectDur.Milliseconds()),
		FinalizeMs:   float64(u.finalizeDur.Milliseconds()),
		TotalMs:      float64(time.Since(u.started).Milliseconds()),
		AudioS:       f.Duration(u.sentBytes).Seconds(),
		SentChunks:   u.sentChunks,
		SentKB:       float64(u.sentBytes) / 1024,
		RecvMessages: u.recvMessages,
		RecvFinal:    u.recvFinal,
		LateFinals:   u.lateFinals,
	}
}

func formatMetrics(m log.StreamMetricsData, model string, f encoder.Format) []string {
	layout := "mono"
	if f.Channels == 2 {
		layout = "stereo"
	}
	return []string{
		fmt.Sprintf("audio:      %.1fs | %.1f KB PCM sent", m.AudioS, m.SentKB),
		fmt.Sprintf("stream:     %s | PCM16 %dHz %s", model, f.SampleRate, layout),
		fmt.Sprintf("connect:    %.0fms (%s)", m.ConnectMs, m.Conn),
		fmt.Sprintf("sent:       %d chunks | %.1f KB", m.SentChunks, m.SentKB),
		fmt.Sprintf("recv:       %d msgs (%d final)", m.RecvMessages, m.RecvFinal),
		fmt.Sprintf("finalize:   %.0fms via %s", m.FinalizeMs, m.FinalizePath),
		fmt.Sprintf("late:       %d finals", m.LateFinals),
		fmt.Sprintf("total:      %.0fms", m.TotalMs),
	}
}
