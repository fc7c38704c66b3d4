package log

type StreamMetricsData struct {
	SessionID    string
	Conn         string // fresh|reused|standby
	FinalizePath string
	ConnectMs    float64
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
	LateFinals   int
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", m.SessionID).
		Str("conn", m.Conn).
		Str("finalize_path", m.FinalizePath).
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("late_finals", m.LateFinals).
		Msg("stream_transcription")
}

func SessionStart(model, device string, hints []string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("model", model).
		Str("device", device).
		Strs("hints", hints).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("count", count).
		Msg("session_end")
}

func ConnectAttempt(attempt uint64, purpose string, retry int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Uint64("attempt", attempt).
		Str("purpose", purpose).
		Int("retry", retry).
		Msg("connect_attempt")
}

func SocketState(sid, state string, attempt uint64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("sid", sid).
		Str("state", state).
		Uint64("attempt", attempt).
		Msg("socket_state")
}

func FinalizeOutcome(path string, waitedMs int64, merged bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("path", path).
		Int64("waited_ms", waitedMs).
		Bool("merged_partial", merged).
		Msg("finalize")
}

// ServerError records a structured error from the recognition service.
// Expected errors (late timeouts after finalization) go to debug.
func ServerError(code, message, sid string, expected bool) {
	if !logReady {
		return
	}
	ev := diagLog.Warn()
	if expected {
		ev = diagLog.Debug()
	}
	ev.Str("code", code).
		Str("message", message).
		Str("sid", sid).
		Msg("server_error")
}

func QueueDrop(items, bytes int) {
	if !logReady {
		return
	}
	diagLog.Error().
		Int("items", items).
		Int("bytes", bytes).
		Msg("queue_overflow_drop")
}
