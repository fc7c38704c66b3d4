package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"clio/session"
)

// TUI message types
type StateMsg struct{ State session.State }
type RecordingMsg struct{ On bool }
type ResultMsg struct {
	Text     string
	Path     string
	Metrics  []string
	NoSpeech bool
}
type ModeLineMsg struct{ Text string }   // model, hints and socket modes
type DeviceLineMsg struct{ Text string } // microphone device name
type tickMsg time.Time

type tuiModel struct {
	state         session.State
	recording     bool
	recStarted    time.Time
	level         float64
	frame         int
	width, height int
	modeLine      string
	deviceLine    string
	msgCount      int
	lastText      string
	lastPath      string
	lastMetrics   []string
	noSpeech      bool
}

var (
	tuiProgram   *tea.Program
	tuiMu        sync.Mutex
	tuiReady     = make(chan struct{})
	tuiReadyOnce sync.Once
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	faintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	modeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	finalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	levelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func NewTUIProgram() *tea.Program {
	return tea.NewProgram(tuiModel{}, tea.WithAltScreen())
}

// tuiSend delivers msg to the running program, if any.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func sendControl(cmd ctrlCmd) tea.Cmd {
	return func() tea.Msg {
		select {
		case controls <- cmd:
		default:
		}
		return nil
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		tuiReadyOnce.Do(func() { close(tuiReady) })

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ", "enter":
			return m, sendControl(ctrlToggle)
		case "esc":
			return m, sendControl(ctrlCancel)
		case "p":
			return m, sendControl(ctrlPreview)
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case StateMsg:
		m.state = msg.State
		m.level = m.level*0.6 + msg.State.Level*0.4

	case RecordingMsg:
		m.recording = msg.On
		if msg.On {
			m.recStarted = time.Now()
		} else {
			m.level = 0
		}

	case ResultMsg:
		m.msgCount++
		m.lastText = msg.Text
		m.lastPath = msg.Path
		m.lastMetrics = msg.Metrics
		m.noSpeech = msg.NoSpeech

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	st := m.state
	var line string
	switch {
	case st.Reconnecting:
		line = busyStyle.Render("↻ RECONNECTING")
	case st.Status == session.StatusError:
		line = errStyle.Render("✗ ERROR")
	case m.recording && st.Status == session.StatusConnecting:
		line = busyStyle.Render(fmt.Sprintf("● CONNECTING %.1fs", time.Since(m.recStarted).Seconds()))
	case m.recording:
		line = recStyle.Render(fmt.Sprintf("● REC %.1fs", time.Since(m.recStarted).Seconds()))
	case st.Status == session.StatusFinalizing:
		line = busyStyle.Render("◌ FINALIZING")
	default:
		line = dimStyle.Render("○ IDLE")
	}
	if st.Conn != "" {
		line += dimStyle.Render("  socket: " + st.Conn)
	}
	return line
}

func levelBar(level float64, width int) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	n := int(level * float64(width))
	return levelStyle.Render(strings.Repeat("█", n)) + faintStyle.Render(strings.Repeat("·", width-n))
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	wrapWidth := m.width - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var lines []string
	lines = append(lines, m.statusLine())
	if m.recording {
		lines = append(lines, levelBar(m.level, 30))
	}
	if m.modeLine != "" {
		lines = append(lines, modeStyle.Render(m.modeLine))
	}
	if m.deviceLine != "" {
		lines = append(lines, dimStyle.Render(m.deviceLine))
	}
	if m.state.Err != nil {
		for _, l := range wrapText(m.state.Err.Error(), wrapWidth) {
			lines = append(lines, errStyle.Render(l))
		}
	}

	// Live transcript while streaming or finalizing.
	if m.recording || m.state.Status == session.StatusFinalizing {
		lines = append(lines, "")
		for _, l := range wrapText(m.state.Final, wrapWidth) {
			lines = append(lines, finalStyle.Render(l))
		}
		if m.state.Partial != "" {
			for _, l := range wrapText(m.state.Partial, wrapWidth) {
				lines = append(lines, partialStyle.Render(l))
			}
		}
	}

	lines = append(lines, "")
	if m.lastText != "" || m.msgCount > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("Last transcription (#%d, %s)", m.msgCount, m.lastPath)))
		if m.noSpeech {
			lines = append(lines, warnStyle.Render("no speech"))
		} else {
			for _, l := range wrapText(m.lastText, wrapWidth) {
				lines = append(lines, finalStyle.Render(l))
			}
		}
		for _, metric := range m.lastMetrics {
			lines = append(lines, dimStyle.Render(metric))
		}
	} else {
		lines = append(lines, dimStyle.Render("No transcriptions yet"))
	}

	if table := renderPercentileTable(); table != "" {
		lines = append(lines, "")
		for _, l := range strings.Split(table, "\n") {
			lines = append(lines, dimStyle.Render(l))
		}
	}

	lines = append(lines, "")
	help := faintStyle.Bold(true).Render("space") + faintStyle.Render(" record/stop  ") +
		faintStyle.Bold(true).Render("esc") + faintStyle.Render(" cancel  ") +
		faintStyle.Bold(true).Render("p") + faintStyle.Render(" preview  ") +
		faintStyle.Bold(true).Render("q") + faintStyle.Render(" quit")
	lines = append(lines, help, faintStyle.Render("clio "+version))

	if len(lines) > m.height {
		lines = lines[len(lines)-m.height:]
	}
	return lipgloss.NewStyle().Width(m.width).PaddingLeft(1).Render(strings.Join(lines, "\n"))
}

// wrapText breaks text at spaces so no line exceeds width runes.
func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}
	var lines []string
	r := []rune(text)
	for len(r) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if r[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(r[:splitAt]))
		r = []rune(strings.TrimLeft(string(r[splitAt:]), " "))
	}
	if len(r) > 0 {
		lines = append(lines, string(r))
	}
	return lines
}

func renderPercentileTable() string {
	statsMu.Lock()
	defer statsMu.Unlock()
	if len(results) == 0 {
		return ""
	}
	cs := percentileStats.ConnectMs
	fs := percentileStats.FinalizeMs
	ts := percentileStats.TotalMs
	return fmt.Sprintf(
		"          %5s %5s %5s %5s %5s\n"+
			"connect   %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"finalize  %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"total     %5.0f %5.0f %5.0f %5.0f %5.0f",
		"min", "p50", "p90", "p95", "max",
		cs[0], cs[1], cs[2], cs[3], cs[4],
		fs[0], fs[1], fs[2], fs[3], fs[4],
		ts[0], ts[1], ts[2], ts[3], ts[4],
	)
}
