package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"babel/clipboard"
	"babel/playback"
	"babel/recorder"
	"babel/transport"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI message types
type stateMsg struct{ state recorder.State }
type connMsg struct{ state transport.State }
type reachMsg bool
type levelMsg float64
type elapsedMsg time.Duration
type resultMsg struct{ entry playback.Entry }
type playingMsg struct{ seq int } // 0 when the queue went idle
type errorMsg struct{ err error }
type stoppedMsg struct{}
type opDoneMsg struct{ err error }
type copiedMsg struct{ err error }

// results kept on screen
const maxResults = 5

type controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*transport.TranslationResult, error)
	SetMode(m recorder.Mode) error
	Mode() recorder.Mode
	Languages() (source, target string)
}

type replayer interface {
	PlayNow(r *transport.TranslationResult)
}

type tuiModel struct {
	ctx   context.Context
	ctrl  controller
	queue replayer
	copy  func(string) error

	state          recorder.State
	mode           recorder.Mode
	source, target string
	deviceLine     string
	conn           transport.State
	connSeen       bool
	reachable      *bool // nil until the first probe
	level, peak    float64
	elapsed        time.Duration
	results        []playback.Entry
	total          int
	playing        int
	stopped        bool
	busy           bool // Start or Stop in flight
	errText        string
	notice         string
	width, height  int
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	procStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	levelStyles  = [3]lipgloss.Style{
		lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func newTUIModel(ctx context.Context, ctrl controller, queue replayer, copyFn func(string) error) tuiModel {
	src, tgt := ctrl.Languages()
	return tuiModel{
		ctx:    ctx,
		ctrl:   ctrl,
		queue:  queue,
		copy:   copyFn,
		mode:   ctrl.Mode(),
		source: src,
		target: tgt,
	}
}

// newTUIProgram builds the program and routes controller, queue and
// health notifications into it.
func newTUIProgram(ctx context.Context, a *app, sink *programSink) *tea.Program {
	m := newTUIModel(ctx, a.ctrl, a.queue, clipboard.Copy)
	m.deviceLine = deviceLineText(a.ctrl.Device())
	p := tea.NewProgram(m, tea.WithAltScreen())
	sink.attach(p)
	a.health.OnChange(sink.Reachable)
	a.queue.OnPlay(sink.Playing)
	a.queue.OnIdle(sink.Idle)
	a.queue.OnError(sink.PlaybackFailed)
	return p
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		m.state = msg.state
		switch msg.state {
		case recorder.StateRecording:
			m.elapsed = 0
			m.level = 0
			m.peak = 0
			m.stopped = false
			m.errText = ""
		case recorder.StateIdle:
			m.level = 0
		}

	case connMsg:
		m.conn = msg.state
		m.connSeen = true

	case reachMsg:
		ok := bool(msg)
		m.reachable = &ok

	case levelMsg:
		if m.state == recorder.StateRecording {
			m.level = m.level*0.6 + float64(msg)*0.4
			m.peak = max(m.peak, float64(msg))
		}

	case elapsedMsg:
		m.elapsed = time.Duration(msg)

	case resultMsg:
		m.total++
		m.results = append(m.results, msg.entry)
		if len(m.results) > maxResults {
			m.results = m.results[len(m.results)-maxResults:]
		}

	case playingMsg:
		m.playing = msg.seq

	case stoppedMsg:
		m.stopped = true

	case errorMsg:
		if errors.Is(msg.err, recorder.ErrTooShort) {
			m.notice = msg.err.Error()
			break
		}
		m.errText = msg.err.Error()

	case opDoneMsg:
		m.busy = false
		if msg.err != nil && !errors.Is(msg.err, recorder.ErrNotRecording) {
			m.errText = msg.err.Error()
		}

	case copiedMsg:
		if msg.err != nil {
			m.notice = ""
			m.errText = "copy: " + msg.err.Error()
		} else {
			m.notice = "✓ copied"
		}
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case " ":
		if m.busy {
			return m, nil
		}
		ctx, ctrl := m.ctx, m.ctrl
		switch m.state {
		case recorder.StateIdle:
			m.busy = true
			m.errText = ""
			m.notice = ""
			return m, func() tea.Msg { return opDoneMsg{ctrl.Start(ctx)} }
		case recorder.StateRecording:
			m.busy = true
			return m, func() tea.Msg {
				_, err := ctrl.Stop(ctx)
				return opDoneMsg{err}
			}
		}

	case "m":
		next := recorder.ModeBatch
		if m.mode == recorder.ModeBatch {
			next = recorder.ModeStreaming
		}
		if m.busy {
			m.errText = "cannot change mode while recording"
			return m, nil
		}
		if err := m.ctrl.SetMode(next); err != nil {
			m.errText = "cannot change mode while recording"
			return m, nil
		}
		m.mode = next
		m.connSeen = false
		m.notice = "mode: " + next.String()

	case "r":
		e, ok := m.lastWith(func(r *transport.TranslationResult) bool { return len(r.Audio) > 0 })
		if !ok {
			m.notice = "nothing to replay"
			return m, nil
		}
		m.queue.PlayNow(e.Result)
		m.notice = fmt.Sprintf("replaying #%d", e.Seq)

	case "c":
		e, ok := m.lastWith(func(r *transport.TranslationResult) bool { return strings.TrimSpace(r.TranslatedText) != "" })
		if !ok {
			m.notice = "nothing to copy"
			return m, nil
		}
		text, copyFn := e.Result.TranslatedText, m.copy
		return m, func() tea.Msg { return copiedMsg{copyFn(text)} }
	}
	return m, nil
}

func (m tuiModel) lastWith(ok func(*transport.TranslationResult) bool) (playback.Entry, bool) {
	for i := len(m.results) - 1; i >= 0; i-- {
		if ok(m.results[i].Result) {
			return m.results[i], true
		}
	}
	return playback.Entry{}, false
}

func (m tuiModel) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	var lines []string

	switch m.state {
	case recorder.StateRecording:
		lines = append(lines, recStyle.Render(fmt.Sprintf("● REC %.1fs", m.elapsed.Seconds())))
	case recorder.StateProcessing:
		lines = append(lines, procStyle.Render("◌ TRANSLATING"))
	default:
		lines = append(lines, dimStyle.Render("○ STANDBY"))
	}
	lines = append(lines, infoStyle.Render(modeLineText(m.mode, m.source, m.target)))
	if m.deviceLine != "" {
		lines = append(lines, dimStyle.Render(m.deviceLine))
	}
	lines = append(lines, m.backendLine())

	if m.state == recorder.StateRecording {
		lines = append(lines, "level "+levelBar(m.level, min(40, width-8)))
		// after 1s with nothing above the noise floor
		if m.elapsed > time.Second && m.peak < 0.02 {
			lines = append(lines, warnStyle.Render("  ⚠ no voice detected"))
		}
	}
	lines = append(lines, "")

	if len(m.results) == 0 {
		lines = append(lines, dimStyle.Render("No translations yet"))
	} else {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("Translations (%d)", m.total)))
		wrap := max(10, width-6)
		for _, e := range m.results {
			marker := "  "
			if e.Seq == m.playing {
				marker = okStyle.Render("▶ ")
			}
			text := strings.TrimSpace(e.Result.TranslatedText)
			if text == "" {
				text = "(no speech)"
			}
			for i, l := range wrapText(text, wrap) {
				prefix := "    "
				if i == 0 {
					prefix = marker + fmt.Sprintf("%-2d", e.Seq%100)
				}
				lines = append(lines, prefix+textStyle.Render(l))
			}
			if orig := strings.TrimSpace(e.Result.OriginalText); orig != "" {
				for _, l := range wrapText(orig, wrap) {
					lines = append(lines, "    "+dimStyle.Render(l))
				}
			}
		}
	}
	if m.stopped {
		lines = append(lines, dimStyle.Render("translation stopped"))
	}

	lines = append(lines, "")
	if m.errText != "" {
		for _, l := range wrapText("✗ "+m.errText, max(10, width-2)) {
			lines = append(lines, errStyle.Render(l))
		}
	}
	if m.notice != "" {
		lines = append(lines, okStyle.Render(m.notice))
	}
	lines = append(lines, helpLine()+"  "+helpStyle.Render("babel "+version))
	return strings.Join(lines, "\n")
}

func (m tuiModel) backendLine() string {
	var b string
	switch {
	case m.reachable == nil:
		b = dimStyle.Render("backend: checking…")
	case *m.reachable:
		b = okStyle.Render("backend: reachable")
	default:
		b = errStyle.Render("backend: unreachable")
	}
	if m.mode == recorder.ModeStreaming && m.connSeen {
		style := dimStyle
		if m.conn == transport.StateConnected {
			style = okStyle
		}
		b += dimStyle.Render("  link: ") + style.Render(m.conn.String())
	}
	return b
}

func helpLine() string {
	keys := []struct{ key, what string }{
		{"space", "record"}, {"m", "mode"}, {"r", "replay"}, {"c", "copy"}, {"q", "quit"},
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+helpStyle.Render(" "+k.what))
	}
	return strings.Join(parts, helpStyle.Render(" · "))
}

// levelBar renders level (0..1) as a bar of width cells, green below
// half scale, yellow to 80% and red above.
func levelBar(level float64, width int) string {
	if width < 1 {
		width = 1
	}
	level = min(max(level, 0), 1)
	filled := int(level*float64(width) + 0.5)
	var b strings.Builder
	for i := 0; i < filled; i++ {
		frac := float64(i+1) / float64(width)
		style := levelStyles[0]
		if frac > 0.8 {
			style = levelStyles[2]
		} else if frac > 0.5 {
			style = levelStyles[1]
		}
		b.WriteString(style.Render("█"))
	}
	b.WriteString(dimStyle.Render(strings.Repeat("░", width-filled)))
	return b.String()
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
