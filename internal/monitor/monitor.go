// Package monitor is a terminal view of the bridge: session state,
// microphone, volume, and the last device status. It doubles as a
// tray.Notifier so mute changes show up immediately.
package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/hbutton-bridge/internal/audio"
	"github.com/chaz8081/hbutton-bridge/internal/ble"
	"github.com/chaz8081/hbutton-bridge/internal/controller"
)

const maxEvents = 6

// Source feeds the view. Nil fields are skipped.
type Source struct {
	Snapshot func() controller.Snapshot
	Session  func() ble.SessionState
	// Toggle is bound to the "m" key.
	Toggle func()
}

type tickMsg time.Time

type micMsg audio.MicStatus

type sessionMsg ble.SessionState

type theme struct {
	root    lipgloss.Style
	title   lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	muted   lipgloss.Style
	live    lipgloss.Style
	idle    lipgloss.Style
	bar     lipgloss.Style
	barOff  lipgloss.Style
	event   lipgloss.Style
	help    lipgloss.Style
	spinner lipgloss.Style
}

func newTheme() theme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	text := lipgloss.Color("#f3f3ff")
	dim := lipgloss.Color("#9ca3d8")

	return theme{
		root:  lipgloss.NewStyle().Padding(0, 1),
		title: lipgloss.NewStyle().Foreground(blue).Bold(true),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		label:   lipgloss.NewStyle().Foreground(dim).Width(10),
		value:   lipgloss.NewStyle().Foreground(text),
		muted:   lipgloss.NewStyle().Foreground(pink).Bold(true),
		live:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		idle:    lipgloss.NewStyle().Foreground(dim),
		bar:     lipgloss.NewStyle().Foreground(mint),
		barOff:  lipgloss.NewStyle().Foreground(dim),
		event:   lipgloss.NewStyle().Foreground(dim),
		help:    lipgloss.NewStyle().Foreground(dim).Italic(true),
		spinner: lipgloss.NewStyle().Foreground(mint),
	}
}

// Model is the bubbletea model for the monitor.
type Model struct {
	src      Source
	interval time.Duration
	theme    theme
	spinner  spinner.Model
	width    int

	session ble.SessionState
	snap    controller.Snapshot
	events  []string
	now     func() time.Time
}

// NewModel creates a Model that refreshes from src every interval.
func NewModel(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	th := newTheme()
	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = th.spinner
	m := Model{
		src:      src,
		interval: interval,
		theme:    th,
		spinner:  sp,
		now:      time.Now,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickEvery(m.interval))
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) refresh() {
	if m.src.Snapshot != nil {
		m.snap = m.src.Snapshot()
	}
	if m.src.Session != nil {
		m.session = m.src.Session()
	}
}

func (m *Model) logEvent(format string, args ...any) {
	line := m.now().Format("15:04:05") + "  " + fmt.Sprintf(format, args...)
	m.events = append(m.events, line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, tickEvery(m.interval)
	case micMsg:
		m.snap.Mic = audio.MicStatus(msg)
		m.logEvent("microphone %s", audio.MicStatus(msg))
	case sessionMsg:
		st := ble.SessionState(msg)
		if st.Connected {
			m.logEvent("connected to %s", label(st))
		} else if m.session.Connected {
			m.logEvent("disconnected from %s", label(m.session))
		}
		m.session = st
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "m":
			if m.src.Toggle != nil {
				toggle := m.src.Toggle
				// Runs off the event loop: toggling notifies the monitor.
				return m, func() tea.Msg {
					toggle()
					return nil
				}
			}
		}
	}
	return m, nil
}

func label(st ble.SessionState) string {
	if st.Name == "" {
		return st.ID
	}
	return fmt.Sprintf("%s (%s)", st.Name, st.ID)
}

func (m Model) View() string {
	th := m.theme
	var b strings.Builder

	b.WriteString(th.title.Render("H-Button bridge"))
	b.WriteString("\n\n")

	var session string
	if m.session.Connected {
		session = th.live.Render("connected") + th.value.Render(" "+label(m.session))
		if !m.session.Since.IsZero() {
			session += th.idle.Render(" for " + m.now().Sub(m.session.Since).Truncate(time.Second).String())
		}
	} else {
		session = m.spinner.View() + th.idle.Render(" scanning")
	}

	mic := th.live.Render(m.snap.Mic.String())
	if m.snap.Mic == audio.MicMuted {
		mic = th.muted.Render(m.snap.Mic.String())
	}

	rows := []string{
		row(th, "device", session),
		row(th, "mic", mic),
		row(th, "volume", volumeBar(th, m.snap.Volume, 20)),
		row(th, "encoder", th.value.Render(fmt.Sprintf("%d", m.snap.Status.EncoderPosition))),
		row(th, "presses", th.value.Render(fmt.Sprintf("%d", m.snap.Status.MicMuteButtonPressCount))),
		row(th, "led", th.value.Render(m.snap.Status.LedStatus.String())),
	}
	panel := th.panel
	if m.width > 4 {
		panel = panel.Width(m.width - 4)
	}
	b.WriteString(panel.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	for _, ev := range m.events {
		b.WriteString(th.event.Render(ev))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(th.help.Render("m toggle mute · q quit"))
	return th.root.Render(b.String())
}

func row(th theme, name, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, th.label.Render(name), value)
}

func volumeBar(th theme, volume int64, width int) string {
	volume = audio.ClampVolume(volume)
	filled := int(volume * int64(width) / audio.MaxVolume)
	pct := volume * 100 / audio.MaxVolume
	return th.bar.Render(strings.Repeat("█", filled)) +
		th.barOff.Render(strings.Repeat("░", width-filled)) +
		th.value.Render(fmt.Sprintf(" %3d%%", pct))
}

// Monitor runs the Model in a tea.Program and forwards notifications to it.
type Monitor struct {
	program *tea.Program
}

// New creates a Monitor. Options are passed to tea.NewProgram.
func New(model Model, opts ...tea.ProgramOption) *Monitor {
	return &Monitor{program: tea.NewProgram(model, opts...)}
}

// Run blocks until the user quits or Quit is called.
func (m *Monitor) Run() error {
	_, err := m.program.Run()
	return err
}

// Quit stops the program.
func (m *Monitor) Quit() {
	m.program.Quit()
}

// MicStatusChanged implements tray.Notifier.
func (m *Monitor) MicStatusChanged(status audio.MicStatus) {
	m.program.Send(micMsg(status))
}

// SessionChanged is suitable for ble.ManagerOptions.OnSessionChange.
func (m *Monitor) SessionChanged(st ble.SessionState) {
	m.program.Send(sessionMsg(st))
}
