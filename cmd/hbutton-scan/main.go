// Command hbutton-scan lists advertising BLE devices whose name matches a
// filter. Use it to check that an H-Button is visible before running the bridge.
//
// Usage:
//
//	go run ./cmd/hbutton-scan [-filter H-Button] [-timeout 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/hbutton-bridge/internal/ble"
)

type foundMsg ble.Device

type doneMsg struct {
	err error
}

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#01cdfe")).Bold(true)
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1")).Bold(true)
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3d8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff71ce")).Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3d8")).Italic(true)
)

type model struct {
	filter   string
	deadline time.Time
	spinner  spinner.Model
	devices  []ble.Device
	done     bool
	err      error
	cancel   context.CancelFunc
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case foundMsg:
		m.devices = append(m.devices, ble.Device(msg))
	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	filter := m.filter
	if filter == "" {
		filter = "any name"
	}
	b.WriteString(titleStyle.Render("hbutton-scan") + " " + idStyle.Render(fmt.Sprintf("(%s)", filter)) + "\n\n")

	for _, d := range m.devices {
		b.WriteString("  " + nameStyle.Render(d.Name) + "  " + idStyle.Render(d.ID) + "\n")
	}

	switch {
	case m.err != nil:
		b.WriteString("\n" + errStyle.Render("scan failed: "+m.err.Error()) + "\n")
	case m.done:
		b.WriteString(fmt.Sprintf("\n%d device(s) found.\n", len(m.devices)))
	default:
		left := time.Until(m.deadline).Round(time.Second)
		if left < 0 {
			left = 0
		}
		b.WriteString("\n" + m.spinner.View() + " scanning… " + idStyle.Render(left.String()) + "\n")
		b.WriteString(helpStyle.Render("q to stop") + "\n")
	}
	return b.String()
}

func main() {
	filter := flag.String("filter", ble.DefaultNameFilter, "substring of the advertised name; empty lists every named device")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	p := tea.NewProgram(model{
		filter:   *filter,
		deadline: time.Now().Add(*timeout),
		spinner:  sp,
		cancel:   cancel,
	})

	go func() {
		_, err := ble.ScanForDevices(ctx, ble.NewTinyGoAdapter(), *filter, func(d ble.Device) {
			p.Send(foundMsg(d))
		})
		p.Send(doneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hbutton-scan: %v\n", err)
		os.Exit(1)
	}
	if m, ok := final.(model); ok && m.err != nil {
		os.Exit(1)
	}
}
