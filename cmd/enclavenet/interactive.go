package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/enclave-net/lifecycle"
	"github.com/wippyai/enclave-net/tcp"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	opStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const pollInterval = 20 * time.Millisecond

type operation struct {
	name        string
	placeholder string
	needsAddr   bool
}

var operations = []operation{
	{name: "connect", placeholder: "example.com:80", needsAddr: true},
	{name: "bind", placeholder: "127.0.0.1:0", needsAddr: true},
	{name: "accept"},
}

type modelState int

const (
	stateSelectOp modelState = iota
	stateInputAddr
	stateRunning
	stateShowResult
)

type interactiveModel struct {
	err      error
	net      *tcp.Network
	listener *tcp.Listener
	stream   *tcp.Stream
	result   string
	history  []lifecycle.Phase
	input    textinput.Model
	selected int
	state    modelState
}

type pollMsg struct{}

type bindResultMsg struct {
	listener *tcp.Listener
	err      error
}

func newInteractiveModel(net *tcp.Network) *interactiveModel {
	return &interactiveModel{net: net}
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func pollLater() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.shutdown()
			return m, tea.Quit

		case "q":
			if m.state != stateInputAddr {
				m.shutdown()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectOp && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectOp && m.selected < len(operations)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectOp:
				op := operations[m.selected]
				if !op.needsAddr {
					return m, m.start(op, "")
				}
				m.prepareInput(op)
				m.state = stateInputAddr
				return m, textinput.Blink

			case stateInputAddr:
				return m, m.start(operations[m.selected], strings.TrimSpace(m.input.Value()))

			case stateShowResult:
				m.reset()
			}

		case "esc":
			switch m.state {
			case stateInputAddr, stateShowResult:
				m.reset()
			case stateRunning:
				m.abort()
			}
		}

	case pollMsg:
		if m.state == stateRunning {
			return m, m.poll()
		}

	case bindResultMsg:
		if m.state != stateRunning {
			// abandoned while binding
			if msg.listener != nil {
				_ = msg.listener.Close()
			}
			return m, nil
		}
		m.finish(msg.err)
		if msg.err != nil {
			m.record(lifecycle.PhaseError)
		} else {
			m.record(lifecycle.PhaseReady)
			if m.listener != nil {
				_ = m.listener.Close()
			}
			m.listener = msg.listener
			m.result = fmt.Sprintf("listening on %s", msg.listener.Addr())
		}
	}

	if m.state == stateInputAddr {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) prepareInput(op operation) {
	ti := textinput.New()
	ti.Placeholder = op.placeholder
	ti.Prompt = "address: "
	ti.Width = 40
	ti.Focus()
	m.input = ti
}

// start issues the selected operation and returns the command that drives
// it to completion.
func (m *interactiveModel) start(op operation, addr string) tea.Cmd {
	m.history = []lifecycle.Phase{lifecycle.PhaseNew}
	m.result = ""
	m.err = nil
	m.state = stateRunning

	switch op.name {
	case "connect":
		s := m.net.NewStream(addr)
		s.SetNonblocking(true)
		if err := s.Start(context.Background()); err != nil {
			m.record(s.Phase())
			_ = s.TakeError()
			m.finish(err)
			return nil
		}
		m.stream = s
		m.record(s.Phase())
		return pollLater()

	case "bind":
		return func() tea.Msg {
			l, err := m.net.BindByName(context.Background(), addr)
			return bindResultMsg{listener: l, err: err}
		}

	case "accept":
		if m.listener == nil {
			m.finish(fmt.Errorf("no listener: bind first"))
			return nil
		}
		m.record(lifecycle.PhasePending)
		return m.poll()
	}
	return nil
}

func (m *interactiveModel) poll() tea.Cmd {
	if m.stream != nil {
		err := m.stream.Poll()
		m.record(m.stream.Phase())
		if tcp.IsWouldBlock(err) {
			return pollLater()
		}
		if err == nil {
			err = m.stream.TakeError()
		}
		if err == nil {
			local, _ := m.stream.LocalAddr()
			peer, _ := m.stream.PeerAddr()
			m.result = fmt.Sprintf("connected %s -> %s", local, peer)
		}
		_ = m.stream.Close()
		m.stream = nil
		m.finish(err)
		return nil
	}

	if m.listener != nil {
		s, peer, err := m.listener.TryAccept()
		if tcp.IsWouldBlock(err) {
			return pollLater()
		}
		if err == nil {
			m.record(lifecycle.PhaseReady)
			m.result = fmt.Sprintf("accepted %s", peer)
			_ = s.Close()
		} else {
			m.record(lifecycle.PhaseError)
		}
		m.finish(err)
	}
	return nil
}

// record appends phase to the history unless it repeats the last entry.
func (m *interactiveModel) record(phase lifecycle.Phase) {
	if n := len(m.history); n > 0 && m.history[n-1] == phase {
		return
	}
	m.history = append(m.history, phase)
}

func (m *interactiveModel) finish(err error) {
	m.err = err
	m.state = stateShowResult
}

func (m *interactiveModel) abort() {
	if m.stream != nil {
		_ = m.stream.Close()
		m.stream = nil
	}
	m.finish(fmt.Errorf("%s abandoned", operations[m.selected].name))
}

func (m *interactiveModel) reset() {
	m.state = stateSelectOp
	m.result = ""
	m.err = nil
	m.history = nil
}

func (m *interactiveModel) shutdown() {
	if m.stream != nil {
		_ = m.stream.Close()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("enclavenet"))
	if m.listener != nil {
		b.WriteString(" ")
		b.WriteString(phaseStyle.Render("listener " + m.listener.Addr().String()))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectOp:
		b.WriteString("Select an operation:\n\n")
		for i, op := range operations {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + op.name))
			} else {
				b.WriteString("  " + opStyle.Render(op.name))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • q quit"))

	case stateInputAddr:
		b.WriteString(fmt.Sprintf("%s\n\n", opStyle.Render(operations[m.selected].name)))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter run • esc back"))

	case stateRunning:
		b.WriteString(fmt.Sprintf("Running %s\n\n", opStyle.Render(operations[m.selected].name)))
		b.WriteString(m.renderHistory())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("esc abandon • q quit"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", opStyle.Render(operations[m.selected].name)))
		b.WriteString(m.renderHistory())
		b.WriteString("\n\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) renderHistory() string {
	parts := make([]string, len(m.history))
	for i, p := range m.history {
		parts[i] = phaseStyle.Render(p.String())
	}
	return strings.Join(parts, " → ")
}

func runInteractive(net *tcp.Network) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("interactive mode requires a terminal")
	}
	p := tea.NewProgram(newInteractiveModel(net), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
