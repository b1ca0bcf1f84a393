// Package view is the terminal placeholder for the Jeeves UI. Starting the
// program mounts a connection; quitting unmounts it.
package view

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/connection"
)

const (
	Heading = "Jeeves"
	Caption = "UI coming soon™️"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	captionStyle = lipgloss.NewStyle().Italic(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// stateMsg carries a channel transition into the update loop.
type stateMsg struct {
	state channel.State
	err   error
}

// Model is the bubbletea model. Use a pointer: Init mounts the connection
// and the mount must survive for the program's lifetime.
type Model struct {
	ctx      context.Context
	handler  *connection.Handler
	endpoint string

	mount     *connection.Mount
	events    chan stateMsg
	connected bool
	state     channel.State
	err       error

	spinner  spinner.Model
	spinning bool
	width    int
	height   int
}

// New returns an unmounted model. endpoint is only displayed.
func New(ctx context.Context, h *connection.Handler, endpoint string) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = mutedStyle

	return &Model{
		ctx:       ctx,
		handler:   h,
		endpoint:  endpoint,
		events:    make(chan stateMsg, 1),
		connected: true,
		state:     channel.StateDisconnected,
		spinner:   s,
	}
}

// Init mounts the connection.
func (m *Model) Init() tea.Cmd {
	if m.mount != nil {
		return nil
	}

	m.mount = m.handler.Mount(m.ctx, connection.WithStateObserver(m.observe))
	m.connected = m.mount.ConnectedToHost()
	if !m.connected {
		return nil
	}

	m.spinning = true
	return tea.Batch(m.spinner.Tick, waitForState(m.events))
}

// observe runs on the channel's goroutines and must not block. events holds
// only the latest transition: a queued one that was not rendered yet is
// replaced, so a terminal state is never lost.
func (m *Model) observe(state channel.State, err error) {
	msg := stateMsg{state: state, err: err}
	for {
		select {
		case m.events <- msg:
			return
		default:
		}
		select {
		case <-m.events:
		default:
		}
	}
}

func waitForState(events <-chan stateMsg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.Close()
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case stateMsg:
		m.state = msg.state
		if msg.err != nil || msg.state == channel.StateConnected {
			m.err = msg.err
		}

		var cmds []tea.Cmd
		wantSpin := spins(m.state)
		if wantSpin && !m.spinning {
			cmds = append(cmds, m.spinner.Tick)
		}
		m.spinning = wantSpin
		if !m.state.Terminal() {
			cmds = append(cmds, waitForState(m.events))
		}
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		if !m.spinning {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// Close unmounts. Safe to call after the program exits.
func (m *Model) Close() {
	if m.mount != nil {
		m.mount.Close()
	}
}

// Mount returns the active mount, or nil before Init.
func (m *Model) Mount() *connection.Mount {
	return m.mount
}

func spins(s channel.State) bool {
	return s == channel.StateDisconnected || s == channel.StateConnecting || s == channel.StateRetrying
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(headingStyle.Render(Heading))
	b.WriteString("\n")
	b.WriteString(captionStyle.Render(Caption))
	b.WriteString("\n\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")
	b.WriteString(mutedStyle.Render("q to quit"))

	body := b.String()
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, body)
	}
	return body + "\n"
}

func (m *Model) statusLine() string {
	if !m.connected {
		return mutedStyle.Render("Not running inside a host.")
	}

	switch m.state {
	case channel.StateConnected:
		return okStyle.Render("● Connected to " + m.endpoint)
	case channel.StateRetrying:
		return m.spinner.View() + " " + fmt.Sprintf("Connection lost, retrying… (%v)", m.err)
	case channel.StateFailed:
		return errStyle.Render(fmt.Sprintf("✗ Could not reach host: %v", m.err))
	case channel.StateClosed:
		return mutedStyle.Render("Disconnected.")
	}
	return m.spinner.View() + " Connecting to " + m.endpoint + "…"
}
