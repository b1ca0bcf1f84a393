package view

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/connection"
	"github.com/jeeves/ui/internal/environ"
)

const testEndpoint = "ws://localhost:8080/jeeves:jeeves:template.os/"

type fakeConn struct {
	mu     sync.Mutex
	closes int
}

func (f *fakeConn) State() channel.State            { return channel.StateConnecting }
func (f *fakeConn) Send(context.Context, any) error { return nil }
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type fakeOpener struct {
	opens int
	cfg   channel.Config
	conn  *fakeConn
}

func (o *fakeOpener) open(_ context.Context, cfg channel.Config) connection.Conn {
	o.opens++
	o.cfg = cfg
	o.conn = &fakeConn{}
	return o.conn
}

func newTestModel(identity environ.Identity) (*Model, *fakeOpener) {
	opener := &fakeOpener{}
	h := connection.New(connection.Config{Identity: identity, Endpoint: testEndpoint}, connection.WithOpener(opener.open))
	return New(context.Background(), h, testEndpoint), opener
}

func present() environ.Identity {
	return environ.Identity{Node: "our.os", Process: "jeeves:jeeves:template.os/"}
}

// transition simulates the channel reporting a state and feeds the
// resulting message through Update.
func transition(t *testing.T, m *Model, opener *fakeOpener, state channel.State, err error) tea.Cmd {
	t.Helper()
	opener.cfg.OnStateChange(state, err)
	msg := waitForState(m.events)()
	_, cmd := m.Update(msg)
	return cmd
}

func TestView_AlwaysShowsHeadingAndCaption(t *testing.T) {
	for _, identity := range []environ.Identity{{}, present()} {
		m, _ := newTestModel(identity)
		view := m.View()
		assert.Contains(t, view, Heading)
		assert.Contains(t, view, Caption)

		m.Init()
		view = m.View()
		assert.Contains(t, view, Heading)
		assert.Contains(t, view, Caption)
		m.Close()
	}
}

func TestInit_WithoutHost(t *testing.T) {
	m, opener := newTestModel(environ.Identity{Node: "our.os"})

	cmd := m.Init()

	assert.Nil(t, cmd)
	assert.Zero(t, opener.opens)
	require.NotNil(t, m.Mount())
	assert.False(t, m.Mount().ConnectedToHost())
	assert.Contains(t, m.View(), "Not running inside a host.")
}

func TestInit_MountsOnce(t *testing.T) {
	m, opener := newTestModel(present())

	cmd := m.Init()
	require.NotNil(t, cmd)
	assert.Nil(t, m.Init())

	assert.Equal(t, 1, opener.opens)
	assert.True(t, m.Mount().ConnectedToHost())
	assert.Contains(t, m.View(), "Connecting to "+testEndpoint)
}

func TestUpdate_StateTransitions(t *testing.T) {
	m, opener := newTestModel(present())
	m.Init()

	cmd := transition(t, m, opener, channel.StateConnected, nil)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Connected to "+testEndpoint)
	assert.False(t, m.spinning)

	transition(t, m, opener, channel.StateRetrying, errors.New("connection reset"))
	assert.True(t, m.spinning)
	assert.Contains(t, m.View(), "retrying")
	assert.Contains(t, m.View(), "connection reset")

	cmd = transition(t, m, opener, channel.StateFailed, errors.New("gave up after 5 attempts"))
	assert.Nil(t, cmd)
	assert.False(t, m.spinning)
	assert.Contains(t, m.View(), "Could not reach host: gave up after 5 attempts")
}

func TestObserve_BurstKeepsTerminalState(t *testing.T) {
	m, opener := newTestModel(present())
	m.Init()

	// Nothing drains the queue while the channel reports a long burst.
	for i := 0; i < 200; i++ {
		opener.cfg.OnStateChange(channel.StateRetrying, errors.New("dial refused"))
	}
	opener.cfg.OnStateChange(channel.StateFailed, errors.New("gave up after 5 attempts"))

	msg := waitForState(m.events)()
	got, ok := msg.(stateMsg)
	require.True(t, ok)
	assert.Equal(t, channel.StateFailed, got.state)
	assert.Empty(t, m.events)

	_, cmd := m.Update(msg)
	assert.Nil(t, cmd)
	assert.False(t, m.spinning)
	assert.Contains(t, m.View(), "Could not reach host: gave up after 5 attempts")
}

func TestUpdate_QuitUnmounts(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
		{Type: tea.KeyCtrlC},
	} {
		t.Run(key.String(), func(t *testing.T) {
			m, opener := newTestModel(present())
			m.Init()

			_, cmd := m.Update(key)
			require.NotNil(t, cmd)
			_, isQuit := cmd().(tea.QuitMsg)
			assert.True(t, isQuit)
			assert.Equal(t, 1, opener.conn.closes)

			m.Close()
			assert.Equal(t, 1, opener.conn.closes)
		})
	}
}

func TestUpdate_OtherKeysIgnored(t *testing.T) {
	m, opener := newTestModel(present())
	m.Init()
	defer m.Close()

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
	assert.Nil(t, cmd)
	assert.Zero(t, opener.conn.closes)
}

func TestView_CentersWhenSized(t *testing.T) {
	m, _ := newTestModel(environ.Identity{})
	m.Init()

	m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	lines := strings.Split(m.View(), "\n")
	assert.Len(t, lines, 20)
}
