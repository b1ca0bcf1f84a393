// Package connection decides, each time the view mounts, whether the UI can
// talk to its host, opens the realtime channel when it can, and feeds every
// inbound frame through the message decoder and router.
package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/environ"
	apperrors "github.com/jeeves/ui/internal/errors"
	"github.com/jeeves/ui/internal/journal"
	"github.com/jeeves/ui/internal/message"
)

// Conn is the channel handle a mount owns.
type Conn interface {
	State() channel.State
	Send(ctx context.Context, v any) error
	Close() error
}

// Opener opens a channel without blocking. The default is channel.Open.
type Opener func(ctx context.Context, cfg channel.Config) Conn

// DefaultOpener opens a real websocket channel.
func DefaultOpener(ctx context.Context, cfg channel.Config) Conn {
	return channel.Open(ctx, cfg)
}

// Config is resolved once by the composition root.
type Config struct {
	Identity environ.Identity

	// Endpoint is the websocket endpoint. Empty lets the channel derive one
	// from Origin.
	Endpoint string
	Origin   string

	Retry         channel.RetryPolicy
	SendPerSecond int

	// Journal, when set, records every inbound frame.
	Journal journal.Recorder
}

// Handler mounts connections for the view.
type Handler struct {
	cfg    Config
	logger *zap.Logger
	opener Opener
	router *message.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithOpener replaces channel.Open, mainly for tests.
func WithOpener(o Opener) Option {
	return func(h *Handler) { h.opener = o }
}

// WithRouter routes decoded messages through r instead of the default
// router, which only logs the message type.
func WithRouter(r *message.Router) Option {
	return func(h *Handler) { h.router = r }
}

// New returns a Handler for cfg.
func New(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		cfg:    cfg,
		logger: zap.NewNop(),
		opener: DefaultOpener,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.router == nil {
		h.router = message.NewRouter()
		logger := h.logger
		h.router.Fallback(func(_ context.Context, env message.Envelope) error {
			logger.Info("message received", zap.String("type", env.Type))
			return nil
		})
	}
	return h
}

// Router returns the dispatch table, so callers can add routes.
func (h *Handler) Router() *message.Router {
	return h.router
}

// MountOption configures a single mount.
type MountOption func(*Mount)

// WithStateObserver is called on every channel state transition of the mount.
func WithStateObserver(fn func(state channel.State, err error)) MountOption {
	return func(m *Mount) { m.observer = fn }
}

// Mount is one view mount. It owns at most one channel.
type Mount struct {
	id       string
	ctx      context.Context
	handler  *Handler
	logger   *zap.Logger
	observer func(channel.State, error)

	mu        sync.Mutex
	connected bool
	conn      Conn
	state     channel.State
	closed    bool
	closeOnce sync.Once
}

// Mount checks the host identity once and, if present, opens the channel.
// It never blocks on the network. The caller must Close the mount.
func (h *Handler) Mount(ctx context.Context, opts ...MountOption) *Mount {
	m := &Mount{
		id:        uuid.NewString(),
		ctx:       ctx,
		handler:   h,
		connected: true,
		state:     channel.StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = h.logger.With(zap.String("mount", m.id))

	id := h.cfg.Identity
	if !id.Present() {
		m.connected = false
		m.logger.Info("not running inside host, staying offline",
			zap.Error(apperrors.HostAbsent(id.Missing())))
		return m
	}

	conn := h.opener(ctx, channel.Config{
		Endpoint:      h.cfg.Endpoint,
		Origin:        h.cfg.Origin,
		NodeID:        id.Node,
		ProcessID:     id.Process,
		OnOpen:        m.onOpen,
		OnMessage:     m.onMessage,
		OnStateChange: m.onStateChange,
		Retry:         h.cfg.Retry,
		SendPerSecond: h.cfg.SendPerSecond,
		Logger:        m.logger,
	})

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return m
}

// ID identifies the mount in logs and the journal.
func (m *Mount) ID() string {
	return m.id
}

// ConnectedToHost is false only when the host identity was missing at mount.
func (m *Mount) ConnectedToHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Channel returns the mount's channel, or nil when none was opened.
func (m *Mount) Channel() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// State returns the last channel state seen by the mount.
func (m *Mount) State() channel.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close releases the channel. It is safe to call more than once and on a
// mount that never opened a channel.
func (m *Mount) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		conn := m.conn
		m.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		m.logger.Debug("unmounted")
	})
	return err
}

func (m *Mount) onOpen(*channel.Channel) {
	m.logger.Info("connected to host")
}

func (m *Mount) onStateChange(state channel.State, err error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(state, err)
	}
}

func (m *Mount) onMessage(payload []byte, _ *channel.Channel) {
	m.handle(payload)
}

// handle decodes and dispatches one inbound frame. Bad frames are logged
// and dropped; nothing here fails the connection.
func (m *Mount) handle(payload []byte) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	entry := journal.Entry{MountID: m.id, Raw: string(payload)}

	env, err := message.Decode(payload)
	switch {
	case errors.Is(err, message.ErrEmpty):
		entry.Outcome = journal.OutcomeEmpty
	case err != nil:
		entry.Outcome = journal.OutcomeMalformed
		m.logger.Warn("discarding inbound payload", zap.Error(err))
	default:
		entry.Type = env.Type
		entry.Outcome = journal.OutcomeDispatched
		if !m.handler.router.Handles(env.Type) {
			entry.Outcome = journal.OutcomeUnhandled
		}
		if err := m.handler.router.Dispatch(m.ctx, env); err != nil {
			if apperrors.IsCode(err, apperrors.CodeDispatchHandlerMissing) {
				m.logger.Debug("no handler for message", zap.String("type", env.Type))
			} else {
				m.logger.Warn("message handler failed", zap.String("type", env.Type), zap.Error(err))
			}
		}
	}

	if j := m.handler.cfg.Journal; j != nil {
		// The frame was received, so record it even if the mount is stopping.
		if err := j.Record(context.WithoutCancel(m.ctx), entry); err != nil {
			m.logger.Warn("journal write failed", zap.Error(err))
		}
	}
}
