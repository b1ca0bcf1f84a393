// Package channel provides the realtime websocket connection to the host node.
//
// Open never blocks: dialing, reading and reconnecting happen on background
// goroutines, and the owner learns about progress through callbacks. The
// owner releases the connection with Close, which waits for every goroutine
// the channel started.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/jeeves/ui/internal/errors"
)

const (
	// channelBufferSize is the buffer size for queued outbound frames.
	channelBufferSize = 256

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the host may stay silent before the connection
	// is considered dead. pingPeriod must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound frames at 512KB.
	maxMessageSize = 512 * 1024
)

// Handshake headers presenting the identity to the host.
const (
	HeaderNodeID    = "X-Node-Id"
	HeaderProcessID = "X-Process-Id"
)

// State is the connection state machine:
//
//	disconnected → connecting → connected → retrying → connecting ... → failed
//
// Any state moves to closed when the owner calls Close.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions will happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// RetryPolicy controls reconnects after a failed dial or a lost connection.
type RetryPolicy struct {
	// MaxAttempts is the number of reconnects tried in a row before the
	// channel gives up. Zero disables reconnecting. A successful connection
	// resets the count.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config describes the channel to open.
type Config struct {
	// Endpoint is the websocket URL. When empty it is derived from Origin
	// and ProcessID by DefaultEndpoint.
	Endpoint string
	Origin   string

	NodeID    string
	ProcessID string

	// OnOpen runs each time the connection is established.
	OnOpen func(c *Channel)

	// OnMessage runs once per inbound frame, in delivery order, on the
	// channel's read goroutine. It must not call Close.
	OnMessage func(payload []byte, c *Channel)

	// OnStateChange observes every transition. err is set for retrying and
	// failed.
	OnStateChange func(state State, err error)

	Retry RetryPolicy

	// SendPerSecond paces Send. Zero means unlimited.
	SendPerSecond int

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Logger *zap.Logger
}

// Channel is an open (or opening) connection to the host.
type Channel struct {
	cfg      Config
	endpoint string
	logger   *zap.Logger
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards state, conn and closed.
	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	closed bool

	send chan []byte

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// DefaultEndpoint derives the websocket endpoint a production build uses:
// the origin's host with a ws or wss scheme, and the process id as path.
func DefaultEndpoint(origin, processID string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/" + processID, nil
}

// Open starts connecting and returns immediately. The returned channel is
// owned by the caller, who must Close it.
func Open(ctx context.Context, cfg Config) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.SendPerSecond > 0 {
		limit = rate.Limit(cfg.SendPerSecond)
	}
	burst := cfg.SendPerSecond
	if burst < 1 {
		burst = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		ctx:     runCtx,
		cancel:  cancel,
		state:   StateDisconnected,
		send:    make(chan []byte, channelBufferSize),
		done:    make(chan struct{}),
	}

	endpoint := cfg.Endpoint
	var endpointErr error
	if endpoint == "" {
		endpoint, endpointErr = DefaultEndpoint(cfg.Origin, cfg.ProcessID)
	}
	c.endpoint = endpoint
	c.logger = logger.With(zap.String("endpoint", endpoint))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		if endpointErr != nil {
			c.setState(StateFailed, apperrors.DialFailed(endpoint, endpointErr))
			return
		}
		c.run()
	}()

	return c
}

// Endpoint returns the websocket URL in use.
func (c *Channel) Endpoint() string {
	return c.endpoint
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel stops connecting for good, either because
// it failed or because it was closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send JSON-encodes v and queues it for the host.
func (c *Channel) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeChannelSendFailed, "encode outbound message", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeChannelSendFailed, "send paced out", err)
	}

	c.mu.Lock()
	state, closed := c.state, c.closed
	c.mu.Unlock()
	if closed {
		return apperrors.New(apperrors.CodeChannelClosed, "channel is closed")
	}
	if state != StateConnected {
		return apperrors.New(apperrors.CodeChannelNotConnected, fmt.Sprintf("channel is %s", state))
	}

	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return apperrors.New(apperrors.CodeChannelClosed, "channel is closed")
	}
}

// Close stops reconnecting, sends a close frame if connected, and waits for
// the channel's goroutines. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		}

		c.wg.Wait()

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Debug("channel closed")
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(StateClosed, nil)
		}
	})
	return nil
}

// setState records a transition and notifies the observer. Transitions
// after Close are dropped.
func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("channel state", zap.Stringer("state", s), zap.Error(err))
	} else {
		c.logger.Debug("channel state", zap.Stringer("state", s))
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s, err)
	}
}

// newBackOff returns the reconnect schedule: exponential delays with jitter,
// starting at Retry.InitialInterval and capped at Retry.MaxInterval.
func (c *Channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.Retry.InitialInterval > 0 {
		b.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		b.MaxInterval = c.cfg.Retry.MaxInterval
	}
	// Attempts are bounded by MaxAttempts, not wall time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run is the connection loop. It exits when the channel is closed or when
// reconnect attempts are exhausted.
func (c *Channel) run() {
	b := c.newBackOff()
	retries := 0

	for {
		c.setState(StateConnecting, nil)

		var lastErr error
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			lastErr = apperrors.DialFailed(c.endpoint, err)
		} else {
			b.Reset()
			retries = 0
			lastErr = c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
		}

		wait := b.NextBackOff()
		if retries >= c.cfg.Retry.MaxAttempts || wait == backoff.Stop {
			c.setState(StateFailed, apperrors.RetriesExhausted(retries+1, lastErr))
			return
		}
		retries++

		c.setState(StateRetrying, lastErr)
		c.logger.Debug("reconnecting", zap.Int("attempt", retries), zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if c.cfg.NodeID != "" {
		header.Set(HeaderNodeID, c.cfg.NodeID)
	}
	if c.cfg.ProcessID != "" {
		header.Set(HeaderProcessID, c.cfg.ProcessID)
	}

	conn, resp, err := dialer.DialContext(c.ctx, c.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// serve runs one established connection until it fails or the channel is
// closed, and returns the reason it ended.
func (c *Channel) serve(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.setState(StateConnected, nil)
	c.logger.Info("connected to host")
	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen(c)
	}

	stop := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writePump(conn, stop)
	}()

	err := c.readPump(conn)
	close(stop)
	return err
}

// readPump delivers inbound frames to OnMessage until the connection fails.
func (c *Channel) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return apperrors.Wrap(apperrors.CodeChannelConnectionLost, "connection to host lost", err)
		}

		// Any frame proves the host is alive.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(data, c)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Channel) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			// Unblocks readPump when the parent context is cancelled.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				// Unblocks readPump so the run loop can reconnect.
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
