// Package hostsim provides a stand-in for the node that hosts the Jeeves
// process. It serves the state document on GET of the base path and accepts
// websocket connections on the base path, pushing JSON messages to every
// connected client. It is used for local development (cmd/hostsim) and by
// tests across the module.
package hostsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/hoststate"
)

// channelBufferSize is the buffer size for the broadcast channel and
// per-client send channels. Slow clients drop messages once it fills up.
const channelBufferSize = 256

const writeWait = 10 * time.Second

// Server simulates the host's HTTP and websocket surface for one process.
type Server struct {
	basePath string
	logger   *zap.Logger

	upgrader websocket.Upgrader

	// mu protects clients, stopped, state, greeting and received.
	mu       sync.RWMutex
	clients  map[*Client]bool
	stopped  bool
	state    hoststate.State
	greeting [][]byte
	received [][]byte

	// requireIdentity rejects upgrades without the identity headers.
	requireIdentity bool

	broadcast chan []byte

	// wg tracks the broadcaster and per-client pumps.
	wg sync.WaitGroup
}

// Client is one websocket connection to the simulator.
type Client struct {
	ID      string
	Node    string
	Process string

	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	server   *Server
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID      string
	Node    string
	Process string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithState sets the state document served on GET.
func WithState(st hoststate.State) Option {
	return func(s *Server) { s.state = st }
}

// WithRequireIdentity rejects websocket upgrades that do not present both
// identity headers.
func WithRequireIdentity() Option {
	return func(s *Server) { s.requireIdentity = true }
}

// WithGreeting queues raw frames sent to each client right after it connects.
func WithGreeting(frames ...string) Option {
	return func(s *Server) {
		for _, f := range frames {
			s.greeting = append(s.greeting, []byte(f))
		}
	}
}

// New creates a simulator for the process served under basePath and starts
// its broadcaster. Call Stop to release it.
func New(basePath string, opts ...Option) *Server {
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	s := &Server{
		basePath:  basePath,
		logger:    zap.NewNop(),
		clients:   make(map[*Client]bool),
		state:     hoststate.Empty(),
		broadcast: make(chan []byte, channelBufferSize),
		upgrader: websocket.Upgrader{
			// The UI may be served from a different origin during development.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBroadcaster()
	}()
	return s
}

// Handler returns the HTTP handler. Websocket upgrades and GETs are
// accepted on the base path; other methods get 405.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.basePath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != s.basePath {
			http.NotFound(w, r)
			return
		}
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleState(w)
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then stops the
// simulator. ready, if non-nil, receives the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{Handler: s.Handler()}
	if ready != nil {
		ready(ln.Addr())
	}
	s.logger.Info("host simulator listening", zap.String("addr", ln.Addr().String()), zap.String("base_path", s.basePath))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// SetState replaces the state document.
func (s *Server) SetState(st hoststate.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Broadcast JSON-encodes v and queues it for every client.
func (s *Server) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	s.BroadcastRaw(data)
	return nil
}

// BroadcastRaw queues frame for every client without inspecting it, so
// tests can push malformed payloads. It never blocks; a full queue drops
// the frame.
func (s *Server) BroadcastRaw(frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}
	select {
	case s.broadcast <- frame:
	default:
		s.logger.Warn("broadcast channel full, dropping message")
	}
}

// Clients lists connected clients.
func (s *Server) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, ClientInfo{ID: c.ID, Node: c.Node, Process: c.Process})
	}
	return infos
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Received returns copies of the frames clients have sent.
func (s *Server) Received() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(s.received))
	for i, f := range s.received {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// DropClients closes every client connection without a close frame,
// simulating the node going away. The server keeps accepting connections.
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

// Stop disconnects every client with a close frame and waits for the
// simulator's goroutines. It is safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for c := range s.clients {
		c.shutdown()
	}
	close(s.broadcast)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) handleState(w http.ResponseWriter) {
	s.mu.RLock()
	data, err := json.Marshal(s.state)
	s.mu.RUnlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	node := r.Header.Get(channel.HeaderNodeID)
	process := r.Header.Get(channel.HeaderProcessID)
	if s.requireIdentity && (node == "" || process == "") {
		s.logger.Info("websocket rejected: missing identity")
		http.Error(w, "Unauthorized: missing identity", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:      uuid.NewString(),
		Node:    node,
		Process: process,
		conn:    conn,
		send:    make(chan []byte, channelBufferSize),
		done:    make(chan struct{}),
		server:  s,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	greeting := s.greeting
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info("client connected",
		zap.String("client", client.ID),
		zap.String("node", node),
		zap.String("process", process))

	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()

	// Queued after the pumps start so any number of frames drains.
	for _, frame := range greeting {
		select {
		case client.send <- frame:
		case <-client.done:
			return
		}
	}
}

// runBroadcaster fans frames out to every client without blocking on slow ones.
func (s *Server) runBroadcaster() {
	for frame := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			select {
			case <-client.done:
			case client.send <- frame:
			default:
				s.logger.Warn("client send buffer full, dropping message", zap.String("client", client.ID))
			}
		}
		s.mu.RUnlock()
	}
}

func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "host stopping"))
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()
		c.shutdown()
		c.server.logger.Info("client disconnected", zap.String("client", c.ID))
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.server.mu.Lock()
		c.server.received = append(c.server.received, data)
		c.server.mu.Unlock()
	}
}
