package server

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/msgnet/lib/executor"
	"github.com/ValentinKolb/msgnet/lib/queue"
	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/ValentinKolb/msgnet/network/connection"
	"github.com/ValentinKolb/msgnet/network/handler"
	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/net/netutil"
)

var Logger = logger.GetLogger("server")

var (
	// ErrAlreadyStarted is returned by Start on a server that is already running
	ErrAlreadyStarted = errors.New("server already started")

	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("server stopped")
)

// Hooks are the connection-event callbacks of a server. They run outside the server's
// locks, so they may call back into the server.
type Hooks struct {
	// OnClientConnect decides whether an accepted socket is kept. It runs before the
	// connection gets its id. Nil accepts every client and greets it with a header-only
	// ServerAcceptAnswer.
	OnClientConnect func(c *connection.Connection) bool

	// OnClientDisconnect is called exactly once for every accepted connection when the
	// server notices that it is gone and removes it. Nil logs the disconnect.
	OnClientDisconnect func(c *connection.Connection)
}

// Server accepts TCP clients, reads their frames into one inbound queue and hands them
// to a request handler from the goroutine that calls Update.
//
// Usage:
//
//	s := server.NewServer(config, chain, server.Hooks{})
//	if err := s.Start(); err != nil {
//		return err
//	}
//	defer s.Stop()
//
//	for running {
//		s.Update(true)
//	}
type Server struct {
	config  common.ServerConfig
	handler handler.IRequestHandler
	hooks   Hooks

	exec    *executor.Pool
	inbound *connection.Inbound
	metrics *common.Metrics
	events  *queue.LockFreeMPSC[Event]

	baseWorkers int
	maxWorkers  int

	// mu guards the connection set and the id counter
	mu     sync.Mutex
	conns  []*connection.Connection
	arena  *xsync.MapOf[message.ConnID, *connection.Connection]
	nextID message.ConnID

	// lifecycle
	stateMu    sync.Mutex
	started    bool
	stopped    bool
	stopping   atomic.Bool
	listener   net.Listener
	acceptDone chan struct{}
}

// NewServer creates a server. Zero values in config fall back to the defaults of
// common.DefaultServerConfig.
func NewServer(config common.ServerConfig, h handler.IRequestHandler, hooks Hooks) *Server {
	config = normalize(config)

	s := &Server{
		config:      config,
		handler:     h,
		hooks:       hooks,
		exec:        executor.New("server"),
		inbound:     queue.NewSafeQueue[message.Message](),
		arena:       xsync.NewMapOf[message.ConnID, *connection.Connection](),
		nextID:      message.ConnID(config.FirstConnectionID),
		baseWorkers: config.Workers,
		maxWorkers:  config.MaxWorkers,
	}

	if s.hooks.OnClientConnect == nil {
		s.hooks.OnClientConnect = defaultOnClientConnect
	}
	if s.hooks.OnClientDisconnect == nil {
		s.hooks.OnClientDisconnect = defaultOnClientDisconnect
	}
	if config.Events {
		s.events = queue.NewLockFreeMPSC[Event]()
	}

	s.metrics = common.NewMetrics("server", common.Gauges{
		Connections: func() float64 { return float64(s.ConnectionCount()) },
		Backlog:     func() float64 { return float64(s.inbound.Size()) },
		Workers:     func() float64 { return float64(s.exec.Size()) },
	})

	return s
}

func normalize(c common.ServerConfig) common.ServerConfig {
	if c.Workers <= 0 {
		c.Workers = common.BaseWorkers()
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = c.Workers + 2*runtime.NumCPU()
	}
	if c.MaxWorkers < c.Workers {
		c.MaxWorkers = c.Workers
	}
	if c.ScaleHighWater <= 0 {
		c.ScaleHighWater = common.DefaultScaleHighWater
	}
	if c.ScaleLowWater < 0 || c.ScaleLowWater >= c.ScaleHighWater {
		c.ScaleLowWater = c.ScaleHighWater / 10
	}
	if c.FirstConnectionID == 0 {
		c.FirstConnectionID = common.DefaultFirstConnectionID
	}
	return c
}

func defaultOnClientConnect(c *connection.Connection) bool {
	_ = c.Send(message.New(message.ServerAcceptAnswer))
	return true
}

func defaultOnClientDisconnect(c *connection.Connection) {
	Logger.Infof("removing client [%d] %s", c.ID(), c.RemoteAddr())
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start binds the listener, starts the worker pool and begins accepting clients.
// Bind errors are returned. A server can only be started once.
func (s *Server) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	l, err := connection.Listen(s.config.Endpoint, s.config.TCP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Endpoint, err)
	}
	if s.config.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.config.MaxConnections)
	}

	if err := s.exec.Start(s.baseWorkers); err != nil {
		_ = l.Close()
		return err
	}

	s.started = true
	s.listener = l
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(l)

	Logger.Infof("server started on %s with %d workers", l.Addr(), s.baseWorkers)
	Logger.Debugf("%s", s.config.String())
	return nil
}

// Stop closes the listener, closes every connection, stops the worker pool and wakes a
// blocked Update. Disconnect hooks are not called. Safe to call in any state.
func (s *Server) Stop() {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	l, acceptDone := s.listener, s.acceptDone
	s.stateMu.Unlock()

	s.stopping.Store(true)
	if l != nil {
		_ = l.Close()
		<-acceptDone
	}

	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.arena.Clear()
	s.mu.Unlock()

	// closing the sockets first releases write pumps blocked in a write
	for _, c := range conns {
		c.Close()
	}
	s.exec.Stop()

	s.inbound.Close()
	if s.events != nil {
		s.events.Close()
	}

	Logger.Infof("server stopped")
}

// acceptLoop accepts sockets until the listener is closed
func (s *Server) acceptLoop(l net.Listener) {
	defer close(s.acceptDone)

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Warningf("accept failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.accept(conn)
	}
}

// accept runs the connect hook and registers the connection if it is approved
func (s *Server) accept(conn net.Conn) {
	c := connection.NewServerSide(conn, s.inbound, s.exec, s.connectionOptions())

	if !s.hooks.OnClientConnect(c) {
		Logger.Infof("connection from %s denied", c.RemoteAddr())
		c.Close()
		s.metrics.RecordRejected()
		s.emit(EventRejected, message.NoOrigin, c, nil)
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.conns = append(s.conns, c)
	s.arena.Store(id, c)
	s.metrics.RecordAccepted()
	s.emit(EventConnected, id, c, nil)
	// a socket that died during the hook keeps its id and reports EventClosed here
	c.ConnectAsServer(id)
	s.mu.Unlock()

	Logger.Infof("[%d] connection from %s approved", id, c.RemoteAddr())
}

func (s *Server) connectionOptions() connection.Options {
	return connection.Options{
		Timeout:       s.config.Timeout,
		IdleTimeout:   s.config.IdleTimeout,
		MaxBodyLength: s.config.MaxBodyLength,
		TCP:           s.config.TCP,
		Metrics:       s.metrics,
		OnClose: func(c *connection.Connection, err error) {
			// rejected connections never got an id and are reported as EventRejected
			if c.ID() != message.NoOrigin {
				s.emit(EventClosed, c.ID(), c, err)
			}
		},
	}
}

// --------------------------------------------------------------------------
// Messaging
// --------------------------------------------------------------------------

// MessageClient sends msg to c. A connection that is no longer connected is removed and
// its disconnect hook called instead.
func (s *Server) MessageClient(c *connection.Connection, msg message.Message) {
	if c == nil || !s.sendable(msg) {
		return
	}
	if c.IsConnected() && c.Send(msg) == nil {
		return
	}

	s.mu.Lock()
	removed := s.removeLocked(c)
	s.mu.Unlock()

	if removed {
		s.disconnected(c)
	}
}

// MessageAllClients sends msg to every live connection except the given one. Dead
// connections found during the sweep are removed after it.
func (s *Server) MessageAllClients(msg message.Message, except *connection.Connection) {
	if !s.sendable(msg) {
		return
	}
	var dead []*connection.Connection

	s.mu.Lock()
	for _, c := range s.conns {
		if c.IsConnected() {
			if c == except {
				continue
			}
			if c.Send(msg) == nil {
				continue
			}
		}
		dead = append(dead, c)
	}
	for _, c := range dead {
		s.removeLocked(c)
	}
	s.mu.Unlock()

	for _, c := range dead {
		s.disconnected(c)
	}
}

// sendable rejects oversized messages up front, so a refused Send is never taken for a
// dead connection
func (s *Server) sendable(msg message.Message) bool {
	if err := message.CheckOutbound(msg, s.config.MaxBodyLength); err != nil {
		Logger.Warningf("dropping %s: %v", msg, err)
		return false
	}
	return true
}

// removeLocked drops c from the set and reports whether it was a member.
// Must be called with mu held.
func (s *Server) removeLocked(c *connection.Connection) bool {
	i := slices.Index(s.conns, c)
	if i < 0 {
		return false
	}
	s.conns = slices.Delete(s.conns, i, i+1)
	s.arena.Delete(c.ID())
	return true
}

// disconnected runs the disconnect hook for a connection that was just removed
func (s *Server) disconnected(c *connection.Connection) {
	s.hooks.OnClientDisconnect(c)
	s.metrics.RecordDisconnected()
	s.emit(EventDisconnected, c.ID(), c, c.Err())
}

// --------------------------------------------------------------------------
// Update
// --------------------------------------------------------------------------

// Update dispatches the inbound messages present when it is called and returns how many
// were dispatched. With blocking set it first waits for at least one message; it
// returns 0 after Stop.
//
// Replies of the handler go back to the connection the message came from. Update is
// meant to be called from one goroutine.
func (s *Server) Update(blocking bool) int {
	if blocking {
		s.inbound.Wait()
	}

	s.rebalance()

	n := s.inbound.Size()
	dispatched := 0
	for ; dispatched < n; dispatched++ {
		msg, ok := s.inbound.PopFront()
		if !ok {
			break
		}
		s.dispatch(msg)
	}
	return dispatched
}

func (s *Server) dispatch(msg message.Message) {
	if !s.accepts(msg) {
		s.metrics.RecordUnhandled()
		Logger.Warningf("no handler for %s from [%d]", msg, msg.Origin)
		return
	}

	reply, ok := s.handler.Handle(msg)
	if !ok {
		Logger.Debugf("no reply for %s from [%d]", msg, msg.Origin)
		return
	}

	origin, found := s.arena.Load(msg.Origin)
	if !found {
		Logger.Debugf("[%d] is gone, dropping reply %s", msg.Origin, reply)
		return
	}
	s.MessageClient(origin, reply)
}

// accepts reports whether the request handler takes msg. Handlers that cannot tell
// are assumed to take everything.
func (s *Server) accepts(msg message.Message) bool {
	if s.handler == nil {
		return false
	}
	if m, ok := s.handler.(handler.IMatcher); ok {
		return m.Matches(msg)
	}
	return true
}

// rebalance grows the worker pool while the backlog is above the high-water mark and
// shrinks it back towards the base size once the backlog falls below the low-water mark
func (s *Server) rebalance() {
	if s.exec.Stopped() {
		return
	}

	backlog := s.inbound.Size()
	size := s.exec.Size()
	step := runtime.NumCPU()

	switch {
	case backlog > s.config.ScaleHighWater && size < s.maxWorkers:
		n := min(step, s.maxWorkers-size)
		Logger.Infof("inbound backlog %d above %d, adding %d workers", backlog, s.config.ScaleHighWater, n)
		s.exec.Grow(n)
	case backlog < s.config.ScaleLowWater && size > s.baseWorkers:
		s.exec.Shrink(min(step, size-s.baseWorkers))
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Incoming returns the inbound queue. Update is the usual way to consume it.
func (s *Server) Incoming() *connection.Inbound {
	return s.inbound
}

// Connections returns a snapshot of the connection set in accept order
func (s *Server) Connections() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conns)
}

// ConnectionCount returns the size of the connection set. It includes connections
// whose socket closed but that were not removed yet.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Lookup resolves a connection id, e.g. a message origin
func (s *Server) Lookup(id message.ConnID) (*connection.Connection, bool) {
	return s.arena.Load(id)
}

// Addr returns the listen address, nil before Start
func (s *Server) Addr() net.Addr {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WorkerCount returns the current size of the worker pool
func (s *Server) WorkerCount() int {
	return s.exec.Size()
}

// Metrics returns the metric set of this server
func (s *Server) Metrics() *common.Metrics {
	return s.metrics
}

// Config returns the effective configuration
func (s *Server) Config() common.ServerConfig {
	return s.config
}
