package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/msgnet/lib/executor"
	"github.com/ValentinKolb/msgnet/lib/queue"
	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/someonegg/gox/syncx"
)

var Logger = logger.GetLogger("connection")

var (
	// ErrNotConnected is returned by Send when the socket is not open
	ErrNotConnected = errors.New("connection is not connected")

	// ErrNoEndpoints is returned by ConnectAsClient without endpoints to dial
	ErrNoEndpoints = errors.New("no endpoints provided")

	// ErrWrongOwner is returned when a client-only operation is called on a server-side
	// connection
	ErrWrongOwner = errors.New("operation not supported for this side")

	// ErrAlreadyConnecting is returned by ConnectAsClient on a connection that left Idle
	ErrAlreadyConnecting = errors.New("connection already connecting or connected")

	errExecutorStopped = errors.New("executor stopped")
)

// Inbound is the queue a connection delivers received messages to. It is owned by the
// server or client and shared by all of its connections.
type Inbound = queue.SafeQueue[message.Message]

// Options configures a connection
type Options struct {
	// Timeout bounds every frame write and the body phase of every read, 0 disables it
	Timeout time.Duration
	// IdleTimeout bounds the wait for the next frame header, 0 waits forever.
	// There is no heartbeat: an idle peer is only detected when this fires.
	IdleTimeout time.Duration
	// DialTimeout bounds every dial attempt of ConnectAsClient
	DialTimeout time.Duration
	// MaxBodyLength rejects received frames announcing a larger body and larger bodies
	// passed to Send, 0 disables the limit
	MaxBodyLength uint32
	// TCP holds the socket options applied after dialing
	TCP common.TCPConf
	// Metrics receives the frame counters, may be nil
	Metrics *common.Metrics
	// OnClose is called exactly once when the socket is closed. err is nil for a
	// requested disconnect and the transport error otherwise. A server-side connection
	// reports its close only after ConnectAsServer gave it an id, so a socket that dies
	// before that is reported from ConnectAsServer. Never-connected ones are not reported.
	OnClose func(c *Connection, err error)
}

// Connection is one end of a framed TCP link.
//
// Received frames are pushed to the shared inbound queue, tagged with the connection id
// on the server side. Frames passed to Send are written in order by a write pump that
// runs on the executor while there is something to write.
type Connection struct {
	owner Owner
	opts  Options
	exec  *executor.Pool

	inbound  *Inbound
	outbound *queue.SafeQueue[message.Message]

	// socket is written before open is set and never replaced afterwards
	socket net.Conn
	open   atomic.Bool
	remote string

	id          atomic.Uint32
	readStarted atomic.Bool

	// idMu orders id assignment against the close notification
	idMu          sync.Mutex
	closeDeferred bool

	// sendMu makes check-empty + push + start-pump in Send and pop + check-empty in the
	// write pump one critical section
	sendMu sync.Mutex

	readState  atomic.Int32
	writeState atomic.Int32

	disconnecting atomic.Bool
	closeOnce     sync.Once
	done          syncx.DoneChan
	err           error
}

// NewServerSide wraps an accepted socket. The connection is open but reads nothing until
// ConnectAsServer is called.
func NewServerSide(conn net.Conn, inbound *Inbound, exec *executor.Pool, opts Options) *Connection {
	c := newConnection(OwnerServer, inbound, exec, opts)
	if conn != nil {
		c.socket = conn
		c.remote = conn.RemoteAddr().String()
		c.open.Store(true)
	}
	return c
}

// NewClientSide creates an idle client connection, see ConnectAsClient
func NewClientSide(inbound *Inbound, exec *executor.Pool, opts Options) *Connection {
	return newConnection(OwnerClient, inbound, exec, opts)
}

func newConnection(owner Owner, inbound *Inbound, exec *executor.Pool, opts Options) *Connection {
	c := &Connection{
		owner:    owner,
		opts:     opts,
		exec:     exec,
		inbound:  inbound,
		outbound: queue.NewSafeQueue[message.Message](),
		done:     syncx.NewDoneChan(),
	}
	c.readState.Store(int32(Idle))
	c.writeState.Store(int32(WriteIdle))
	return c
}

// --------------------------------------------------------------------------
// Connecting
// --------------------------------------------------------------------------

// ConnectAsServer assigns the id and starts reading. The id is kept even when the socket
// closed in the meantime; the deferred OnClose then runs here. It does nothing on a
// client-side connection or when an id was assigned before.
func (c *Connection) ConnectAsServer(id message.ConnID) {
	if c.owner != OwnerServer || id == message.NoOrigin {
		return
	}

	c.idMu.Lock()
	if c.id.Load() != uint32(message.NoOrigin) {
		c.idMu.Unlock()
		return
	}
	c.id.Store(uint32(id))
	deferred := c.closeDeferred
	c.idMu.Unlock()

	if deferred {
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, c.err)
		}
		return
	}

	if !c.open.Load() || !c.readStarted.CompareAndSwap(false, true) {
		return
	}
	c.startReading()
}

// ConnectAsClient dials the endpoints in order and keeps the first that answers. On
// success the read pump is started. On failure the connection stays Idle and the last
// dial error is returned. There is no retry.
func (c *Connection) ConnectAsClient(ctx context.Context, endpoints []string) error {
	if c.owner != OwnerClient {
		return ErrWrongOwner
	}
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	if !c.readState.CompareAndSwap(int32(Idle), int32(Connecting)) {
		return ErrAlreadyConnecting
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}

	var lastErr error
	for _, endpoint := range endpoints {
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			Logger.Debugf("dial %s failed: %v", endpoint, err)
			lastErr = err
			continue
		}

		if err := UpgradeConnection(conn, c.opts.TCP); err != nil {
			_ = conn.Close()
			lastErr = fmt.Errorf("failed to upgrade connection to %s: %w", endpoint, err)
			continue
		}

		c.socket = conn
		c.remote = conn.RemoteAddr().String()
		c.open.Store(true)
		c.readStarted.Store(true)
		c.startReading()

		Logger.Debugf("connected to %s", c.remote)
		return nil
	}

	c.readState.Store(int32(Idle))
	return lastErr
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Send queues msg for writing. BodyLength is recomputed from the body. Frames are
// written in the order Send is called. Bodies above MaxBodyLength are refused with
// message.ErrBodyTooLarge and the connection stays open.
func (c *Connection) Send(msg message.Message) error {
	if err := message.CheckOutbound(msg, c.opts.MaxBodyLength); err != nil {
		return err
	}
	msg.Sync()
	msg.Origin = message.NoOrigin

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.open.Load() {
		return ErrNotConnected
	}

	start := c.outbound.Empty()
	c.outbound.PushBack(msg)
	if !start {
		// the running write pump picks it up
		return nil
	}

	c.writeState.Store(int32(WritingHeader))
	if !c.exec.Post(c.writeLoop) {
		c.outbound.Clear()
		c.writeState.Store(int32(WriteIdle))
		return errExecutorStopped
	}
	return nil
}

// Disconnect asks the executor to close the socket. It returns immediately, watch Done
// to know when the socket is closed. Calling it more than once has no effect.
func (c *Connection) Disconnect() {
	if !c.open.Load() || !c.disconnecting.CompareAndSwap(false, true) {
		return
	}
	if !c.exec.Post(func() { c.close(nil) }) {
		c.close(nil)
	}
}

// Close closes the socket on the calling goroutine. It is used on shutdown, when the
// executor may no longer run posted work.
func (c *Connection) Close() {
	if !c.open.Load() {
		return
	}
	c.disconnecting.Store(true)
	c.close(nil)
}

// IsConnected reports whether the socket is open
func (c *Connection) IsConnected() bool {
	return c.open.Load()
}

// Done is closed once the socket is closed
func (c *Connection) Done() syncx.DoneChanR {
	return c.done.R()
}

// Err returns the error that closed the socket. It is nil while the connection is open
// and after a requested disconnect.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ID returns the id assigned by ConnectAsServer, NoOrigin otherwise
func (c *Connection) ID() message.ConnID {
	return message.ConnID(c.id.Load())
}

// Owner returns the side this connection belongs to
func (c *Connection) Owner() Owner {
	return c.owner
}

// RemoteAddr returns the peer address, empty before connecting
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// ReadState returns the state of the read pump
func (c *Connection) ReadState() State {
	return State(c.readState.Load())
}

// WriteState returns the state of the write pump
func (c *Connection) WriteState() State {
	return State(c.writeState.Load())
}

// Pending returns the number of frames waiting to be written
func (c *Connection) Pending() int {
	return c.outbound.Size()
}

func (c *Connection) String() string {
	if c.owner == OwnerServer {
		return fmt.Sprintf("[%d] %s", c.ID(), c.remote)
	}
	return c.remote
}

// --------------------------------------------------------------------------
// Read pump
// --------------------------------------------------------------------------

// startReading runs the read pump on its own goroutine. The goroutine is parked in the
// runtime netpoller while waiting for data, so it does not hold an executor worker.
func (c *Connection) startReading() {
	c.readState.Store(int32(ReadingHeader))
	go c.readLoop()
}

func (c *Connection) readLoop() {
	for {
		msg, err := c.readFrame()
		if err != nil {
			c.close(err)
			return
		}

		if c.owner == OwnerServer {
			msg.Origin = c.ID()
		}
		c.opts.Metrics.RecordReceived(msg.Size())
		c.inbound.PushBack(msg)
	}
}

// readFrame reads one header and, if the header announces one, the body
func (c *Connection) readFrame() (message.Message, error) {
	c.readState.Store(int32(ReadingHeader))
	if err := c.socket.SetReadDeadline(deadline(c.opts.IdleTimeout)); err != nil {
		return message.Message{}, err
	}

	h, err := message.ReadHeader(c.socket)
	if err != nil {
		return message.Message{}, err
	}
	if err := message.CheckBodyLength(h, c.opts.MaxBodyLength); err != nil {
		return message.Message{}, err
	}

	if h.BodyLength == 0 {
		return message.Message{Header: h}, nil
	}

	c.readState.Store(int32(ReadingBody))
	if err := c.socket.SetReadDeadline(deadline(c.opts.Timeout)); err != nil {
		return message.Message{}, err
	}
	return message.ReadBody(c.socket, h)
}

// --------------------------------------------------------------------------
// Write pump
// --------------------------------------------------------------------------

// writeLoop writes the outbound queue front to back and returns once it is empty.
// It is posted to the executor by the Send call that found the queue empty.
func (c *Connection) writeLoop() {
	for {
		msg, ok := c.outbound.Front()
		if !ok {
			// queue was discarded by close
			c.writeState.Store(int32(WriteIdle))
			return
		}

		if err := c.writeFrame(msg); err != nil {
			c.close(err)
			c.writeState.Store(int32(WriteIdle))
			return
		}
		c.opts.Metrics.RecordSent(msg.Size())

		c.sendMu.Lock()
		c.outbound.PopFront()
		empty := c.outbound.Empty()
		if empty {
			c.writeState.Store(int32(WriteIdle))
		}
		c.sendMu.Unlock()

		if empty {
			return
		}
	}
}

func (c *Connection) writeFrame(msg message.Message) error {
	if err := c.socket.SetWriteDeadline(deadline(c.opts.Timeout)); err != nil {
		return err
	}

	c.writeState.Store(int32(WritingHeader))
	if err := message.WriteHeader(c.socket, msg.Header); err != nil {
		return err
	}
	if len(msg.Body) == 0 {
		return nil
	}

	c.writeState.Store(int32(WritingBody))
	_, err := c.socket.Write(msg.Body)
	return err
}

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

// close shuts the socket down once. Pending outbound frames are discarded.
func (c *Connection) close(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)

		if c.disconnecting.Load() {
			// errors of the pumps after a requested close are expected
			cause = nil
		}
		c.err = cause

		if c.socket != nil {
			_ = c.socket.Close()
		}
		c.readState.Store(int32(Closed))

		c.sendMu.Lock()
		dropped := c.outbound.Size()
		c.outbound.Clear()
		c.writeState.Store(int32(WriteIdle))
		c.sendMu.Unlock()

		switch {
		case cause == nil:
			Logger.Debugf("%s %s: closed", c.owner, c)
		case errors.Is(cause, io.EOF):
			Logger.Debugf("%s %s: closed by peer", c.owner, c)
		default:
			c.opts.Metrics.RecordTransportError()
			Logger.Warningf("%s %s: closed after error: %v", c.owner, c, cause)
		}
		if dropped > 0 {
			Logger.Debugf("%s %s: discarded %d pending frames", c.owner, c, dropped)
		}

		c.done.SetDone()

		if c.owner == OwnerServer {
			c.idMu.Lock()
			c.closeDeferred = c.id.Load() == uint32(message.NoOrigin)
			deferred := c.closeDeferred
			c.idMu.Unlock()
			if deferred {
				return
			}
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, cause)
		}
	})
}

// deadline converts a timeout into a deadline, the zero time disables it
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
