package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/msgnet/lib/executor"
	"github.com/ValentinKolb/msgnet/lib/queue"
	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/ValentinKolb/msgnet/network/connection"
	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/someonegg/gox/syncx"
)

var Logger = logger.GetLogger("client")

var (
	// ErrNotConnected is returned by Send and WaitFor without a live connection
	ErrNotConnected = connection.ErrNotConnected

	// ErrAlreadyConnected is returned by Connect while a connection is live
	ErrAlreadyConnected = errors.New("client already connected")
)

const (
	pollInterval      = 5 * time.Millisecond
	disconnectTimeout = time.Second
)

// Client holds one connection to a server. Received messages are collected in the
// Incoming queue, which survives Disconnect and is shared by later connections.
//
// Usage:
//
//	c := client.NewClient(common.DefaultClientConfig())
//	if err := c.Connect("localhost", 60000); err != nil {
//		return err
//	}
//	defer c.Disconnect()
//
//	accept, err := c.WaitFor(ctx, message.ServerAcceptAnswer)
type Client struct {
	config  common.ClientConfig
	inbound *connection.Inbound
	metrics *common.Metrics

	mu   sync.Mutex
	exec *executor.Pool
	conn *connection.Connection
}

// NewClient creates a client without connecting it
func NewClient(config common.ClientConfig) *Client {
	c := &Client{
		config:  config,
		inbound: queue.NewSafeQueue[message.Message](),
	}
	c.metrics = common.NewMetrics("client", common.Gauges{
		Backlog: func() float64 { return float64(c.inbound.Size()) },
	})
	return c
}

// Connect resolves host, dials every resolved address in order until one answers and
// starts a one-worker executor for the connection. All errors are returned.
func (c *Client) Connect(host string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return ErrAlreadyConnected
	}
	c.releaseLocked()

	ctx := context.Background()
	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	endpoints := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		endpoints = append(endpoints, net.JoinHostPort(addr, strconv.Itoa(int(port))))
	}

	exec := executor.New("client")
	conn := connection.NewClientSide(c.inbound, exec, connection.Options{
		Timeout:       c.config.Timeout,
		IdleTimeout:   c.config.IdleTimeout,
		DialTimeout:   c.config.DialTimeout,
		MaxBodyLength: c.config.MaxBodyLength,
		TCP:           c.config.TCP,
		Metrics:       c.metrics,
	})

	if err := conn.ConnectAsClient(ctx, endpoints); err != nil {
		exec.Stop()
		return fmt.Errorf("failed to connect to %s: %w", net.JoinHostPort(host, strconv.Itoa(int(port))), err)
	}

	// the read pump is already running; the executor is only needed for writes
	if err := exec.Start(1); err != nil {
		conn.Close()
		exec.Stop()
		return err
	}

	c.exec, c.conn = exec, conn
	Logger.Infof("connected to %s", conn.RemoteAddr())
	return nil
}

// Disconnect closes the connection and stops the executor. Safe to call when the client
// never connected and safe to call twice.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// releaseLocked tears down the current connection. Must be called with mu held.
func (c *Client) releaseLocked() {
	conn, exec := c.conn, c.exec
	c.conn, c.exec = nil, nil

	if conn != nil {
		wasConnected := conn.IsConnected()
		conn.Disconnect()
		select {
		case <-conn.Done():
		case <-time.After(disconnectTimeout):
			conn.Close()
		}
		if wasConnected {
			Logger.Infof("disconnected from %s", conn.RemoteAddr())
		}
	}
	if exec != nil {
		exec.Stop()
	}
}

// IsConnected reports whether the socket to the server is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Send queues msg for the server
func (c *Client) Send(msg message.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// Incoming returns the queue of received messages
func (c *Client) Incoming() *connection.Inbound {
	return c.inbound
}

// Done is closed when the current connection closes. Without a connection it is
// already closed.
func (c *Client) Done() syncx.DoneChanR {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		d := syncx.NewDoneChan()
		d.SetDone()
		return d.R()
	}
	return conn.Done()
}

// Err returns the transport error that closed the current connection, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Err()
}

// Metrics returns the metric set of this client
func (c *Client) Metrics() *common.Metrics {
	return c.metrics
}

// WaitFor removes and returns the first received message of type t. Messages of other
// types stay in the queue in their order. It fails when ctx ends or when the connection
// closes without such a message.
func (c *Client) WaitFor(ctx context.Context, t message.MessageType) (message.Message, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if msg, ok := c.take(t); ok {
			return msg, nil
		}

		if !c.IsConnected() {
			// a message may have arrived right before the close
			if msg, ok := c.take(t); ok {
				return msg, nil
			}
			if err := c.Err(); err != nil {
				return message.Message{}, fmt.Errorf("waiting for %s: %w", t, err)
			}
			return message.Message{}, ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return message.Message{}, fmt.Errorf("waiting for %s: %w", t, ctx.Err())
		case <-ticker.C:
		}
	}
}

// take scans the queue once for a message of type t
func (c *Client) take(t message.MessageType) (message.Message, bool) {
	var skipped []message.Message
	defer func() {
		// put the other messages back in front, keeping their order
		for i := len(skipped) - 1; i >= 0; i-- {
			c.inbound.PushFront(skipped[i])
		}
	}()

	for n := c.inbound.Size(); n > 0; n-- {
		msg, ok := c.inbound.PopFront()
		if !ok {
			break
		}
		if msg.Header.Type == t {
			return msg, true
		}
		skipped = append(skipped, msg)
	}
	return message.Message{}, false
}
