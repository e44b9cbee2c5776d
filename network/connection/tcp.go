package connection

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/msgnet/network/common"
)

// Listen creates a TCP listener whose accepted connections already carry the socket
// options of conf. Upgrading in Accept keeps the options working when the listener is
// wrapped later, e.g. by netutil.LimitListener.
func Listen(endpoint string, conf common.TCPConf) (net.Listener, error) {
	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %w", err)
	}
	return &upgradeListener{Listener: l, conf: conf}, nil
}

type upgradeListener struct {
	net.Listener
	conf common.TCPConf
}

func (l *upgradeListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := UpgradeConnection(conn, l.conf); err != nil {
		Logger.Warningf("failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
	}
	return conn, nil
}

// UpgradeConnection applies the socket options of conf to a TCP connection.
// Other connection types are left untouched.
func UpgradeConnection(conn net.Conn, conf common.TCPConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(conf.NoDelay); err != nil {
		return err
	}

	if conf.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(conf.WriteBufferSize); err != nil {
			return err
		}
	}

	if conf.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(conf.ReadBufferSize); err != nil {
			return err
		}
	}

	if conf.KeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(conf.KeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if conf.LingerSec > 0 {
		if err := tcpConn.SetLinger(conf.LingerSec); err != nil {
			return err
		}
	}

	return nil
}
