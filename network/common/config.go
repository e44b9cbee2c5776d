package common

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Defaults shared by the server, the client and the CLI flags
const (
	DefaultEndpoint          = "0.0.0.0:60000"
	DefaultTimeout           = 5 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultMaxBodyLength     = 16 << 20 // 16 MiB
	DefaultFirstConnectionID = 10000
	DefaultScaleHighWater    = 200
	DefaultScaleLowWater     = 20
	DefaultLogLevel          = "info"
)

// --------------------------------------------------------------------------
// TCP socket options
// --------------------------------------------------------------------------

// TCPConf holds the socket options applied to every accepted or dialed TCP connection
type TCPConf struct {
	// NoDelay disables Nagle's algorithm
	NoDelay bool
	// KeepAliveSec enables TCP keep-alive with the given period, 0 disables it
	KeepAliveSec int
	// LingerSec sets SO_LINGER, 0 keeps the OS default
	LingerSec int
	// ReadBufferSize and WriteBufferSize set the socket buffers, 0 keeps the OS default
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultTCPConf returns the options used when nothing else is configured
func DefaultTCPConf() TCPConf {
	return TCPConf{
		NoDelay:      true,
		KeepAliveSec: 30,
	}
}

func (c *TCPConf) addFields(addField func(name, value string)) {
	addField("TCP No Delay", fmt.Sprintf("%t", c.NoDelay))
	addField("TCP Keep Alive", formatSeconds(c.KeepAliveSec))
	addField("TCP Linger", formatLinger(c.LingerSec))
	addField("Read Buffer", formatBytes(c.ReadBufferSize))
	addField("Write Buffer", formatBytes(c.WriteBufferSize))
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a message server
type ServerConfig struct {
	// Endpoint is the listen address (host:port), port 0 picks a free port
	Endpoint string

	// Timeout is the write deadline per frame, IdleTimeout the read deadline between
	// frames. 0 disables the deadline.
	Timeout     time.Duration
	IdleTimeout time.Duration

	// MaxBodyLength rejects frames announcing a larger body, 0 disables the limit
	MaxBodyLength uint32

	// Workers is the base size of the worker pool, 0 means max(NumCPU-1, 1).
	// The pool grows up to MaxWorkers while the inbound backlog stays above
	// ScaleHighWater and shrinks back once it drops below ScaleLowWater.
	Workers        int
	MaxWorkers     int
	ScaleHighWater int
	ScaleLowWater  int

	// MaxConnections limits concurrently accepted sockets, 0 means unlimited
	MaxConnections int

	// FirstConnectionID is the id given to the first accepted client
	FirstConnectionID uint32

	// Events enables the lifecycle event stream (Server.Events)
	Events bool

	TCP TCPConf

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns a configuration listening on DefaultEndpoint
func DefaultServerConfig() ServerConfig {
	workers := BaseWorkers()
	return ServerConfig{
		Endpoint:          DefaultEndpoint,
		Timeout:           DefaultTimeout,
		MaxBodyLength:     DefaultMaxBodyLength,
		Workers:           workers,
		MaxWorkers:        workers + 2*runtime.NumCPU(),
		ScaleHighWater:    DefaultScaleHighWater,
		ScaleLowWater:     DefaultScaleLowWater,
		FirstConnectionID: DefaultFirstConnectionID,
		TCP:               DefaultTCPConf(),
		LogLevel:          DefaultLogLevel,
	}
}

// BaseWorkers returns the default worker count: one worker per CPU, leaving one
// CPU to the application thread, but never less than one
func BaseWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Message Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", formatDuration(c.Timeout))
	addField("Idle Timeout", formatDuration(c.IdleTimeout))
	addField("Max Body Length", formatBytes(int(c.MaxBodyLength)))
	addField("Max Connections", formatLimit(c.MaxConnections))
	addField("First Connection ID", fmt.Sprintf("%d", c.FirstConnectionID))
	addField("Lifecycle Events", fmt.Sprintf("%t", c.Events))

	addSection("Worker Pool")
	addField("Base Workers", fmt.Sprintf("%d", c.Workers))
	addField("Max Workers", fmt.Sprintf("%d", c.MaxWorkers))
	addField("Scale High Water", fmt.Sprintf("%d messages", c.ScaleHighWater))
	addField("Scale Low Water", fmt.Sprintf("%d messages", c.ScaleLowWater))

	addSection("Socket")
	c.TCP.addFields(addField)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the configuration of a message client
type ClientConfig struct {
	Timeout       time.Duration
	IdleTimeout   time.Duration
	DialTimeout   time.Duration
	MaxBodyLength uint32
	TCP           TCPConf
	LogLevel      string
}

// DefaultClientConfig returns the configuration used by NewClient callers that do not care
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:       DefaultTimeout,
		DialTimeout:   DefaultDialTimeout,
		MaxBodyLength: DefaultMaxBodyLength,
		TCP:           DefaultTCPConf(),
		LogLevel:      DefaultLogLevel,
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", formatDuration(c.Timeout))
	addField("Idle Timeout", formatDuration(c.IdleTimeout))
	addField("Dial Timeout", formatDuration(c.DialTimeout))
	addField("Max Body Length", formatBytes(int(c.MaxBodyLength)))

	addSection("Socket")
	c.TCP.addFields(addField)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "disabled"
	}
	return d.String()
}

func formatSeconds(s int) string {
	if s <= 0 {
		return "disabled"
	}
	return fmt.Sprintf("%d sec", s)
}

func formatLinger(s int) string {
	if s <= 0 {
		return "os default"
	}
	return fmt.Sprintf("%d sec", s)
}

func formatBytes(n int) string {
	switch {
	case n <= 0:
		return "default"
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatLimit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
