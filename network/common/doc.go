// Package common provides the configuration, logging and metrics plumbing shared by the
// connection, server and client packages.
//
// The package focuses on:
//   - Configuration structures for servers and clients, including TCP socket options
//   - Custom logging implementation integrated with dragonboat's logger facade
//   - Per-instance transport metrics exposed in Prometheus format
//
// Key Components:
//
//   - ServerConfig: listen endpoint, deadlines, frame size limit, worker pool sizing and
//     scaling thresholds, connection limits and the first connection id.
//
//   - ClientConfig: deadlines, dial timeout and frame size limit for a client.
//
//   - TCPConf: socket options (no delay, keep-alive, linger, buffer sizes) applied to
//     every accepted or dialed connection.
//
//   - Logger: InitLoggers installs a formatter factory into dragonboat's logger package
//     and sets the level of every package logger of this module.
//
//   - Metrics: counters for frames and bytes in both directions, transport errors and
//     connection lifecycle, plus gauges for live connections, backlog and workers.
package common
