// Package cmd implements the command-line interface of msgnet. It provides a
// hierarchical command structure for running the server and talking to it as a
// client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts the message server with the account handlers
//   - client: Client commands (register, login, store, listen, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See msgnet -help for a list of all commands.
package cmd
