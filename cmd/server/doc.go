// Package main is the entry point for the ClaudeWire supervisor.
//
// ClaudeWire supervises one interactive CLI subprocess per user behind a
// pseudo-terminal, cleans and coalesces its output, and delivers it to a
// messaging destination as bounded units.
//
// The server provides:
//   - REST API for session lifecycle (create, status, input, control, stop)
//   - WebSocket streaming of session notifications
//   - Prometheus metrics
//   - Rate limiting and request identification
//
// Configuration:
//   - Defaults for development
//   - Optional YAML config file (-config)
//   - Environment variables override everything
//
// Usage:
//
//	./server
//	./server -config /etc/claudewire/config.yaml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, terminating every live session
package main
