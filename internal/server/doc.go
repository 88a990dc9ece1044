// Package server provides HTTP server setup and initialization.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (request id, metrics, CORS, rate limiting, recovery)
//   - Providers (store, audit, project sandbox, destination)
//   - Session manager and the subprocess/dispatcher factories
//
// Server Lifecycle:
//  1. Load configuration from file/environment
//  2. Initialize logger (production or development)
//  3. Build providers and the session manager
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. Graceful shutdown on signal, terminating live sessions
package server
