// Package server exposes the vault gateway over HTTP and over MCP stdio.
package server

// Transport is a front end for the vault gateway.
type Transport interface {
	// Initialize wires routes or tools against the gateway.
	Initialize() error

	// Start serves requests and blocks until the transport stops.
	Start() error

	// Stop shuts the transport down, letting in-flight requests finish.
	Stop() error
}

var (
	_ Transport = (*HTTPServer)(nil)
	_ Transport = (*MCPContextToolServer)(nil)
)
