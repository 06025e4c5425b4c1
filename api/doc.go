// Package api is the thin HTTP/WebSocket translation layer over the
// session orchestrator and the stores. Owners are always derived from the
// authenticated caller, never from request bodies.
package api
