// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// RequestIDKey is the context key type for the per-request identifier.
// The dispatcher stores it before the handler chain runs so handlers and
// actions can correlate their own logging with the request log line.
type RequestIDKey struct{}

// LoggerKey is the context key type for the enriched logger carrying
// request-scoped fields.
type LoggerKey struct{}
