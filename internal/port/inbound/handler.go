// Package inbound defines the inbound port of the request core: the
// contract between the dispatcher and the handler chain that produces
// page content. Handlers are external collaborators; the core only
// depends on this interface.
package inbound

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hearthd/hearth/internal/domain/frame"
	"github.com/hearthd/hearth/internal/domain/session"
)

// ErrNotClaimed signals that a handler does not serve this request and
// the dispatcher should try the next chain stage. The last stage's
// ErrNotClaimed becomes a 404 (or the frame's carried-over default).
var ErrNotClaimed = errors.New("request not claimed by handler")

// Request is the normalized request descriptor handed to handlers.
type Request struct {
	// ID is the per-request identifier used in logs.
	ID string

	Method string
	// Path is the decoded path split into segments; "/" is the empty
	// slice.
	Path []string
	// RawPath is the undecoded path as it appeared on the wire.
	RawPath string

	// Params are the GET parameters destined for the resolved target,
	// in wire order; keys may repeat.
	Params []frame.Param
	// OtherParams are GET parameters addressed to a different
	// registered target, preserved but segregated for
	// action/redirect-to-self patterns.
	OtherParams []frame.Param

	// PostParams mirror Params for the request body.
	PostParams []frame.Param
	// OtherPostParams mirror OtherParams for the request body.
	OtherPostParams []frame.Param

	// Files are decoded file uploads: field name to temporary file
	// location. The files are removed once the response is sent.
	Files []frame.Param

	// StateMarker is the internal-state marker disambiguating which
	// registered alternative handles the request; nil when absent.
	StateMarker *int

	// Action is the pending action directive, nil when absent.
	Action *Action

	// Secure reports whether the request arrived over TLS.
	Secure bool
	// Host is the request's Host header.
	Host string

	// IfModifiedSince carries the conditional-request timestamp, zero
	// when absent.
	IfModifiedSince time.Time

	// FallbackStatus is the status to use when no handler claims the
	// request. Defaults to 404; a previous extension stage may have
	// carried over another code.
	FallbackStatus int

	// Sessions is the per-request session view.
	Sessions *session.View
}

// Action is a reserved request directive naming a side effect to run
// before the normally-dispatched page is (optionally) reloaded.
type Action struct {
	Name string
	// Reload requests re-dispatch of the page after the action; when
	// false the response is a bare 204.
	Reload bool
}

// Result is a successful handler outcome.
type Result struct {
	// Status defaults to 200 when zero.
	Status int
	// Headers are extra response headers (Content-Type etc.).
	Headers map[string]string
	// Body produces the response body; nil means an empty body. The
	// producer writes exactly once and may stream.
	Body func(w io.Writer) error
	// LastModified enables 304 handling when nonzero.
	LastModified time.Time
}

// Handler is one stage of the handler chain. Stages are attempted in
// order until one returns a Result or a terminal error; ErrNotClaimed
// falls through to the next stage.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// Redirect is a structured failure instructing the worker to answer with
// a redirect instead of content.
type Redirect struct {
	// Status is 301 for directory redirects or 303 for the
	// forbidden-as-redirect variant.
	Status   int
	Location string
}

// Error implements the error interface.
func (r *Redirect) Error() string {
	return "redirect to " + r.Location
}

// ErrForbidden is a structured failure mapped to 403.
var ErrForbidden = errors.New("access denied")
