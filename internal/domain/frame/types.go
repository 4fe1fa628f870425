// Package frame parses an HTTP/1.x byte stream into discrete request
// frames. One frame is one physical HTTP transaction; the same Reader is
// invoked repeatedly on a connection to serve keep-alive.
package frame

import (
	"errors"
	"io"
	"strings"
)

// Parse and content failures surfaced to the connection worker. The worker
// matches these to response status codes; none of them unwind past it.
var (
	// ErrEndOfStream reports that the client closed the connection
	// cleanly between requests. Not an error condition.
	ErrEndOfStream = errors.New("end of request stream")

	// ErrBadRequest reports a malformed or truncated frame. The
	// connection cannot be re-synchronized and must be closed after the
	// error response.
	ErrBadRequest = errors.New("malformed request")

	// ErrHeaderTooLarge reports a header block exceeding the configured
	// cap.
	ErrHeaderTooLarge = errors.New("header block too large")

	// ErrUnsupportedMethod reports a method outside the supported set.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrBodyNotAllowed reports a GET or HEAD request declaring a
	// nonzero Content-Length. The body is never read.
	ErrBodyNotAllowed = errors.New("request body not allowed for method")

	// ErrUnsupportedMedia reports a request body whose Content-Type is
	// neither urlencoded nor multipart. The frame itself is well formed,
	// so the connection may stay alive.
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// Header is a single header line. The Frame keeps headers in wire order;
// name matching is case-insensitive with first-occurrence-wins semantics
// for singleton headers.
type Header struct {
	Name  string
	Value string
}

// Frame is one parsed request: the request line, the ordered header block
// and, when declared, a lazy single-pass body stream. Immutable once
// parsed, except for body consumption.
type Frame struct {
	Method   string
	RawPath  string // path component, still percent-encoded
	RawQuery string // query string without the '?'
	Proto    string // e.g. "HTTP/1.1"
	Major    int
	Minor    int
	Headers  []Header

	// KeepAlive is the persistence decision derived from the Connection
	// header and protocol version. The worker may still force a close
	// after parse-level errors.
	KeepAlive bool

	// ContentLength is the declared body length; 0 means no body.
	ContentLength int64

	body io.Reader
}

// Header returns the first value for name, case-insensitively.
func (f *Frame) Header(name string) (string, bool) {
	for _, h := range f.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Body returns the request body stream, or nil when no body was declared.
// The stream is finite, single-pass and not restartable; it must be
// consumed (or discarded) exactly once before the next ReadFrame call.
func (f *Frame) Body() io.Reader {
	return f.body
}

// Discard drains any unconsumed body bytes so the connection is positioned
// at the start of the next frame.
func (f *Frame) Discard() error {
	if f.body == nil {
		return nil
	}
	_, err := io.Copy(io.Discard, f.body)
	return err
}
