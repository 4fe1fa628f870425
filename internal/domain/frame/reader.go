package frame

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxHeaderBytes caps the request line plus header block.
const DefaultMaxHeaderBytes = 16 << 10

// supportedMethods is the closed set the pipeline understands. Anything
// else maps to 501 at the worker.
var supportedMethods = map[string]bool{
	"GET":  true,
	"HEAD": true,
	"POST": true,
}

// Reader parses request frames off one connection. It owns the buffered
// reader so that bytes pre-read past a frame boundary are not lost between
// ReadFrame calls.
type Reader struct {
	br             *bufio.Reader
	maxHeaderBytes int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxHeaderBytes overrides the header block cap.
func WithMaxHeaderBytes(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxHeaderBytes = n
		}
	}
}

// NewReader wraps a connection's read side.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	fr := &Reader{
		br:             bufio.NewReader(r),
		maxHeaderBytes: DefaultMaxHeaderBytes,
	}
	for _, opt := range opts {
		opt(fr)
	}
	return fr
}

// ReadFrame parses a single request. A clean close before any byte of a
// new frame arrives is reported as ErrEndOfStream; once the request line
// has started, truncation is ErrBadRequest. expectContinuation only
// affects how an immediate EOF is classified after a keep-alive response:
// in both cases the close is clean, so the flag currently just documents
// intent at call sites.
func (r *Reader) ReadFrame(expectContinuation bool) (*Frame, error) {
	budget := r.maxHeaderBytes

	line, err := r.readLine(&budget)
	if err != nil {
		if err == io.EOF {
			if line == "" {
				return nil, ErrEndOfStream
			}
			return nil, fmt.Errorf("%w: truncated request line", ErrBadRequest)
		}
		return nil, err
	}
	// Tolerate a stray CRLF left over from the previous transaction.
	if line == "" {
		line, err = r.readLine(&budget)
		if err != nil {
			if err == io.EOF {
				if line == "" {
					return nil, ErrEndOfStream
				}
				return nil, fmt.Errorf("%w: truncated request line", ErrBadRequest)
			}
			return nil, err
		}
	}

	f := &Frame{}
	if err := parseRequestLine(line, f); err != nil {
		return nil, err
	}

	for {
		line, err := r.readLine(&budget)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: truncated header block", ErrBadRequest)
			}
			return nil, err
		}
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: header line %q", ErrBadRequest, line)
		}
		name := line[:colon]
		if strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: whitespace in header name", ErrBadRequest)
		}
		f.Headers = append(f.Headers, Header{
			Name:  name,
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}

	f.KeepAlive = keepAliveDecision(f)

	if err := r.attachBody(f); err != nil {
		return nil, err
	}
	return f, nil
}

// readLine reads one CRLF- (or bare LF-) terminated line, charging its
// length against the shared header budget.
func (r *Reader) readLine(budget *int) (string, error) {
	var b strings.Builder
	for {
		chunk, err := r.br.ReadSlice('\n')
		b.Write(chunk)
		*budget -= len(chunk)
		if *budget < 0 {
			return "", ErrHeaderTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if b.Len() > 0 && err == io.EOF {
				// Partial line then close: caller decides whether
				// this is mid-frame.
				return strings.TrimRight(b.String(), "\r\n"), io.EOF
			}
			return "", err
		}
		return strings.TrimRight(b.String(), "\r\n"), nil
	}
}

// parseRequestLine fills method, target and protocol version.
func parseRequestLine(line string, f *Frame) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: request line %q", ErrBadRequest, line)
	}
	method, target, proto := parts[0], parts[1], parts[2]

	if !supportedMethods[method] {
		// Report unsupported only for something that looks like a
		// method token; binary junk is a plain parse failure.
		for i := 0; i < len(method); i++ {
			c := method[i]
			if c < 'A' || c > 'Z' {
				return fmt.Errorf("%w: request line %q", ErrBadRequest, line)
			}
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	f.Method = method

	major, minor, ok := parseProto(proto)
	if !ok {
		return fmt.Errorf("%w: protocol %q", ErrBadRequest, proto)
	}
	f.Proto, f.Major, f.Minor = proto, major, minor

	if target == "" || target[0] != '/' {
		if target == "*" {
			f.RawPath = "*"
			return nil
		}
		// Absolute-form targets carry scheme://host; strip to the path.
		if i := strings.Index(target, "://"); i >= 0 {
			rest := target[i+3:]
			if j := strings.IndexByte(rest, '/'); j >= 0 {
				target = rest[j:]
			} else {
				target = "/"
			}
		} else {
			return fmt.Errorf("%w: target %q", ErrBadRequest, target)
		}
	}
	if q := strings.IndexByte(target, '?'); q >= 0 {
		f.RawPath, f.RawQuery = target[:q], target[q+1:]
	} else {
		f.RawPath = target
	}
	return nil
}

func parseProto(proto string) (major, minor int, ok bool) {
	if !strings.HasPrefix(proto, "HTTP/") {
		return 0, 0, false
	}
	rest := proto[len("HTTP/"):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(rest[dot+1:])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// keepAliveDecision applies the Connection-header rule: an explicit
// "close" forces disconnect, an explicit "keep-alive" forces persistence,
// absence falls back to the protocol default (persistent for HTTP/1.1+).
func keepAliveDecision(f *Frame) bool {
	if v, ok := f.Header("Connection"); ok {
		for _, tok := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "close":
				return false
			case "keep-alive":
				return true
			}
		}
	}
	return f.Major > 1 || (f.Major == 1 && f.Minor >= 1)
}

// attachBody interprets Content-Length and wires up the lazy body stream.
// GET and HEAD must not declare bodies; the stream is never read here.
func (r *Reader) attachBody(f *Frame) error {
	v, ok := f.Header("Content-Length")
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: content-length %q", ErrBadRequest, v)
	}
	if n == 0 {
		return nil
	}
	if f.Method == "GET" || f.Method == "HEAD" {
		return fmt.Errorf("%w: %s with content-length %d", ErrBodyNotAllowed, f.Method, n)
	}
	f.ContentLength = n
	f.body = io.LimitReader(r.br, n)
	return nil
}
