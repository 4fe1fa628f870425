// Package multipart decodes multipart/form-data request bodies as a
// stream: simple fields accumulate in memory, file fields are spilled to a
// caller-supplied sink so a large upload never has to fit in memory.
package multipart

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"runtime"
	"strings"
)

var (
	// ErrUploadForbidden reports a file part arriving while uploads are
	// administratively disabled. Raised before any byte reaches disk.
	ErrUploadForbidden = errors.New("file uploads are forbidden")

	// ErrMalformed reports a body that does not follow the multipart
	// framing (truncation, missing delimiters, bad part headers).
	ErrMalformed = errors.New("malformed multipart body")

	// ErrFieldTooLarge reports an in-memory field exceeding the cap.
	ErrFieldTooLarge = errors.New("multipart field too large")
)

// DefaultMaxMemoryField caps a single non-file field value.
const DefaultMaxMemoryField = 1 << 20

// copyChunk is the unit of streaming for file parts. The decoder yields
// the scheduler between chunks so one huge upload cannot monopolize the
// worker.
const copyChunk = 32 << 10

// Field is one decoded form entry. For file parts Value is the location
// of the temporary file holding the bytes, and the caller owns copying it
// somewhere durable before the request ends.
type Field struct {
	Name     string
	Value    string
	IsFile   bool
	Filename string // declared client-side filename, file parts only
}

// FileWriter receives the streamed bytes of one file part.
type FileWriter interface {
	io.Writer
	// Close flushes and closes the destination.
	Close() error
	// Path is the location recorded as the field value.
	Path() string
}

// FieldSink decides where file parts go. CreateFile is called once per
// file part, before any of its bytes are consumed.
type FieldSink interface {
	CreateFile(declaredFilename string) (FileWriter, error)
}

// Decoder splits one body stream into fields.
type Decoder struct {
	br        *bufio.Reader
	delim     []byte // "\r\n--" + boundary
	sink      FieldSink
	maxMemory int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxMemoryField overrides the in-memory field cap.
func WithMaxMemoryField(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxMemory = n
		}
	}
}

// NewDecoder prepares a decoder for one body. The boundary comes from the
// Content-Type parameter; its absence is a protocol error detected by the
// frame layer before this point.
func NewDecoder(body io.Reader, boundary string, sink FieldSink, opts ...Option) *Decoder {
	d := &Decoder{
		br:        bufio.NewReaderSize(body, copyChunk+1024),
		delim:     []byte("\r\n--" + boundary),
		sink:      sink,
		maxMemory: DefaultMaxMemoryField,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode consumes the whole body and returns the fields in wire order.
// On error the body may be partially consumed; the caller discards the
// rest. Temporary files already created for earlier fields are still
// reported via the returned fields on success only; on error the partial
// list is returned too so the caller can clean up.
func (d *Decoder) Decode() ([]Field, error) {
	if err := d.readPreamble(); err != nil {
		return nil, err
	}
	var fields []Field
	for {
		name, filename, err := d.readPartHeaders()
		if err != nil {
			return fields, err
		}
		if filename != "" {
			field, err := d.readFilePart(name, filename)
			if err != nil {
				return fields, err
			}
			fields = append(fields, field)
		} else {
			value, err := d.readValuePart()
			if err != nil {
				return fields, err
			}
			fields = append(fields, Field{Name: name, Value: value})
		}
		more, err := d.readDelimiterTail()
		if err != nil {
			return fields, err
		}
		if !more {
			return fields, nil
		}
	}
}

// readPreamble skips everything up to and including the first boundary
// line. RFC 2046 allows a preamble before it.
func (d *Decoder) readPreamble() error {
	first := d.delim[2:] // "--" + boundary, no leading CRLF on the first line
	for {
		line, err := d.readLine()
		if err != nil {
			return fmt.Errorf("%w: no opening boundary", ErrMalformed)
		}
		if bytes.Equal(line, first) {
			return nil
		}
		if bytes.Equal(line, append(append([]byte{}, first...), '-', '-')) {
			return fmt.Errorf("%w: empty multipart body", ErrMalformed)
		}
	}
}

// readPartHeaders parses one part's header block and extracts the
// Content-Disposition name and optional filename.
func (d *Decoder) readPartHeaders() (name, filename string, err error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return "", "", fmt.Errorf("%w: truncated part headers", ErrMalformed)
		}
		if len(line) == 0 {
			if name == "" {
				return "", "", fmt.Errorf("%w: part without a field name", ErrMalformed)
			}
			return name, filename, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return "", "", fmt.Errorf("%w: part header %q", ErrMalformed, line)
		}
		hname := string(bytes.TrimSpace(line[:colon]))
		hvalue := string(bytes.TrimSpace(line[colon+1:]))
		if !strings.EqualFold(hname, "Content-Disposition") {
			continue
		}
		media, params, err := mime.ParseMediaType(hvalue)
		if err != nil || !strings.EqualFold(media, "form-data") {
			return "", "", fmt.Errorf("%w: content-disposition %q", ErrMalformed, hvalue)
		}
		name = params["name"]
		filename = params["filename"]
	}
}

// readValuePart accumulates a non-file part in memory up to the cap.
func (d *Decoder) readValuePart() (string, error) {
	var buf bytes.Buffer
	err := d.streamPart(func(chunk []byte) error {
		if buf.Len()+len(chunk) > d.maxMemory {
			return ErrFieldTooLarge
		}
		buf.Write(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// readFilePart opens the sink destination first, so that disabled uploads
// fail before a single byte is written, then streams chunks with a
// cooperative yield between writes.
func (d *Decoder) readFilePart(name, filename string) (Field, error) {
	w, err := d.sink.CreateFile(filename)
	if err != nil {
		return Field{}, err
	}
	streamErr := d.streamPart(func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("writing upload: %w", err)
		}
		runtime.Gosched()
		return nil
	})
	closeErr := w.Close()
	if streamErr != nil {
		return Field{}, streamErr
	}
	if closeErr != nil {
		return Field{}, fmt.Errorf("closing upload: %w", closeErr)
	}
	return Field{Name: name, Value: w.Path(), IsFile: true, Filename: filename}, nil
}

// streamPart feeds the part body to emit in bounded chunks, stopping just
// before the next delimiter. The reader is left positioned after the
// delimiter bytes with the delimiter tail ("--" or CRLF) unread.
func (d *Decoder) streamPart(emit func([]byte) error) error {
	for {
		peeked, err := d.br.Peek(copyChunk)
		if len(peeked) == 0 {
			if err == io.EOF {
				return fmt.Errorf("%w: truncated part body", ErrMalformed)
			}
			return fmt.Errorf("reading part body: %w", err)
		}
		if i := bytes.Index(peeked, d.delim); i >= 0 {
			if i > 0 {
				if err := emit(peeked[:i]); err != nil {
					return err
				}
			}
			if _, err := d.br.Discard(i + len(d.delim)); err != nil {
				return fmt.Errorf("reading part body: %w", err)
			}
			return nil
		}
		// No delimiter in the window. Everything except a possible
		// delimiter prefix at the tail is part content.
		safe := len(peeked) - len(d.delim) + 1
		if safe <= 0 {
			if err == io.EOF {
				return fmt.Errorf("%w: truncated part body", ErrMalformed)
			}
			// Window smaller than the delimiter and more data is
			// coming; let the buffered reader fill further.
			safe = 0
		}
		if safe > 0 {
			if err := emit(peeked[:safe]); err != nil {
				return err
			}
			if _, err := d.br.Discard(safe); err != nil {
				return fmt.Errorf("reading part body: %w", err)
			}
		}
		if err == io.EOF {
			return fmt.Errorf("%w: truncated part body", ErrMalformed)
		}
	}
}

// readDelimiterTail consumes what follows a delimiter: "--" closes the
// body, a CRLF opens the next part.
func (d *Decoder) readDelimiterTail() (more bool, err error) {
	line, err := d.readLine()
	if err != nil {
		return false, fmt.Errorf("%w: truncated after boundary", ErrMalformed)
	}
	switch {
	case len(line) == 0:
		return true, nil
	case bytes.HasPrefix(line, []byte("--")):
		return false, nil
	default:
		return false, fmt.Errorf("%w: junk after boundary: %q", ErrMalformed, line)
	}
}

// readLine reads one CRLF-terminated line without the terminator. A
// final line closed by EOF instead of CRLF is still returned, so a
// closing boundary may legally end the body without a trailing newline.
func (d *Decoder) readLine() ([]byte, error) {
	line, err := d.br.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
