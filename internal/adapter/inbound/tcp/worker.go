package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/hearthd/hearth/internal/domain/frame"
	"github.com/hearthd/hearth/internal/domain/multipart"
	"github.com/hearthd/hearth/internal/service"
)

// worker drives one connection's read, dispatch, write loop. It owns the
// connection exclusively for its lifetime; the caller guarantees closure
// on every exit path.
type worker struct {
	server *Server
	conn   net.Conn
	secure bool
	reader *frame.Reader
	logger *slog.Logger
}

func newWorker(s *Server, conn net.Conn, secure bool) *worker {
	var readerOpts []frame.ReaderOption
	if s.maxHeaderBytes > 0 {
		readerOpts = append(readerOpts, frame.WithMaxHeaderBytes(s.maxHeaderBytes))
	}
	return &worker{
		server: s,
		conn:   conn,
		secure: secure,
		reader: frame.NewReader(conn, readerOpts...),
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
	}
}

// run loops over request frames until the client disconnects, a frame
// forbids keep-alive, or an unrecoverable parse error occurs. Every
// error path still writes a well-formed response before the connection
// goes away.
func (w *worker) run() {
	continuation := false
	for {
		if w.server.idleTimeout > 0 {
			if err := w.conn.SetReadDeadline(time.Now().Add(w.server.idleTimeout)); err != nil {
				return
			}
		}

		f, err := w.reader.ReadFrame(continuation)
		if err != nil {
			w.handleReadError(err)
			return
		}
		// The frame is in; body reads share the same deadline.

		keepAlive := w.serveFrame(f)
		if !keepAlive {
			return
		}
		continuation = true
	}
}

// handleReadError classifies a failed frame read. Clean closes and idle
// timeouts are quiet; parse-level errors get an error response and then
// the connection closes (no keep-alive after a parse error).
func (w *worker) handleReadError(err error) {
	switch {
	case errors.Is(err, frame.ErrEndOfStream):
		return
	case isTimeout(err):
		w.logger.Debug("closing idle connection")
		return
	case errors.Is(err, frame.ErrUnsupportedMethod),
		errors.Is(err, frame.ErrBodyNotAllowed):
		w.writeStatus(501, false)
	case errors.Is(err, frame.ErrHeaderTooLarge),
		errors.Is(err, frame.ErrBadRequest):
		w.writeStatus(400, false)
	default:
		// Transport-level fault (reset by peer and friends); nothing
		// sensible can be written.
		w.logger.Debug("connection read failed", "error", err)
	}
}

// serveFrame decodes the body, dispatches, writes the response and
// cleans up temporary upload files. Returns whether to keep the
// connection alive.
func (w *worker) serveFrame(f *frame.Frame) bool {
	post, files, tempFiles, decodeErr := w.decodeBody(f)
	defer removeTempFiles(w.logger, tempFiles)

	if decodeErr != nil {
		return w.respondDecodeError(f, decodeErr)
	}

	out := w.server.dispatcher.Dispatch(context.Background(), service.Input{
		Frame:      f,
		PostParams: post,
		Files:      files,
		Secure:     w.secure,
		RemoteAddr: w.conn.RemoteAddr().String(),
	})

	keepAlive := f.KeepAlive
	// A conforming client may follow the decoded content with epilogue
	// bytes inside the declared Content-Length; drain them so the next
	// frame starts clean.
	if err := f.Discard(); err != nil {
		keepAlive = false
	}
	if err := writeResponse(w.conn, f, out, keepAlive); err != nil {
		w.logger.Debug("writing response failed", "error", err)
		return false
	}
	return keepAlive
}

// decodeBody consumes the request body with the decoder selected by
// Content-Type. It returns the POST parameters, the file fields, and the
// temporary file paths to remove after the response.
func (w *worker) decodeBody(f *frame.Frame) (post, files []frame.Param, tempFiles []string, err error) {
	encoding, boundary, err := frame.ClassifyBody(f)
	if err != nil {
		return nil, nil, nil, err
	}
	switch encoding {
	case frame.EncodingNone:
		return nil, nil, nil, nil

	case frame.EncodingURLEncoded:
		post, err := frame.DecodeURLEncodedBody(f.Body(), 0)
		if err != nil {
			return nil, nil, nil, err
		}
		return post, nil, nil, nil

	case frame.EncodingMultipart:
		var sink multipart.FieldSink = multipart.DisabledSink{}
		if w.server.uploadDir != "" {
			sink = multipart.DirSink{Dir: w.server.uploadDir}
		}
		var opts []multipart.Option
		if w.server.maxMemoryField > 0 {
			opts = append(opts, multipart.WithMaxMemoryField(w.server.maxMemoryField))
		}
		fields, err := multipart.NewDecoder(f.Body(), boundary, sink, opts...).Decode()
		for _, field := range fields {
			if field.IsFile {
				files = append(files, frame.Param{Key: field.Name, Value: field.Value})
				tempFiles = append(tempFiles, field.Value)
			} else {
				post = append(post, frame.Param{Key: field.Name, Value: field.Value})
			}
		}
		if err != nil {
			return nil, nil, tempFiles, err
		}
		return post, files, tempFiles, nil
	}
	return nil, nil, nil, nil
}

// respondDecodeError maps body-decoding failures to status codes.
// Content errors leave the frame well-formed, so the connection may stay
// alive once the unread body is drained; framing errors close it.
func (w *worker) respondDecodeError(f *frame.Frame, err error) bool {
	switch {
	case errors.Is(err, frame.ErrUnsupportedMedia):
		return w.respondDrained(f, 415)
	case errors.Is(err, multipart.ErrUploadForbidden):
		return w.respondDrained(f, 403)
	case errors.Is(err, multipart.ErrFieldTooLarge):
		return w.respondDrained(f, 400)
	case errors.Is(err, multipart.ErrMalformed),
		errors.Is(err, frame.ErrBadRequest):
		w.writeStatus(400, false)
		return false
	default:
		w.logger.Debug("body decode failed", "error", err)
		w.writeStatus(400, false)
		return false
	}
}

// respondDrained discards the rest of the declared body so the stream is
// positioned at the next frame, then answers with status keeping the
// connection alive when the frame allows it.
func (w *worker) respondDrained(f *frame.Frame, status int) bool {
	if err := f.Discard(); err != nil {
		w.writeStatus(status, false)
		return false
	}
	keepAlive := f.KeepAlive
	w.writeStatus(status, keepAlive)
	return keepAlive
}

// writeStatus writes a minimal status-only response.
func (w *worker) writeStatus(status int, keepAlive bool) {
	out := service.Output{Status: status}
	if err := writeResponse(w.conn, nil, out, keepAlive); err != nil {
		w.logger.Debug("writing error response failed", "error", err)
	}
}

// removeTempFiles deletes the spooled upload files once the response has
// been written; callers needing the bytes must copy them during the
// request.
func removeTempFiles(logger *slog.Logger, paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing upload temp file failed", "path", path, "error", err)
		}
	}
}

// isTimeout reports whether err is a read-deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
