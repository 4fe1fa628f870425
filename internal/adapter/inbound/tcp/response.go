package tcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hearthd/hearth/internal/domain/frame"
	"github.com/hearthd/hearth/internal/service"
)

// reasonPhrases covers the status codes the pipeline emits. Unknown codes
// get a bare numeric status line, which clients accept.
var reasonPhrases = map[int]string{
	200: "OK",
	204: "No Content",
	301: "Moved Permanently",
	303: "See Other",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	415: "Unsupported Media Type",
	500: "Internal Server Error",
	501: "Not Implemented",
}

// writeResponse serializes one response. The body is buffered first so
// Content-Length is always exact; handlers stream into the buffer, not
// the socket. f may be nil for responses to unparseable requests, in
// which case nothing suppresses the body.
func writeResponse(conn io.Writer, f *frame.Frame, out service.Output, keepAlive bool) error {
	var body bytes.Buffer
	if out.Body != nil {
		if err := out.Body(&body); err != nil {
			// The status line has not been written yet, so a failed body
			// can still be converted into a clean 500.
			out = service.Output{Status: 500}
			body.Reset()
		}
	}

	bw := bufio.NewWriter(conn)

	reason, ok := reasonPhrases[out.Status]
	if !ok {
		reason = "Status " + strconv.Itoa(out.Status)
	}
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", out.Status, reason)
	fmt.Fprintf(bw, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))

	if keepAlive {
		bw.WriteString("Connection: keep-alive\r\n")
	} else {
		bw.WriteString("Connection: close\r\n")
	}

	for name, value := range out.Headers {
		fmt.Fprintf(bw, "%s: %s\r\n", name, value)
	}
	for _, sc := range out.SetCookies {
		fmt.Fprintf(bw, "Set-Cookie: %s\r\n", sc.Format())
	}

	suppressBody := out.Status == 204 || out.Status == 304 ||
		(f != nil && f.Method == "HEAD")
	if out.Status != 204 && out.Status != 304 {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", body.Len())
	}
	bw.WriteString("\r\n")

	if !suppressBody && body.Len() > 0 {
		if _, err := bw.Write(body.Bytes()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
