package multipart

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirSink writes file parts to uniquely named temporary files under one
// directory. The name combines the sanitized declared filename with a
// nanosecond timestamp so concurrent uploads of the same file never
// collide.
type DirSink struct {
	Dir string
}

// CreateFile opens the temporary destination for one file part.
func (s DirSink) CreateFile(declaredFilename string) (FileWriter, error) {
	base := sanitizeFilename(declaredFilename)
	path := filepath.Join(s.Dir, fmt.Sprintf("%s-%d", base, time.Now().UnixNano()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	return &fileWriter{f: f, path: path}, nil
}

// DisabledSink rejects every file part. Used when no upload directory is
// configured.
type DisabledSink struct{}

// CreateFile always fails with ErrUploadForbidden.
func (DisabledSink) CreateFile(string) (FileWriter, error) {
	return nil, ErrUploadForbidden
}

type fileWriter struct {
	f    *os.File
	path string
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *fileWriter) Close() error                { return w.f.Close() }
func (w *fileWriter) Path() string                { return w.path }

// sanitizeFilename strips directory components and characters that could
// escape the upload directory or confuse the filesystem.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		return "upload"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "upload"
	}
	return out
}
