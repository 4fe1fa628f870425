package frame

import (
	"errors"
	"strings"
	"testing"
)

func TestParseQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		query   string
		want    []Param
		wantErr bool
	}{
		{
			name:  "empty",
			query: "",
			want:  nil,
		},
		{
			name:  "preserves wire order",
			query: "b=two&a=1",
			want:  []Param{{"b", "two"}, {"a", "1"}},
		},
		{
			name:  "repeated keys survive",
			query: "k=1&k=2&k=3",
			want:  []Param{{"k", "1"}, {"k", "2"}, {"k", "3"}},
		},
		{
			name:  "percent and plus decoding",
			query: "msg=hello+world&path=%2Ftmp",
			want:  []Param{{"msg", "hello world"}, {"path", "/tmp"}},
		},
		{
			name:  "key without value",
			query: "flag&x=1",
			want:  []Param{{"flag", ""}, {"x", "1"}},
		},
		{
			name:  "empty pieces skipped",
			query: "&&a=1&&",
			want:  []Param{{"a", "1"}},
		},
		{
			name:    "bad escape",
			query:   "a=%zz",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseQuery(tt.query)
			if tt.wantErr {
				if !errors.Is(err, ErrBadRequest) {
					t.Fatalf("got err %v, want ErrBadRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("param %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestClassifyBody(t *testing.T) {
	t.Parallel()

	readFrame := func(t *testing.T, raw string) *Frame {
		t.Helper()
		f, err := NewReader(strings.NewReader(raw)).ReadFrame(false)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		return f
	}

	t.Run("no body", func(t *testing.T) {
		t.Parallel()
		f := readFrame(t, "GET / HTTP/1.1\r\n\r\n")
		enc, _, err := ClassifyBody(f)
		if err != nil || enc != EncodingNone {
			t.Fatalf("got %v/%v", enc, err)
		}
	})

	t.Run("urlencoded", func(t *testing.T) {
		t.Parallel()
		f := readFrame(t, "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Type: application/x-www-form-urlencoded; charset=utf-8\r\n\r\nx=1")
		enc, _, err := ClassifyBody(f)
		if err != nil || enc != EncodingURLEncoded {
			t.Fatalf("got %v/%v", enc, err)
		}
	})

	t.Run("multipart with boundary", func(t *testing.T) {
		t.Parallel()
		f := readFrame(t, "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Type: multipart/form-data; boundary=xyz\r\n\r\na")
		enc, boundary, err := ClassifyBody(f)
		if err != nil || enc != EncodingMultipart || boundary != "xyz" {
			t.Fatalf("got %v/%q/%v", enc, boundary, err)
		}
	})

	t.Run("multipart without boundary", func(t *testing.T) {
		t.Parallel()
		f := readFrame(t, "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Type: multipart/form-data\r\n\r\na")
		_, _, err := ClassifyBody(f)
		if !errors.Is(err, ErrBadRequest) {
			t.Fatalf("got %v, want ErrBadRequest", err)
		}
	})

	t.Run("unsupported media", func(t *testing.T) {
		t.Parallel()
		f := readFrame(t, "POST / HTTP/1.1\r\nContent-Length: 2\r\nContent-Type: application/json\r\n\r\n{}")
		_, _, err := ClassifyBody(f)
		if !errors.Is(err, ErrUnsupportedMedia) {
			t.Fatalf("got %v, want ErrUnsupportedMedia", err)
		}
	})

	t.Run("body without content type", func(t *testing.T) {
		t.Parallel()
		f := readFrame(t, "POST / HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi")
		_, _, err := ClassifyBody(f)
		if !errors.Is(err, ErrUnsupportedMedia) {
			t.Fatalf("got %v, want ErrUnsupportedMedia", err)
		}
	})
}

func TestDecodeURLEncodedBody(t *testing.T) {
	t.Parallel()

	params, err := DecodeURLEncodedBody(strings.NewReader("a=1&b=two"), 0)
	if err != nil {
		t.Fatalf("DecodeURLEncodedBody: %v", err)
	}
	want := []Param{{"a", "1"}, {"b", "two"}}
	if len(params) != len(want) {
		t.Fatalf("got %v", params)
	}
	for i := range params {
		if params[i] != want[i] {
			t.Errorf("param %d: got %v, want %v", i, params[i], want[i])
		}
	}

	if _, err := DecodeURLEncodedBody(strings.NewReader("a=1&b=2"), 3); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("oversized body: got %v, want ErrBadRequest", err)
	}
}
