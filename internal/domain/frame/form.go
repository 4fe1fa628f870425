package frame

import (
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
)

// Param is one decoded key/value pair. Parameter lists preserve wire order
// and may repeat keys, which a flattening map would destroy.
type Param struct {
	Key   string
	Value string
}

// Body content types the pipeline can decode.
const (
	mediaURLEncoded = "application/x-www-form-urlencoded"
	mediaMultipart  = "multipart/form-data"
)

// BodyEncoding classifies a frame's declared body.
type BodyEncoding int

const (
	// EncodingNone means no body was declared.
	EncodingNone BodyEncoding = iota
	// EncodingURLEncoded selects the urlencoded form decoder.
	EncodingURLEncoded
	// EncodingMultipart selects the multipart decoder.
	EncodingMultipart
)

// ClassifyBody inspects Content-Type and returns the decoder selection,
// plus the boundary token for multipart bodies. A declared body with any
// other media type is ErrUnsupportedMedia; a multipart body without a
// boundary parameter is ErrBadRequest.
func ClassifyBody(f *Frame) (BodyEncoding, string, error) {
	if f.Body() == nil {
		return EncodingNone, "", nil
	}
	ct, ok := f.Header("Content-Type")
	if !ok {
		return EncodingNone, "", fmt.Errorf("%w: body without content-type", ErrUnsupportedMedia)
	}
	media, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return EncodingNone, "", fmt.Errorf("%w: content-type %q", ErrBadRequest, ct)
	}
	switch media {
	case mediaURLEncoded:
		return EncodingURLEncoded, "", nil
	case mediaMultipart:
		boundary := params["boundary"]
		if boundary == "" {
			return EncodingNone, "", fmt.Errorf("%w: multipart without boundary", ErrBadRequest)
		}
		return EncodingMultipart, boundary, nil
	default:
		return EncodingNone, "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, media)
	}
}

// ParseQuery decodes a query string into ordered pairs. The stdlib
// url.ParseQuery collapses into a map and loses wire order, which the
// dispatcher needs for repeated keys, so the split is done here.
func ParseQuery(query string) ([]Param, error) {
	if query == "" {
		return nil, nil
	}
	var params []Param
	for _, piece := range strings.Split(query, "&") {
		if piece == "" {
			continue
		}
		var rawKey, rawValue string
		if eq := strings.IndexByte(piece, '='); eq >= 0 {
			rawKey, rawValue = piece[:eq], piece[eq+1:]
		} else {
			rawKey = piece
		}
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: query key %q", ErrBadRequest, rawKey)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: query value %q", ErrBadRequest, rawValue)
		}
		params = append(params, Param{Key: key, Value: value})
	}
	return params, nil
}

// DecodeURLEncodedBody consumes the body stream and decodes it like a
// query string. maxBytes bounds memory; 0 means no explicit cap beyond
// the declared Content-Length.
func DecodeURLEncodedBody(body io.Reader, maxBytes int64) ([]Param, error) {
	var r io.Reader = body
	if maxBytes > 0 {
		r = io.LimitReader(body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading form body: %v", ErrBadRequest, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: form body exceeds %d bytes", ErrBadRequest, maxBytes)
	}
	return ParseQuery(string(data))
}
