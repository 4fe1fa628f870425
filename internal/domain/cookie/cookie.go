// Package cookie implements the cookie wire format used by the request
// pipeline and the session engine: parsing the request Cookie header into
// ordered pairs, formatting Set-Cookie response lines, and deriving the
// physical cookie name that carries a given session key.
package cookie

import (
	"net/http"
	"strings"
	"time"
)

// Pair is a single name=value cookie as it appeared on the wire.
// Order of appearance is preserved by Parse.
type Pair struct {
	Name  string
	Value string
}

// Parse splits a Cookie request header into ordered pairs.
// Malformed fragments (no '=', empty name) are skipped rather than
// failing the whole header, matching common browser tolerance.
func Parse(header string) []Pair {
	if header == "" {
		return nil
	}
	var pairs []Pair
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		name := part[:eq]
		value := part[eq+1:]
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		pairs = append(pairs, Pair{Name: name, Value: value})
	}
	return pairs
}

// Get returns the first value for name, or "" and false.
func Get(pairs []Pair, name string) (string, bool) {
	for _, p := range pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// epoch is the Expires timestamp used to make a client purge a cookie.
var epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// SetCookie is one pending Set-Cookie instruction produced by the session
// engine and flushed by the connection worker into the response.
type SetCookie struct {
	Name   string
	Value  string
	Path   string
	Secure bool
	// Unset expires the cookie on the client instead of setting it.
	Unset bool
	// Expires is the absolute expiration; zero means a browser-session
	// cookie. Ignored when Unset is true.
	Expires time.Time
}

// Format renders the Set-Cookie header value.
// An Unset instruction carries an already-past Expires so the client
// discards its copy; plain omission would leave the stale cookie behind.
func (c SetCookie) Format() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	if !c.Unset {
		b.WriteString(c.Value)
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	b.WriteString("; Path=")
	b.WriteString(path)
	switch {
	case c.Unset:
		b.WriteString("; Expires=")
		b.WriteString(epoch.Format(http.TimeFormat))
	case !c.Expires.IsZero():
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(http.TimeFormat))
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	b.WriteString("; HttpOnly")
	return b.String()
}
