package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Record is one materialized session. A record is created lazily on the
// first write to its key and destroyed by explicit discard, by lazy
// expiration, or by group-cap eviction.
type Record struct {
	// mu serializes read-modify-write of this record's expiration and
	// data. Records for different cookies never share a lock.
	mu sync.Mutex

	Token string
	Key   Key

	Created    time.Time
	LastAccess time.Time
	// Expiration is absolute; zero means the record never expires.
	Expiration time.Time

	// Group is the session-group identifier, empty when ungrouped. Only
	// Session-scope records carry an independent group; tab-process
	// records copy their parent browser-session's group at creation.
	Group string

	// pinned is an individually-set timeout overriding the policy
	// chain. nil means the record follows per-name/kind defaults.
	pinned *Timeout

	// services is the table-of-tables of registered handler bindings,
	// used by KindService records only.
	services map[string]map[string]any

	// data is the value store for KindVolatileData records. Persistent
	// records keep their values in the durable store, not here.
	data map[string]any
}

// newToken generates an opaque session token: 32 random bytes, hex.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// expiredAt reports whether the record is logically Expired at now.
// Caller holds r.mu.
func (r *Record) expiredAt(now time.Time) bool {
	return !r.Expiration.IsZero() && !now.Before(r.Expiration)
}

// touch recomputes LastAccess and, for sliding timeouts, the absolute
// expiration. A pinned expiration is left unchanged unless the access is
// itself a set-timeout call (which replaces the pin before touching).
// Caller holds r.mu.
func (r *Record) touch(now time.Time, policy Timeout) {
	r.LastAccess = now
	if r.pinned != nil {
		return
	}
	if policy.Finite {
		r.Expiration = now.Add(policy.D)
	} else {
		r.Expiration = time.Time{}
	}
}

// pin installs a per-record timeout and recomputes expiration from it
// immediately. Caller holds r.mu.
func (r *Record) pin(now time.Time, t Timeout) {
	pinned := t
	r.pinned = &pinned
	if t.Finite {
		r.Expiration = now.Add(t.D)
	} else {
		r.Expiration = time.Time{}
	}
}

// unpin removes the per-record override; the policy chain applies again
// from the next access. Caller holds r.mu.
func (r *Record) unpin() {
	r.pinned = nil
}

// isPinned reports whether the record carries its own timeout override.
// Caller holds r.mu.
func (r *Record) isPinned() bool {
	return r.pinned != nil
}

// info snapshots the administrative view. Caller holds r.mu.
func (r *Record) info() Info {
	return Info{
		Token:      r.Token,
		Kind:       r.Key.Kind,
		StateName:  r.Key.StateName,
		Group:      r.Group,
		Created:    r.Created,
		LastAccess: r.LastAccess,
		Expiration: r.Expiration,
	}
}
