// Package session implements the server-side session state engine:
// cookie-to-record resolution, three session kinds with independent
// lifetimes, scope and group policies, sliding timeouts with a three-level
// override chain, and administrative enumeration and closing.
package session

import (
	"errors"
	"time"

	"github.com/hearthd/hearth/internal/domain/cookie"
)

var (
	// ErrSessionNotFound is returned by administrative lookups for a
	// closed or never-existing session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrOutsideInitPhase is returned when a global default is mutated
	// after the engine has been sealed at startup. This is a programming
	// error in a collaborator, never a transient condition.
	ErrOutsideInitPhase = errors.New("operation forbidden outside the initialization phase")

	// ErrScopeMismatch is returned for operations that are meaningless
	// for the requested scope, e.g. binding a group to a non-Session
	// scope.
	ErrScopeMismatch = errors.New("operation not valid for this scope")
)

// Kind selects one of the three independent session state families.
type Kind int

const (
	// KindService holds registered handler bindings (table-of-tables).
	KindService Kind = iota
	// KindVolatileData holds arbitrary in-memory values.
	KindVolatileData
	// KindPersistentData holds durably stored values.
	KindPersistentData
)

// Tag is the short wire tag used in cookie-name derivation.
func (k Kind) Tag() string {
	switch k {
	case KindService:
		return "srv"
	case KindVolatileData:
		return "vol"
	case KindPersistentData:
		return "per"
	}
	return "unk"
}

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindVolatileData:
		return "volatile"
	case KindPersistentData:
		return "persistent"
	}
	return "unknown"
}

// Kinds enumerates all session kinds in a stable order.
var Kinds = []Kind{KindService, KindVolatileData, KindPersistentData}

// KindByName resolves a kind from its string form.
func KindByName(name string) (Kind, bool) {
	for _, kind := range Kinds {
		if kind.String() == name {
			return kind, true
		}
	}
	return 0, false
}

// ScopeClass is the granularity at which state is shared.
type ScopeClass int

const (
	// ScopeRequest is a pure per-request in-memory cache. It never
	// touches a cookie and is cleared when the request ends.
	ScopeRequest ScopeClass = iota
	// ScopeTabProcess is one browser tab / client process. Uses its own
	// cookie but inherits the parent browser-session's group.
	ScopeTabProcess
	// ScopeSession is one browser session. The only scope that carries
	// an independent session group.
	ScopeSession
	// ScopeSessionGroup addresses a whole named group of sessions.
	ScopeSessionGroup
	// ScopeGlobal is shared across all clients of one named state.
	ScopeGlobal
)

// Scope is a closed tagged scope value. Name qualifies Session,
// SessionGroup and Global scopes; it is empty for Request and TabProcess.
type Scope struct {
	Class ScopeClass
	Name  string
}

// Tag is the scope component of cookie-name derivation.
func (s Scope) Tag() string {
	switch s.Class {
	case ScopeRequest:
		return "req"
	case ScopeTabProcess:
		return "tab"
	case ScopeSession:
		return "ses"
	case ScopeSessionGroup:
		return "grp"
	case ScopeGlobal:
		return "glo"
	}
	return "unk"
}

// Key addresses one session state namespace. The (Kind, Scope, StateName,
// Secure) tuple determines which physical cookie carries the token;
// distinct tuples never share a cookie.
type Key struct {
	Kind      Kind
	Scope     Scope
	StateName string
	Secure    bool
}

// CookieName derives the physical cookie for this key. Request scope has
// no cookie and returns "".
func (k Key) CookieName() string {
	if k.Scope.Class == ScopeRequest {
		return ""
	}
	qualified := k.Scope.Tag() + "/" + k.Scope.Name + "/" + k.StateName
	return cookie.DeriveName(k.Kind.Tag(), qualified, k.Secure)
}

// Status is the observable state of a session record.
type Status int

const (
	// Empty means no record exists for the key.
	Empty Status = iota
	// Alive means a record exists and has not expired.
	Alive
	// Expired means a record exists but its expiration has passed. A
	// read must observe Expired, never the stale data, even before the
	// record is physically swept.
	Expired
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Alive:
		return "alive"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// DataStatus distinguishes "never set" from "was set but the session
// expired" on inspection reads, so callers can decide between silently
// recreating state and surfacing a session-expired notice.
type DataStatus int

const (
	// NoData means the value was never set.
	NoData DataStatus = iota
	// DataExpired means the owning session expired.
	DataExpired
	// DataPresent means a live value is available.
	DataPresent
)

// DataResult is the trichotomy returned by inspection reads.
type DataResult struct {
	Status DataStatus
	Value  any
}

// Timeout is one level of the timeout override chain. The zero value
// means "no timeout": the session never expires by time.
type Timeout struct {
	Finite bool
	D      time.Duration
}

// After builds a finite timeout.
func After(d time.Duration) Timeout {
	return Timeout{Finite: true, D: d}
}

// Never is the explicit no-timeout value.
var Never = Timeout{}

// Info is the administrative view of one live session record.
type Info struct {
	Token      string
	Kind       Kind
	StateName  string
	Group      string
	Created    time.Time
	LastAccess time.Time
	Expiration time.Time // zero = never expires
}
