package session

import (
	"context"
	"fmt"

	"github.com/hearthd/hearth/internal/domain/cookie"
)

// View is the per-request window onto the engine: it resolves the
// request's cookies to records, applies the secure/insecure selection
// rule for the current transport, holds the Request-scope cache, and
// accumulates the Set-Cookie deltas the response must carry.
//
// A View belongs to one request on one connection worker and is not safe
// for concurrent use; the records it resolves are.
type View struct {
	engine *Engine
	// secure is the transport security of the current request.
	secure   bool
	incoming map[string]string // physical cookie name -> token

	deltas []cookie.SetCookie

	// requestCache backs ScopeRequest keys: pure in-memory, no cookie,
	// dropped with the View at end of request.
	requestCache map[string]any
}

// NewView opens a per-request session view over the parsed cookie pairs.
func (e *Engine) NewView(secure bool, pairs []cookie.Pair) *View {
	incoming := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if cookie.IsServerCookie(p.Name) {
			if _, dup := incoming[p.Name]; !dup {
				incoming[p.Name] = p.Value
			}
		}
	}
	return &View{
		engine:       e,
		secure:       secure,
		incoming:     incoming,
		requestCache: make(map[string]any),
	}
}

// CookieDeltas returns the Set-Cookie instructions accumulated by session
// mutations during this request, in emission order.
func (v *View) CookieDeltas() []cookie.SetCookie {
	return v.deltas
}

// candidateKeys lists the key variants to consult for a logical key, in
// preference order, applying the transport rule: an insecure request may
// only see the insecure cookie; a secure request prefers the secure one
// and may fall back to insecure when the engine allows it.
func (v *View) candidateKeys(key Key) []Key {
	if !v.secure {
		key.Secure = false
		return []Key{key}
	}
	if !key.Secure {
		return []Key{key}
	}
	keys := []Key{key}
	if v.engine.secureFallback {
		insecure := key
		insecure.Secure = false
		keys = append(keys, insecure)
	}
	return keys
}

// resolve finds the record the request's cookies designate for a key.
// The returned status is Empty when no cookie or no record matches, and
// Expired when a record exists but its expiration has passed; expired
// data is never observable through the returned record.
func (v *View) resolve(key Key) (*Record, Key, Status) {
	for _, cand := range v.candidateKeys(key) {
		if rec, st := v.resolveExact(cand); st != Empty {
			return rec, cand, st
		}
	}
	return nil, key, Empty
}

// resolveExact consults only the one cookie the exact key designates,
// with no secure fallback.
func (v *View) resolveExact(key Key) (*Record, Status) {
	token, ok := v.incoming[key.CookieName()]
	if !ok {
		return nil, Empty
	}
	rec, ok := v.engine.lookup(key.Kind, token)
	if !ok && key.Kind == KindPersistentData {
		rec, ok = v.engine.rehydrate(key, token)
	}
	if !ok {
		return nil, Empty
	}
	if rec.Key != key {
		// A stale cookie pointing at a foreign namespace.
		return nil, Empty
	}
	if v.engine.statusOf(rec) == Expired {
		return rec, Expired
	}
	return rec, Alive
}

// Status reports Alive, Empty or Expired for a key without ever
// materializing a record.
func (v *View) Status(key Key) Status {
	if key.Scope.Class == ScopeRequest {
		if _, ok := v.requestCache[requestCacheKey(key, "")]; ok {
			return Alive
		}
		return Empty
	}
	_, _, st := v.resolve(key)
	return st
}

// materialize returns the live record for a key, creating one when only
// write semantics justify it: an Empty key creates fresh, an Expired one
// is discarded first and recreated. Reads never call this.
func (v *View) materialize(key Key) (*Record, error) {
	rec, resolved, st := v.resolve(key)
	switch st {
	case Alive:
		v.touch(rec)
		return rec, nil
	case Expired:
		v.engine.destroy(rec, true)
	}
	// Tab-process sessions inherit the parent browser-session group.
	group := ""
	if key.Scope.Class == ScopeTabProcess {
		parent := key
		parent.Scope.Class = ScopeSession
		if prec, _, pst := v.resolve(parent); pst == Alive {
			prec.mu.Lock()
			group = prec.Group
			prec.mu.Unlock()
		}
	}
	created, err := v.engine.create(resolved, group)
	if err != nil {
		return nil, err
	}
	v.pushCookie(created)
	return created, nil
}

// touch slides the record's expiration per its policy chain.
func (v *View) touch(rec *Record) {
	now := v.engine.now()
	policy := v.engine.policy.resolve(rec.Key.Kind, rec.Key.StateName)
	rec.mu.Lock()
	rec.touch(now, policy)
	rec.mu.Unlock()
}

// pushCookie emits the Set-Cookie delta carrying a record's token.
// Persistent sessions carry their absolute expiration on the cookie so
// the client keeps it across browser restarts.
func (v *View) pushCookie(rec *Record) {
	name := rec.Key.CookieName()
	if name == "" {
		return
	}
	sc := cookie.SetCookie{
		Name:   name,
		Value:  rec.Token,
		Secure: rec.Key.Secure,
	}
	if rec.Key.Kind == KindPersistentData {
		rec.mu.Lock()
		sc.Expires = rec.Expiration
		rec.mu.Unlock()
	}
	v.deltas = append(v.deltas, sc)
	// Later resolutions in the same request must see the new token.
	v.incoming[name] = rec.Token
}

// pushUnset emits an expiring cookie so the client purges its copy.
func (v *View) pushUnset(key Key) {
	name := key.CookieName()
	if name == "" {
		return
	}
	delete(v.incoming, name)
	v.deltas = append(v.deltas, cookie.SetCookie{
		Name:   name,
		Secure: key.Secure,
		Unset:  true,
	})
}

// requestCacheKey flattens a Request-scope key plus field for the cache.
func requestCacheKey(key Key, field string) string {
	return key.Kind.Tag() + "\x00" + key.StateName + "\x00" + field
}

// Get reads one field of session data, reporting the NoData /
// DataExpired / DataPresent trichotomy. It never creates a record.
func (v *View) Get(ctx context.Context, key Key, field string) (DataResult, error) {
	if key.Scope.Class == ScopeRequest {
		if val, ok := v.requestCache[requestCacheKey(key, field)]; ok {
			return DataResult{Status: DataPresent, Value: val}, nil
		}
		return DataResult{Status: NoData}, nil
	}
	rec, _, st := v.resolve(key)
	switch st {
	case Empty:
		return DataResult{Status: NoData}, nil
	case Expired:
		return DataResult{Status: DataExpired}, nil
	}
	v.touch(rec)
	if key.Kind == KindPersistentData {
		return v.engine.getPersistentField(ctx, rec, field)
	}
	rec.mu.Lock()
	val, ok := rec.data[field]
	rec.mu.Unlock()
	if !ok {
		return DataResult{Status: NoData}, nil
	}
	return DataResult{Status: DataPresent, Value: val}, nil
}

// Set writes one field of session data, lazily creating the record. For
// KindPersistentData the value must be a []byte; the durable write is
// issued without holding the record lock and without awaiting completion.
func (v *View) Set(ctx context.Context, key Key, field string, value any) error {
	if key.Scope.Class == ScopeRequest {
		v.requestCache[requestCacheKey(key, field)] = value
		return nil
	}
	rec, err := v.materialize(key)
	if err != nil {
		return err
	}
	if key.Kind == KindPersistentData {
		raw, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("persistent session value must be []byte, got %T", value)
		}
		return v.engine.setPersistentField(ctx, rec, field, raw)
	}
	rec.mu.Lock()
	if rec.data == nil {
		rec.data = make(map[string]any)
	}
	rec.data[field] = value
	rec.mu.Unlock()
	return nil
}

// SetTimeout pins a per-record timeout, creating the record if needed.
func (v *View) SetTimeout(key Key, t Timeout) error {
	if key.Scope.Class == ScopeRequest {
		return ErrScopeMismatch
	}
	rec, err := v.materialize(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.pin(v.engine.now(), t)
	rec.mu.Unlock()
	return nil
}

// ClearTimeout removes a pinned timeout; the policy chain applies again.
func (v *View) ClearTimeout(key Key) error {
	rec, _, st := v.resolve(key)
	if st != Alive {
		return ErrSessionNotFound
	}
	now := v.engine.now()
	policy := v.engine.policy.resolve(key.Kind, key.StateName)
	rec.mu.Lock()
	rec.unpin()
	rec.touch(now, policy)
	rec.mu.Unlock()
	return nil
}

// BindGroup assigns the session to a named group, creating the record if
// needed. Only Session-scope sessions carry independent groups.
func (v *View) BindGroup(key Key, groupName string) error {
	if key.Scope.Class != ScopeSession {
		return ErrScopeMismatch
	}
	rec, err := v.materialize(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	same := rec.Group == groupName
	rec.mu.Unlock()
	if same {
		return nil
	}
	v.engine.leaveGroup(rec)
	rec.mu.Lock()
	rec.Group = groupName
	rec.mu.Unlock()
	if groupName != "" {
		v.engine.joinGroup(rec)
	}
	return nil
}

// BindService registers a handler binding in a Service session's
// table-of-tables, creating the record if needed.
func (v *View) BindService(key Key, table, name string, binding any) error {
	key.Kind = KindService
	rec, err := v.materialize(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.services == nil {
		rec.services = make(map[string]map[string]any)
	}
	tbl := rec.services[table]
	if tbl == nil {
		tbl = make(map[string]any)
		rec.services[table] = tbl
	}
	tbl[name] = binding
	rec.mu.Unlock()
	return nil
}

// ServiceBinding looks up a registered handler binding. Never creates.
func (v *View) ServiceBinding(key Key, table, name string) (any, bool) {
	key.Kind = KindService
	rec, _, st := v.resolve(key)
	if st != Alive {
		return nil, false
	}
	v.touch(rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	tbl, ok := rec.services[table]
	if !ok {
		return nil, false
	}
	b, ok := tbl[name]
	return b, ok
}

// Discard closes both the service bindings and the data (volatile and
// persistent) for one scope and state name. Closing a Session does not
// close its Session-Group; only an explicit group-scope discard does.
func (v *View) Discard(scope Scope, stateName string) {
	v.DiscardServices(scope, stateName)
	v.DiscardData(scope, stateName, true)
}

// DiscardServices removes only the handler bindings for the scope.
func (v *View) DiscardServices(scope Scope, stateName string) {
	v.discardKind(KindService, scope, stateName)
}

// DiscardData removes the data sessions for the scope. When
// includePersistent is false only the in-memory value goes away and the
// persistent counterpart stays retrievable. The persistent half is
// issued asynchronously; this call does not await its completion.
func (v *View) DiscardData(scope Scope, stateName string, includePersistent bool) {
	v.discardKind(KindVolatileData, scope, stateName)
	if includePersistent {
		v.discardKind(KindPersistentData, scope, stateName)
	}
}

func (v *View) discardKind(kind Kind, scope Scope, stateName string) {
	if scope.Class == ScopeRequest {
		prefix := kind.Tag() + "\x00" + stateName + "\x00"
		for k := range v.requestCache {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(v.requestCache, k)
			}
		}
		return
	}
	// A group-scope discard closes the whole group: every member session
	// goes away, not just the record behind the group-scoped cookie.
	if scope.Class == ScopeSessionGroup {
		v.engine.closeGroup(kind, scope.Name)
	}
	variants := []bool{false}
	if v.secure {
		variants = []bool{true, false}
	}
	for _, secure := range variants {
		key := Key{Kind: kind, Scope: scope, StateName: stateName, Secure: secure}
		rec, st := v.resolveExact(key)
		if st == Empty {
			continue
		}
		v.engine.destroy(rec, true)
		v.pushUnset(key)
	}
}
