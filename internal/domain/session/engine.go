package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine owns the session record tables for all three kinds. It is the
// primary shared-mutable resource between connection workers: lookups for
// different cookies never contend on one record lock, while operations on
// the same record serialize through that record's own mutex.
type Engine struct {
	logger         *slog.Logger
	store          PersistentStore
	secureFallback bool

	// sealed flips after startup; global default setters fail once set.
	sealed atomic.Bool

	// mu guards the records maps themselves, not record contents.
	mu      sync.RWMutex
	records map[Kind]map[string]*Record

	// groupMu guards group membership and eviction as one atomic unit,
	// preserving the group-cap invariant. Lock order: groupMu before mu,
	// never the reverse.
	groupMu sync.Mutex
	groups  map[Kind]map[string]map[string]*Record

	policy *policyTable

	created   atomic.Int64
	closed    atomic.Int64
	evictions atomic.Int64

	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithPersistentStore attaches the durable store backing PersistentData
// sessions. Without a store, persistent operations degrade to volatile.
func WithPersistentStore(store PersistentStore) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithSecureFallback lets a secure request fall back to the insecure
// cookie when no secure one is present. Default off.
func WithSecureFallback(enabled bool) EngineOption {
	return func(e *Engine) { e.secureFallback = enabled }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with empty tables. Global defaults may be
// set until Seal is called at the end of startup.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:  slog.Default(),
		records: make(map[Kind]map[string]*Record),
		groups:  make(map[Kind]map[string]map[string]*Record),
		policy:  newPolicyTable(),
		now:     time.Now,
	}
	for _, kind := range Kinds {
		e.records[kind] = make(map[string]*Record)
		e.groups[kind] = make(map[string]map[string]*Record)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seal ends the initialization phase. Subsequent calls to the global
// default setters fail with ErrOutsideInitPhase.
func (e *Engine) Seal() {
	e.sealed.Store(true)
}

// SetKindTimeout sets the kind-wide default timeout.
func (e *Engine) SetKindTimeout(kind Kind, t Timeout) error {
	if e.sealed.Load() {
		return ErrOutsideInitPhase
	}
	e.policy.setKindDefault(kind, t)
	return nil
}

// SetNameTimeout sets the per-name global timeout for one state name.
func (e *Engine) SetNameTimeout(kind Kind, stateName string, t Timeout) error {
	if e.sealed.Load() {
		return ErrOutsideInitPhase
	}
	e.policy.setNameTimeout(kind, stateName, t)
	return nil
}

// SetGroupCap sets the maximum group size for a kind; 0 means unlimited.
func (e *Engine) SetGroupCap(kind Kind, limit int) error {
	if e.sealed.Load() {
		return ErrOutsideInitPhase
	}
	e.policy.setGroupCap(kind, limit)
	return nil
}

// lookup returns the live record for a token, if any.
func (e *Engine) lookup(kind Kind, token string) (*Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[kind][token]
	return rec, ok
}

// create materializes a record for a key. Only write operations reach
// this; status queries and reads never do.
func (e *Engine) create(key Key, group string) (*Record, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := e.now()
	rec := &Record{
		Token:   token,
		Key:     key,
		Created: now,
		Group:   group,
	}
	rec.touch(now, e.policy.resolve(key.Kind, key.StateName))
	if key.Kind == KindService {
		rec.services = make(map[string]map[string]any)
	} else {
		rec.data = make(map[string]any)
	}

	e.mu.Lock()
	e.records[key.Kind][token] = rec
	e.mu.Unlock()

	if group != "" {
		e.joinGroup(rec)
	}
	e.created.Add(1)
	return rec, nil
}

// joinGroup inserts a record into its group, evicting the least-recently
// used member first when the insert would exceed the kind's cap. The
// inserted record itself is never the victim, and the insert never
// blocks on the eviction's persistent half.
func (e *Engine) joinGroup(rec *Record) {
	kind := rec.Key.Kind
	limit := e.policy.capFor(kind)

	var victim *Record
	e.groupMu.Lock()
	members := e.groups[kind][rec.Group]
	if members == nil {
		members = make(map[string]*Record)
		e.groups[kind][rec.Group] = members
	}
	if limit > 0 && len(members)+1 > limit {
		victim = oldestMember(members)
		if victim != nil {
			delete(members, victim.Token)
		}
	}
	members[rec.Token] = rec
	e.groupMu.Unlock()

	if victim != nil {
		e.evictions.Add(1)
		e.logger.Debug("session evicted by group cap",
			"kind", kind.String(), "group", rec.Group, "token", victim.Token[:8])
		e.destroy(victim, false)
	}
}

// oldestMember picks the member with the oldest last-access time, ties
// broken by earliest creation time. Caller holds groupMu.
func oldestMember(members map[string]*Record) *Record {
	var victim *Record
	var vAccess, vCreated time.Time
	for _, rec := range members {
		rec.mu.Lock()
		access, created := rec.LastAccess, rec.Created
		rec.mu.Unlock()
		if victim == nil ||
			access.Before(vAccess) ||
			(access.Equal(vAccess) && created.Before(vCreated)) {
			victim, vAccess, vCreated = rec, access, created
		}
	}
	return victim
}

// leaveGroup removes a record from its group table, if grouped.
func (e *Engine) leaveGroup(rec *Record) {
	if rec.Group == "" {
		return
	}
	e.groupMu.Lock()
	if members := e.groups[rec.Key.Kind][rec.Group]; members != nil {
		delete(members, rec.Token)
		if len(members) == 0 {
			delete(e.groups[rec.Key.Kind], rec.Group)
		}
	}
	e.groupMu.Unlock()
}

// destroy fully discards a record: group membership, table entry, data
// and, for persistent records, the durable row. The durable delete is
// issued asynchronously; the in-memory half never waits for it.
// removeFromGroup is false when the caller already detached the record
// under groupMu (the eviction path).
func (e *Engine) destroy(rec *Record, removeFromGroup bool) {
	if removeFromGroup {
		e.leaveGroup(rec)
	}
	e.mu.Lock()
	delete(e.records[rec.Key.Kind], rec.Token)
	e.mu.Unlock()

	rec.mu.Lock()
	rec.services = nil
	rec.data = nil
	rec.mu.Unlock()

	e.closed.Add(1)

	if rec.Key.Kind == KindPersistentData && e.store != nil {
		table := rec.Key.StateName
		token := rec.Token
		go func() {
			if err := e.store.Delete(context.Background(), table, token); err != nil {
				e.logger.Error("persistent session delete failed",
					"table", table, "error", err)
			}
		}()
	}
}

// closeGroup destroys every member record of one group. The membership
// table is detached atomically under groupMu; the members are then
// destroyed without re-entering the group lock.
func (e *Engine) closeGroup(kind Kind, name string) {
	e.groupMu.Lock()
	members := e.groups[kind][name]
	recs := make([]*Record, 0, len(members))
	for _, rec := range members {
		recs = append(recs, rec)
	}
	delete(e.groups[kind], name)
	e.groupMu.Unlock()

	for _, rec := range recs {
		e.destroy(rec, false)
	}
}

// CloseByToken closes one session administratively. Unknown tokens fail
// with ErrSessionNotFound; this surfaces collaborator bugs instead of
// silently ignoring them.
func (e *Engine) CloseByToken(kind Kind, token string) error {
	rec, ok := e.lookup(kind, token)
	if !ok {
		return ErrSessionNotFound
	}
	e.destroy(rec, true)
	return nil
}

// Fold iterates live sessions of one kind, sweeping expired records it
// encounters. Iteration stops when fn returns false.
func (e *Engine) Fold(kind Kind, fn func(Info) bool) {
	e.mu.RLock()
	recs := make([]*Record, 0, len(e.records[kind]))
	for _, rec := range e.records[kind] {
		recs = append(recs, rec)
	}
	e.mu.RUnlock()

	now := e.now()
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.expiredAt(now) {
			rec.mu.Unlock()
			e.destroy(rec, true)
			continue
		}
		info := rec.info()
		rec.mu.Unlock()
		if !fn(info) {
			return
		}
	}
}

// Count returns the number of materialized (possibly expired-but-unswept)
// records of one kind.
func (e *Engine) Count(kind Kind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records[kind])
}

// EvictionCount returns the number of group-cap evictions so far.
func (e *Engine) EvictionCount() int64 {
	return e.evictions.Load()
}

// RecomputeExpirations re-applies the policy chain to every live record
// of one kind and state name, after a global timeout change. Records with
// a pinned per-session override are excluded. Ordering against concurrent
// accesses is last-writer-wins.
func (e *Engine) RecomputeExpirations(kind Kind, stateName string) {
	e.mu.RLock()
	recs := make([]*Record, 0, len(e.records[kind]))
	for _, rec := range e.records[kind] {
		if rec.Key.StateName == stateName {
			recs = append(recs, rec)
		}
	}
	e.mu.RUnlock()

	policy := e.policy.resolve(kind, stateName)
	now := e.now()
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.isPinned() && !rec.expiredAt(now) {
			if policy.Finite {
				rec.Expiration = rec.LastAccess.Add(policy.D)
			} else {
				rec.Expiration = time.Time{}
			}
		}
		rec.mu.Unlock()
	}
}

// statusOf reports the observable state of one record at now.
func (e *Engine) statusOf(rec *Record) Status {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.expiredAt(e.now()) {
		return Expired
	}
	return Alive
}
