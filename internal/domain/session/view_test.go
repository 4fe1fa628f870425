package session

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory PersistentStore for engine tests.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]map[string]PersistentRow
	deletes chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string]map[string]PersistentRow),
		deletes: make(chan string, 16),
	}
}

func (s *fakeStore) Put(_ context.Context, table, token string, row PersistentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[table] == nil {
		s.rows[table] = make(map[string]PersistentRow)
	}
	s.rows[table][token] = row
	return nil
}

func (s *fakeStore) Get(_ context.Context, table, token string) (PersistentRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[table][token]
	return row, ok, nil
}

func (s *fakeStore) Delete(_ context.Context, table, token string) error {
	s.mu.Lock()
	delete(s.rows[table], token)
	s.mu.Unlock()
	select {
	case s.deletes <- token:
	default:
	}
	return nil
}

func (s *fakeStore) Fold(_ context.Context, table string, fn func(string, PersistentRow) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, row := range s.rows[table] {
		if !fn(token, row) {
			return nil
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func TestRequestScopeCache(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	e.Seal()

	ctx := context.Background()
	key := Key{Kind: KindVolatileData, Scope: Scope{Class: ScopeRequest}, StateName: "tmp"}

	v := e.NewView(false, nil)
	if err := v.Set(ctx, key, "n", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	res, err := v.Get(ctx, key, "n")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != DataPresent || res.Value != 42 {
		t.Fatalf("request cache miss: %v/%v", res.Status, res.Value)
	}
	if len(v.CookieDeltas()) != 0 {
		t.Fatal("request scope must never emit cookies")
	}
	if got := e.Count(KindVolatileData); got != 0 {
		t.Fatalf("request scope must not materialize records, got %d", got)
	}

	// A new view (next request) starts empty.
	res, err = e.NewView(false, nil).Get(ctx, key, "n")
	if err != nil {
		t.Fatalf("Get fresh view: %v", err)
	}
	if res.Status != NoData {
		t.Fatalf("expected NoData in a fresh view, got %v", res.Status)
	}
}

func TestSecureCookieSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	insecureKey := sessionKey("sel")
	secureKey := insecureKey
	secureKey.Secure = true

	t.Run("fallback disabled", func(t *testing.T) {
		t.Parallel()
		e := NewEngine()
		e.Seal()

		v := e.NewView(false, nil)
		if err := v.Set(ctx, insecureKey, "x", "plain"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		pairs := pairsFromDeltas(v.CookieDeltas())

		// A secure request asking for the secure variant must not see
		// the insecure record.
		if st := e.NewView(true, pairs).Status(secureKey); st != Empty {
			t.Fatalf("expected Empty without fallback, got %v", st)
		}
	})

	t.Run("fallback enabled", func(t *testing.T) {
		t.Parallel()
		e := NewEngine(WithSecureFallback(true))
		e.Seal()

		v := e.NewView(false, nil)
		if err := v.Set(ctx, insecureKey, "x", "plain"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		pairs := pairsFromDeltas(v.CookieDeltas())

		res, err := e.NewView(true, pairs).Get(ctx, secureKey, "x")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if res.Status != DataPresent || res.Value != "plain" {
			t.Fatalf("fallback read failed: %v/%v", res.Status, res.Value)
		}
	})

	t.Run("insecure request never sees secure cookie", func(t *testing.T) {
		t.Parallel()
		e := NewEngine(WithSecureFallback(true))
		e.Seal()

		v := e.NewView(true, nil)
		if err := v.Set(ctx, secureKey, "x", "secret"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		pairs := pairsFromDeltas(v.CookieDeltas())

		if st := e.NewView(false, pairs).Status(secureKey); st != Empty {
			t.Fatalf("insecure transport must not resolve the secure record, got %v", st)
		}
	})
}

func TestTabProcessInheritsSessionGroup(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	e.Seal()

	ctx := context.Background()
	sesKey := Key{
		Kind:      KindVolatileData,
		Scope:     Scope{Class: ScopeSession, Name: "main"},
		StateName: "root",
	}

	v := e.NewView(false, nil)
	if err := v.Set(ctx, sesKey, "x", 1); err != nil {
		t.Fatalf("Set session: %v", err)
	}
	if err := v.BindGroup(sesKey, "workgroup"); err != nil {
		t.Fatalf("BindGroup: %v", err)
	}
	pairs := pairsFromDeltas(v.CookieDeltas())

	// A later request from the same browser opens a tab-process session.
	tabKey := Key{
		Kind:      KindVolatileData,
		Scope:     Scope{Class: ScopeTabProcess, Name: "main"},
		StateName: "root",
	}
	v = e.NewView(false, pairs)
	if err := v.Set(ctx, tabKey, "y", 2); err != nil {
		t.Fatalf("Set tab: %v", err)
	}
	tabPairs := pairsFromDeltas(v.CookieDeltas())
	if len(tabPairs) != 1 {
		t.Fatalf("expected one tab cookie, got %d", len(tabPairs))
	}

	rec, ok := e.lookup(KindVolatileData, tabPairs[0].Value)
	if !ok {
		t.Fatal("tab record not materialized")
	}
	if rec.Group != "workgroup" {
		t.Fatalf("tab session must inherit the parent group, got %q", rec.Group)
	}
}

func TestDiscardDataLeavesPersistent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e := NewEngine(WithPersistentStore(store))
	e.Seal()

	ctx := context.Background()
	scope := Scope{Class: ScopeSession, Name: "main"}
	volKey := Key{Kind: KindVolatileData, Scope: scope, StateName: "mix"}
	perKey := Key{Kind: KindPersistentData, Scope: scope, StateName: "mix"}

	v := e.NewView(false, nil)
	if err := v.Set(ctx, volKey, "v", "volatile"); err != nil {
		t.Fatalf("Set volatile: %v", err)
	}
	if err := v.Set(ctx, perKey, "p", []byte("durable")); err != nil {
		t.Fatalf("Set persistent: %v", err)
	}
	pairs := pairsFromDeltas(v.CookieDeltas())

	v = e.NewView(false, pairs)
	v.DiscardData(scope, "mix", false)

	if st := v.Status(volKey); st != Empty {
		t.Fatalf("volatile half should be gone, got %v", st)
	}
	res, err := v.Get(ctx, perKey, "p")
	if err != nil {
		t.Fatalf("Get persistent: %v", err)
	}
	if res.Status != DataPresent || !bytes.Equal(res.Value.([]byte), []byte("durable")) {
		t.Fatalf("persistent half must survive, got %v/%v", res.Status, res.Value)
	}
}

func TestDiscardIncludingPersistent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e := NewEngine(WithPersistentStore(store))
	e.Seal()

	ctx := context.Background()
	scope := Scope{Class: ScopeSession, Name: "main"}
	perKey := Key{Kind: KindPersistentData, Scope: scope, StateName: "gone"}

	v := e.NewView(false, nil)
	if err := v.Set(ctx, perKey, "p", []byte("doomed")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	pairs := pairsFromDeltas(v.CookieDeltas())
	token := pairs[0].Value

	v = e.NewView(false, pairs)
	v.DiscardData(scope, "gone", true)

	// The durable delete is asynchronous.
	select {
	case got := <-store.deletes:
		if got != token {
			t.Fatalf("deleted token %q, want %q", got, token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("durable delete never issued")
	}

	var unsets int
	for _, sc := range v.CookieDeltas() {
		if sc.Unset {
			unsets++
		}
	}
	if unsets == 0 {
		t.Fatal("discard must emit an expiring cookie")
	}
}

func TestPersistentRehydrateAfterRestart(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	ctx := context.Background()
	scope := Scope{Class: ScopeSession, Name: "main"}
	perKey := Key{Kind: KindPersistentData, Scope: scope, StateName: "saved"}

	first := NewEngine(WithPersistentStore(store))
	first.Seal()
	v := first.NewView(false, nil)
	if err := v.Set(ctx, perKey, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	pairs := pairsFromDeltas(v.CookieDeltas())

	// A fresh engine over the same store simulates a restart.
	second := NewEngine(WithPersistentStore(store))
	second.Seal()
	res, err := second.NewView(false, pairs).Get(ctx, perKey, "greeting")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if res.Status != DataPresent || !bytes.Equal(res.Value.([]byte), []byte("hello")) {
		t.Fatalf("rehydration failed: %v/%v", res.Status, res.Value)
	}
}

func TestPersistentSetRequiresBytes(t *testing.T) {
	t.Parallel()
	e := NewEngine(WithPersistentStore(newFakeStore()))
	e.Seal()

	key := Key{
		Kind:      KindPersistentData,
		Scope:     Scope{Class: ScopeSession, Name: "main"},
		StateName: "typed",
	}
	if err := e.NewView(false, nil).Set(context.Background(), key, "x", 42); err == nil {
		t.Fatal("non-[]byte persistent value must be rejected")
	}
}

func TestServiceBindings(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	e.Seal()

	key := Key{
		Kind:  KindService,
		Scope: Scope{Class: ScopeSession, Name: "main"},
	}
	v := e.NewView(false, nil)
	if _, ok := v.ServiceBinding(key, "widgets", "cart"); ok {
		t.Fatal("binding lookup must not create sessions")
	}
	if got := e.Count(KindService); got != 0 {
		t.Fatalf("lookup materialized %d records", got)
	}

	if err := v.BindService(key, "widgets", "cart", "cart-handler"); err != nil {
		t.Fatalf("BindService: %v", err)
	}
	pairs := pairsFromDeltas(v.CookieDeltas())

	got, ok := e.NewView(false, pairs).ServiceBinding(key, "widgets", "cart")
	if !ok || got != "cart-handler" {
		t.Fatalf("binding lookup: %v/%v", got, ok)
	}

	v = e.NewView(false, pairs)
	v.DiscardServices(Scope{Class: ScopeSession, Name: "main"}, "")
	if _, ok := e.NewView(false, pairs).ServiceBinding(key, "widgets", "cart"); ok {
		t.Fatal("discarded binding still resolvable")
	}
}
