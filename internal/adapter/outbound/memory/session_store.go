// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/domain/session"
)

// SessionStore implements session.PersistentStore with in-memory maps.
// Thread-safe for concurrent access. For development and testing; data
// does not survive restart, so "persistent" sessions behave like
// volatile ones with this store.
type SessionStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]session.PersistentRow
}

// NewSessionStore creates an empty in-memory store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		tables: make(map[string]map[string]session.PersistentRow),
	}
}

// Put upserts one row.
func (s *SessionStore) Put(ctx context.Context, table, token string, row session.PersistentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	if t == nil {
		t = make(map[string]session.PersistentRow)
		s.tables[table] = t
	}
	value := make([]byte, len(row.Value))
	copy(value, row.Value)
	t[token] = session.PersistentRow{Value: value, Expiration: row.Expiration}
	return nil
}

// Get fetches one live row; expired rows read as absent.
func (s *SessionStore) Get(ctx context.Context, table, token string) (session.PersistentRow, bool, error) {
	s.mu.RLock()
	row, ok := s.tables[table][token]
	s.mu.RUnlock()
	if !ok {
		return session.PersistentRow{}, false, nil
	}
	if !row.Expiration.IsZero() && !time.Now().Before(row.Expiration) {
		return session.PersistentRow{}, false, nil
	}
	value := make([]byte, len(row.Value))
	copy(value, row.Value)
	return session.PersistentRow{Value: value, Expiration: row.Expiration}, true, nil
}

// Delete removes one row; deleting an absent row is not an error.
func (s *SessionStore) Delete(ctx context.Context, table, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], token)
	return nil
}

// Fold iterates live rows in token order until fn returns false.
func (s *SessionStore) Fold(ctx context.Context, table string, fn func(token string, row session.PersistentRow) bool) error {
	s.mu.RLock()
	tokens := make([]string, 0, len(s.tables[table]))
	for token := range s.tables[table] {
		tokens = append(tokens, token)
	}
	s.mu.RUnlock()
	sort.Strings(tokens)

	now := time.Now()
	for _, token := range tokens {
		s.mu.RLock()
		row, ok := s.tables[table][token]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if !row.Expiration.IsZero() && !now.Before(row.Expiration) {
			continue
		}
		if !fn(token, row) {
			return nil
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *SessionStore) Close() error {
	return nil
}

// Size returns the number of rows in one table. Useful in tests.
func (s *SessionStore) Size(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// Compile-time interface verification.
var _ session.PersistentStore = (*SessionStore)(nil)
