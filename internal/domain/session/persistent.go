package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// persistentPayload is the engine-side encoding of one persistent
// session's durable row. The store treats it as opaque bytes.
type persistentPayload struct {
	Created time.Time         `json:"created"`
	Group   string            `json:"group,omitempty"`
	Fields  map[string][]byte `json:"fields"`
}

// rehydrate materializes an in-memory record from the durable store after
// a restart, when a client presents a persistent-session cookie whose
// record is not in the tables. Expired rows are not revived.
func (e *Engine) rehydrate(key Key, token string) (*Record, bool) {
	if e.store == nil || key.Kind != KindPersistentData {
		return nil, false
	}
	row, ok, err := e.store.Get(context.Background(), key.StateName, token)
	if err != nil {
		e.logger.Error("persistent session read failed",
			"table", key.StateName, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	now := e.now()
	if !row.Expiration.IsZero() && !now.Before(row.Expiration) {
		return nil, false
	}
	var payload persistentPayload
	if err := json.Unmarshal(row.Value, &payload); err != nil {
		e.logger.Warn("discarding undecodable persistent session",
			"table", key.StateName, "error", err)
		return nil, false
	}

	rec := &Record{
		Token:      token,
		Key:        key,
		Created:    payload.Created,
		LastAccess: now,
		Expiration: row.Expiration,
		Group:      payload.Group,
		data:       make(map[string]any, len(payload.Fields)),
	}
	if rec.Created.IsZero() {
		rec.Created = now
	}
	for field, raw := range payload.Fields {
		rec.data[field] = raw
	}

	e.mu.Lock()
	// A concurrent request may have rehydrated the same token already.
	if existing, dup := e.records[key.Kind][token]; dup {
		e.mu.Unlock()
		return existing, true
	}
	e.records[key.Kind][token] = rec
	e.mu.Unlock()

	if rec.Group != "" {
		e.joinGroup(rec)
	}
	return rec, true
}

// getPersistentField reads one field of a persistent record from its
// in-memory image (kept in sync with the durable row).
func (e *Engine) getPersistentField(ctx context.Context, rec *Record, field string) (DataResult, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	val, ok := rec.data[field]
	if !ok {
		return DataResult{Status: NoData}, nil
	}
	raw, isRaw := val.([]byte)
	if !isRaw {
		return DataResult{Status: NoData}, fmt.Errorf("persistent field %q holds %T", field, val)
	}
	return DataResult{Status: DataPresent, Value: raw}, nil
}

// setPersistentField updates the in-memory image under the record lock,
// then issues the durable write outside any lock. Completion is not
// awaited; the adapter's write queue orders writes per table.
func (e *Engine) setPersistentField(ctx context.Context, rec *Record, field string, value []byte) error {
	rec.mu.Lock()
	if rec.data == nil {
		rec.data = make(map[string]any)
	}
	rec.data[field] = value
	payload := persistentPayload{
		Created: rec.Created,
		Group:   rec.Group,
		Fields:  make(map[string][]byte, len(rec.data)),
	}
	for f, v := range rec.data {
		if raw, ok := v.([]byte); ok {
			payload.Fields[f] = raw
		}
	}
	expiration := rec.Expiration
	table := rec.Key.StateName
	token := rec.Token
	rec.mu.Unlock()

	if e.store == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding persistent session: %w", err)
	}
	if err := e.store.Put(ctx, table, token, PersistentRow{Value: raw, Expiration: expiration}); err != nil {
		return fmt.Errorf("writing persistent session: %w", err)
	}
	return nil
}
