package progress

import "time"

// MemStore is the fallback store used when local storage is unavailable.
// Progress kept here does not survive a restart; the engine keeps working
// against server state, trading offline resilience for availability.
type MemStore struct {
	recs map[string]Record
}

func NewMemStore() *MemStore { return &MemStore{recs: map[string]Record{}} }

func (m *MemStore) Load(id string) (Record, bool, error) {
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *MemStore) Save(rec Record) error {
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	m.recs[rec.ID] = rec
	return nil
}

func (m *MemStore) Delete(id string) error {
	delete(m.recs, id)
	return nil
}

func (m *MemStore) Close() error { return nil }
