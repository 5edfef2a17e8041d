package storage

import (
	"sort"
	"sync"
)

// MemoryStore is a SessionStore that keeps encoded records in memory. It goes through the same encoding as the
// durable store, so it is a faithful stand-in in tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uint64][]byte
	nextID   uint64
}

var _ SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uint64][]byte),
		nextID:   1,
	}
}

func (m *MemoryStore) SaveSession(rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec.Marshal()
	return nil
}

func (m *MemoryStore) DeleteSession(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) LoadSessions() ([]*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]*SessionRecord, 0, len(m.sessions))
	for _, data := range m.sessions {
		rec := &SessionRecord{}
		if err := rec.Unmarshal(data); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (m *MemoryStore) NextSessionID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID, nil
}

func (m *MemoryStore) SaveNextSessionID(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = id
	return nil
}

func (m *MemoryStore) Close() error { return nil }
