package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// Bucket names
	sessionsBucket = []byte("sessions")
	metadataBucket = []byte("metadata")

	// Metadata keys
	nextSessionIDKey = []byte("nextSessionID")
)

// BboltStore is a SessionStore backed by a single bbolt file
type BboltStore struct {
	conn *bbolt.DB
}

var _ SessionStore = (*BboltStore)(nil)

// NewBboltStore opens or creates the session database at path
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return fmt.Errorf("failed to create sessions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

// SaveSession writes the record, replacing any previous version
func (b *BboltStore) SaveSession(rec *SessionRecord) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		return bucket.Put(uint64ToBytes(rec.ID), rec.Marshal())
	})
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (b *BboltStore) DeleteSession(id uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(uint64ToBytes(id))
	})
}

// LoadSessions returns every stored session ordered by id
func (b *BboltStore) LoadSessions() ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := b.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			rec := &SessionRecord{}
			if err := rec.Unmarshal(v); err != nil {
				return fmt.Errorf("failed to unmarshal session %d: %w", bytesToUint64(k), err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// NextSessionID returns the persisted next session id, or 1 if none was persisted yet
func (b *BboltStore) NextSessionID() (uint64, error) {
	next := uint64(1)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(nextSessionIDKey)
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("%w: next session id has %d bytes", ErrCorruptRecord, len(data))
		}
		next = bytesToUint64(data)
		return nil
	})
	return next, err
}

// SaveNextSessionID persists the next session id
func (b *BboltStore) SaveNextSessionID(id uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(nextSessionIDKey, uint64ToBytes(id))
	})
}

// Close closes the storage connection
func (b *BboltStore) Close() error {
	return b.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion. Big endian keys keep the bucket ordered by id.
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
