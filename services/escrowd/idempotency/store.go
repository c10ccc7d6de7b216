// Package idempotency caches responses of mutating requests carrying an
// Idempotency-Key header so retries replay the original outcome.
package idempotency

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

var (
	bucketResponses = []byte("responses")

	// ErrKeyReused is returned when a key is presented again with a different
	// request body or target.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// Record stores the cached response for an idempotency key.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists idempotent responses in BoltDB.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open initialises the bbolt file at path.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached record for key. Expired records are deleted and
// reported as absent; a live record with another fingerprint yields
// ErrKeyReused.
func (s *Store) Lookup(key, fingerprint string) (Record, bool, error) {
	var record Record
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if s.now().After(record.ExpiresAt) {
			record = Record{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	if record.Fingerprint != fingerprint {
		return Record{}, false, ErrKeyReused
	}
	return record, true, nil
}

// Save stores the response envelope for key.
func (s *Store) Save(key, fingerprint string, status int, body []byte) error {
	now := s.now()
	payload, err := json.Marshal(Record{
		Fingerprint: fingerprint,
		StatusCode:  status,
		Body:        bytes.Clone(body),
		StoredAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), payload)
	})
}

// Prune removes expired records and reports how many were dropped.
func (s *Store) Prune() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
