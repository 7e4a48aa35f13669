package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Bucket names in bbolt
var (
	bucketRecords = []byte("records")
	bucketPasses  = []byte("passes")
	bucketMeta    = []byte("meta")

	keyRevision = []byte("current_revision")
)

// BoltStore keeps decision records and corrective pass counters in a local
// bbolt file. Records are keyed by object path then revision, so the
// history of one object is a contiguous range.
type BoltStore struct {
	mu         sync.Mutex
	db         *bbolt.DB
	currentRev uint64
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketPasses, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Name identifies the store in logs and metrics
func (s *BoltStore) Name() string {
	return "bolt"
}

// Put appends a decision record
func (s *BoltStore) Put(_ context.Context, rec types.DecisionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Put(makeRecordKey(rec.ObjectPath, rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, uint64ToBytes(rev))
	})
	if err != nil {
		return fmt.Errorf("%w: bolt put: %v", types.ErrRecorderFailure, err)
	}

	s.currentRev = rev
	return nil
}

// RecordsFor returns the records of one object path in write order
func (s *BoltStore) RecordsFor(_ context.Context, objectPath string) ([]types.DecisionRecord, error) {
	prefix := append([]byte(objectPath), 0)

	var out []types.DecisionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// RecordsSince returns every record newer than since
func (s *BoltStore) RecordsSince(_ context.Context, since time.Time) ([]types.DecisionRecord, error) {
	var out []types.DecisionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec types.DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			if rec.Timestamp.After(since) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// CurrentRevision returns the revision of the last written record
func (s *BoltStore) CurrentRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRev
}

// Compact removes records older than cutoff
func (s *BoltStore) Compact(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	return removed, err
}

func (s *BoltStore) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyRevision)
		if data != nil {
			s.currentRev = bytesToUint64(data)
		}
		return nil
	})
}

// makeRecordKey is path, NUL, big-endian revision
func makeRecordKey(objectPath string, rev uint64) []byte {
	key := make([]byte, 0, len(objectPath)+9)
	key = append(key, objectPath...)
	key = append(key, 0)
	return append(key, uint64ToBytes(rev)...)
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
