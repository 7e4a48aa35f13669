package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

type passRecord struct {
	Count   int       `json:"count"`
	Expires time.Time `json:"expires"`
}

// PassCounter persists corrective pass counts, so the bound on re-emission
// loops survives restarts of a long-running consumer.
type PassCounter struct {
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

// PassCounter returns a counter sharing this store's database
func (s *BoltStore) PassCounter(ttl time.Duration) *PassCounter {
	return &PassCounter{db: s.db, ttl: ttl, now: time.Now}
}

// Count returns the unexpired count for objectID
func (p *PassCounter) Count(_ context.Context, objectID string) (int, error) {
	var count int
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPasses).Get([]byte(objectID))
		if data == nil {
			return nil
		}
		var rec passRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode pass count: %w", err)
		}
		if !p.now().After(rec.Expires) {
			count = rec.Count
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count passes for %s: %w", objectID, err)
	}
	return count, nil
}

// Increment records a corrective pass and returns the new count
func (p *PassCounter) Increment(_ context.Context, objectID string) (int, error) {
	var count int
	err := p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPasses)
		now := p.now()

		rec := passRecord{}
		if data := bucket.Get([]byte(objectID)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode pass count: %w", err)
			}
			if now.After(rec.Expires) {
				rec = passRecord{}
			}
		}

		rec.Count++
		rec.Expires = now.Add(p.ttl)
		count = rec.Count

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(objectID), data)
	})
	if err != nil {
		return 0, fmt.Errorf("increment passes for %s: %w", objectID, err)
	}
	return count, nil
}

// Reset clears the count for objectID
func (p *PassCounter) Reset(_ context.Context, objectID string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPasses).Delete([]byte(objectID))
	})
}

// Sweep drops expired counters and returns how many were removed
func (p *PassCounter) Sweep() (int, error) {
	removed := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPasses)
		now := p.now()

		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec passRecord
			if err := json.Unmarshal(v, &rec); err != nil || now.After(rec.Expires) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
