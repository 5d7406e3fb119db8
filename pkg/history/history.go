// Package history keeps an append-only audit log of every mail that
// reached a terminal disposition (delivered, bounced, failed). Backed by
// BoltDB; the router appends, the gateway reads.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketByID    = []byte("by_id")
)

// Record is one terminal disposition of a mail
type Record struct {
	Mail        *types.Mail      `json:"mail"`
	Disposition types.MailStatus `json:"disposition"`
	Detail      string           `json:"detail,omitempty"`
	At          time.Time        `json:"at"`
}

// Store is the BoltDB-backed history log
type Store struct {
	db *bolt.DB
}

// Open creates or opens the history database at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errdefs.ErrIO, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketByID} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a terminal disposition for a mail
func (s *Store) Append(m *types.Mail, disposition types.MailStatus, detail string) error {
	rec := &Record{Mail: m, Disposition: disposition, Detail: detail, At: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal history record: %v", errdefs.ErrValidation, err)
	}

	key := []byte(fmt.Sprintf("%020d-%s", rec.At.UnixNano(), m.ID))
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketByID).Put([]byte(m.ID), key)
	})
}

// Get returns the latest record for a mail id
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketByID).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: mail %s", errdefs.ErrNotFound, id)
		}
		data := tx.Bucket(bucketRecords).Get(key)
		if data == nil {
			return fmt.Errorf("%w: mail %s", errdefs.ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
