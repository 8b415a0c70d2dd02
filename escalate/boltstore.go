package escalate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var incidentBucket = []byte("incidents")

// BoltStore is a bbolt-backed incident Store. It never deletes records,
// making it the durable choice for audit retention.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a Store backed by the given bbolt database.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(incidentBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating incident bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// NewBoltStoreFromFile opens a bbolt database at the given path and returns
// a new BoltStore.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltStore(db)
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// key orders incidents by creation time so List can walk the bucket
// backwards for newest-first.
func key(inc *Incident) []byte {
	return []byte(inc.CreatedAt.UTC().Format(time.RFC3339Nano) + ":" + inc.ID)
}

func (s *BoltStore) Create(_ context.Context, inc *Incident) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(incidentBucket)
		data, err := json.Marshal(inc)
		if err != nil {
			return err
		}
		if err := b.Put(key(inc), data); err != nil {
			return err
		}
		// Secondary id index for O(1) Get.
		return b.Put(idKey(inc.ID), key(inc))
	})
}

func idKey(id string) []byte {
	return []byte("id:" + id)
}

func (s *BoltStore) Get(_ context.Context, id string) (*Incident, error) {
	var inc Incident
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(incidentBucket)
		ref := b.Get(idKey(id))
		if ref == nil {
			return fmt.Errorf("%s: %w", id, ErrIncidentNotFound)
		}
		data := b.Get(ref)
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrIncidentNotFound)
		}
		return json.Unmarshal(data, &inc)
	})
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *BoltStore) Update(_ context.Context, inc *Incident) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(incidentBucket)
		ref := b.Get(idKey(inc.ID))
		if ref == nil {
			return fmt.Errorf("%s: %w", inc.ID, ErrIncidentNotFound)
		}
		// Copy: slices returned by Get are invalidated by writes in this tx.
		ref = append([]byte(nil), ref...)
		data, err := json.Marshal(inc)
		if err != nil {
			return err
		}
		return b.Put(ref, data)
	})
}

func (s *BoltStore) List(_ context.Context) ([]*Incident, error) {
	var out []*Incident
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(incidentBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if len(k) > 3 && string(k[:3]) == "id:" {
				continue
			}
			var inc Incident
			if err := json.Unmarshal(v, &inc); err != nil {
				continue
			}
			out = append(out, &inc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
