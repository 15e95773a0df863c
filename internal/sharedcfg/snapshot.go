package sharedcfg

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("sharedcfg")
	valuesKey  = []byte("values")
)

// Snapshot is the leader's local copy of the shared settings.
type Snapshot struct {
	db *bolt.DB
}

func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	return &Snapshot{db: db}, nil
}

func (s *Snapshot) Save(v Values) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put(valuesKey, data)
	})
}

// Load returns the stored values; ok is false when nothing was saved yet.
func (s *Snapshot) Load() (v Values, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		data := b.Get(valuesKey)
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &v)
	})
	return v, ok, err
}

func (s *Snapshot) Close() error { return s.db.Close() }
