package services

import (
	"context"
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the session persistence port on top of a BoltDB file. All keys live in a single
// bucket; values are stored as given.
type BoltDB struct {
	db *bolt.DB
}

var sessionBucket = []byte("session")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with the required bucket and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Load retrieves the value stored under key. The returned slice is a copy, safe to keep after the
// transaction ends.
func (b BoltDB) Load(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionBucket)
		if bucket == nil {
			return nil
		}

		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		value = slices.Clone(v)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, found, nil
}

// Save stores value under key, replacing any previous value.
func (b BoltDB) Save(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
