package store

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/bbolt"
)

var committedBucket = []byte("committed")

// BoltStore keeps the committed mapping in a bbolt file so it survives restarts. Only committed values are
// persisted; there is no write-ahead log of proposals.
type BoltStore struct {
	conn   *bbolt.DB
	logger hclog.Logger
}

// NewBoltStore opens (or creates) the bbolt database at path
func NewBoltStore(path string, logger hclog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(committedBucket); err != nil {
			return fmt.Errorf("failed to create committed bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{conn: db, logger: logger.Named("store")}, nil
}

func (b *BoltStore) Apply(entries []ChangeEntry) error {
	if err := checkCommitted(entries); err != nil {
		return err
	}

	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(committedBucket)
		for _, e := range entries {
			if err := bucket.Put([]byte(e.Key), []byte(e.Value)); err != nil {
				return fmt.Errorf("failed to put %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Replace(entries []ChangeEntry) error {
	if err := checkCommitted(entries); err != nil {
		return err
	}

	// Dropping and recreating the bucket inside one transaction keeps readers from seeing a half replaced mapping.
	return b.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(committedBucket); err != nil {
			return fmt.Errorf("failed to drop committed bucket: %w", err)
		}
		bucket, err := tx.CreateBucket(committedBucket)
		if err != nil {
			return fmt.Errorf("failed to recreate committed bucket: %w", err)
		}
		for _, e := range entries {
			if err := bucket.Put([]byte(e.Key), []byte(e.Value)); err != nil {
				return fmt.Errorf("failed to put %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(committedBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		// bbolt memory is only valid for the lifetime of the transaction, string() copies it
		value, found = string(data), true
		return nil
	})
	return value, found, err
}

func (b *BoltStore) All() (map[string]string, error) {
	out := make(map[string]string)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(committedBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) Close() error {
	return b.conn.Close()
}
