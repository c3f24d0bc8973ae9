package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

const boltBucket = "graphchat"

type BoltKV struct {
	db        *bolt.DB
	closeOnce sync.Once
}

var _ KV = (*BoltKV)(nil)

func OpenBolt(path string) (*BoltKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, xerrors.Errorf("failed to create state directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to create bucket: %w", err)
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return xerrors.Errorf("bucket %s not found", boltBucket)
		}
		// bolt values are only valid for the life of the transaction
		if v := bucket.Get([]byte(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	return value, err
}

func (b *BoltKV) Put(ctx context.Context, key string, value []byte) error {
	return b.PutBatch(ctx, Entry{Key: key, Value: value})
}

func (b *BoltKV) PutBatch(_ context.Context, entries ...Entry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return xerrors.Errorf("bucket %s not found", boltBucket)
		}
		for _, e := range entries {
			if err := bucket.Put([]byte(e.Key), e.Value); err != nil {
				return xerrors.Errorf("failed to put %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (b *BoltKV) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.db.Close()
	})
	return err
}
