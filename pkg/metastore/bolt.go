package metastore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nexus-kernel/nexus/pkg/metrics"
)

var dataBucket = []byte("metastore")

// BoltMetastore is the embedded single-node Metastore driver, used by dev
// deployments and single-node kernels that don't need raft replication.
type BoltMetastore struct {
	db *bolt.DB
}

// NewBoltMetastore opens (creating if absent) a bbolt file under dataDir.
func NewBoltMetastore(dataDir string) (*BoltMetastore, error) {
	path := filepath.Join(dataDir, "metastore.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metastore db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltMetastore{db: db}, nil
}

func etagOf(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:8])
}

func (m *BoltMetastore) Put(ctx context.Context, key, value []byte, expectedEtag string) (string, error) {
	var etag string
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		current := b.Get(key)
		if expectedEtag != "" {
			var currentEtag string
			if current != nil {
				currentEtag = etagOf(current)
			}
			if currentEtag != expectedEtag {
				return stale("metastore.Put", key)
			}
		}
		etag = etagOf(value)
		return b.Put(key, value)
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func (m *BoltMetastore) Get(ctx context.Context, key []byte) ([]byte, string, error) {
	var value []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		v := b.Get(key)
		if v == nil {
			return notFound("metastore.Get", key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return value, etagOf(value), nil
}

func (m *BoltMetastore) Delete(ctx context.Context, key []byte, expectedEtag string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		current := b.Get(key)
		if current == nil {
			return notFound("metastore.Delete", key)
		}
		if expectedEtag != "" && etagOf(current) != expectedEtag {
			return stale("metastore.Delete", key)
		}
		return b.Delete(key)
	})
}

type boltIterator struct {
	items []KV
	pos   int
}

func (it *boltIterator) Next() (KV, bool, error) {
	if it.pos >= len(it.items) {
		return KV{}, false, nil
	}
	kv := it.items[it.pos]
	it.pos++
	return kv, true, nil
}

func (it *boltIterator) Close() error { return nil }

func (m *BoltMetastore) PrefixScan(ctx context.Context, prefix, startAfter []byte, limit int) (Iterator, error) {
	var items []KV
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		seek := prefix
		if startAfter != nil {
			seek = append(append([]byte(nil), startAfter...), 0x00)
		}
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if startAfter != nil && bytes.Compare(k, startAfter) <= 0 {
				continue
			}
			items = append(items, KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
				Etag:  etagOf(v),
			})
			if limit > 0 && len(items) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltIterator{items: items}, nil
}

func (m *BoltMetastore) CompareAndSwap(ctx context.Context, key, expected, newValue []byte) (string, error) {
	var etag string
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		current := b.Get(key)
		if expected == nil {
			if current != nil {
				return conflict("metastore.CompareAndSwap", key)
			}
		} else if !bytes.Equal(current, expected) {
			return conflict("metastore.CompareAndSwap", key)
		}
		etag = etagOf(newValue)
		return b.Put(key, newValue)
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func (m *BoltMetastore) Close() error {
	return m.db.Close()
}

// Probe satisfies metrics.Prober.
func (m *BoltMetastore) Probe() metrics.PillarHealth {
	if m.db == nil {
		return metrics.PillarHealth{Name: "metastore", Healthy: false, Message: "not initialized"}
	}
	return metrics.PillarHealth{Name: "metastore", Healthy: true}
}
