package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Store persists the outbox. Put overwrites by key.
type Store interface {
	Put(op Op) error
	Delete(key string) error
	All() ([]Op, error)
	Close() error
}

type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]Op
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]Op)}
}

func (m *MemoryStore) Put(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.Key] = op
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, key)
	return nil
}

func (m *MemoryStore) All() ([]Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	sortOps(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var bucket = []byte("outbox")

// BoltStore keeps the outbox in a bbolt file so unsent actions survive a
// restart of the client.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "outbox: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "outbox: create bucket")
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Put(op Op) error {
	enc, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "outbox: encode op")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(op.Key), enc)
	})
}

func (b *BoltStore) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (b *BoltStore) All() ([]Op, error) {
	var out []Op
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var op Op
			if err := json.Unmarshal(v, &op); err != nil {
				// Skip malformed
				return nil
			}
			out = append(out, op)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "outbox: load")
	}
	sortOps(out)
	return out, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

func sortOps(ops []Op) {
	slices.SortFunc(ops, func(a, b Op) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})
}
