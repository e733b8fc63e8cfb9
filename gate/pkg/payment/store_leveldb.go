package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var leveldbPrefix = []byte("consumed/")

// LevelDBStore keeps consumed hashes in an embedded LevelDB for single-node deployments that
// need durability without a database server. LevelDB locks its directory to one process, so an
// in-process mutex makes Consume atomic.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDBStore opens or creates the store at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("payment: open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) key(hash string) []byte {
	return append(append([]byte{}, leveldbPrefix...), hash...)
}

func (s *LevelDBStore) Lookup(_ context.Context, hash string) (Consumption, bool, error) {
	raw, err := s.db.Get(s.key(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Consumption{}, false, nil
	}
	if err != nil {
		return Consumption{}, false, fmt.Errorf("payment: leveldb lookup: %w", err)
	}
	var c Consumption
	if err := json.Unmarshal(raw, &c); err != nil {
		return Consumption{}, true, fmt.Errorf("payment: decode consumption %s: %w", hash, err)
	}
	return c, true, nil
}

func (s *LevelDBStore) Consume(_ context.Context, c Consumption) (bool, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("payment: encode consumption: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(c.TxHash)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("payment: leveldb has: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := s.db.Put(key, raw, &opt.WriteOptions{Sync: true}); err != nil {
		return false, fmt.Errorf("payment: leveldb put: %w", err)
	}
	return true, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
