package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCache survives a process restart without an external service,
// the middle ground between MemoryCache and RedisCache.
type BadgerCache struct {
	db *badger.DB
}

func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	c := &BadgerCache{db: db}
	go c.runGC()
	return c, nil
}

func (c *BadgerCache) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache: badger get: %w", err)
	}
	return out, nil
}

func (c *BadgerCache) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (c *BadgerCache) Delete(_ context.Context, key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (c *BadgerCache) Clear(_ context.Context) error {
	return c.db.DropAll()
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}

func (c *BadgerCache) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
	again:
		if err := c.db.RunValueLogGC(0.5); err == nil {
			goto again
		}
	}
}
