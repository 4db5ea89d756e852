package cache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/livetable/livetable/internal/document"
	"github.com/livetable/livetable/internal/storage"
)

// Decorator wraps a storage.Adapter with a read-through cache in
// front of Get. List, ListCollections, and the change stream always
// go straight to the backend: a standing query's correctness depends
// on seeing every row the adapter would return, and caching a
// multi-row result invites staleness a single invalidation can't
// easily chase down. Every write invalidates the document's cache
// entry after the backend commit succeeds, so a cached Get can never
// observe a write the change log hasn't already recorded.
type Decorator struct {
	storage.Adapter
	cache Cache
	ttl   Options
	log   *zap.Logger
}

// NewDecorator returns adapter unchanged when cache is nil, so
// callers can construct a Decorator unconditionally and let the
// cache_backend = none case be a no-op wrapper.
func NewDecorator(adapter storage.Adapter, c Cache, opts Options, log *zap.Logger) storage.Adapter {
	if c == nil {
		return adapter
	}
	return &Decorator{Adapter: adapter, cache: c, ttl: opts, log: log}
}

func cacheKey(collection, id string) string {
	return collection + "/" + id
}

func (d *Decorator) Get(ctx context.Context, collection, id string) (document.Document, error) {
	key := cacheKey(collection, id)
	if raw, err := d.cache.Get(ctx, key); err == nil {
		var doc document.Document
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr == nil {
			return doc, nil
		}
	}

	doc, err := d.Adapter.Get(ctx, collection, id)
	if err != nil {
		return doc, err
	}
	if raw, err := json.Marshal(doc); err == nil {
		if err := d.cache.Set(ctx, key, raw, d.ttl.DefaultTTL); err != nil {
			d.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return doc, nil
}

func (d *Decorator) Update(ctx context.Context, collection, id string, payload []byte) (document.Document, error) {
	doc, err := d.Adapter.Update(ctx, collection, id, payload)
	if err == nil {
		d.invalidate(ctx, collection, id)
	}
	return doc, err
}

func (d *Decorator) Delete(ctx context.Context, collection, id string) (document.Document, error) {
	doc, err := d.Adapter.Delete(ctx, collection, id)
	if err == nil {
		d.invalidate(ctx, collection, id)
	}
	return doc, err
}

func (d *Decorator) invalidate(ctx context.Context, collection, id string) {
	if err := d.cache.Delete(ctx, cacheKey(collection, id)); err != nil {
		d.log.Warn("cache invalidate failed", zap.String("key", cacheKey(collection, id)), zap.Error(err))
	}
}

func (d *Decorator) Close() error {
	if err := d.cache.Close(); err != nil {
		d.log.Warn("cache close failed", zap.Error(err))
	}
	return d.Adapter.Close()
}
