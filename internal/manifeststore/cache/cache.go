// Package cache is an owned-singleton read cache in front of the Manifest
// Store's "latest published manifest" lookup. Per spec.md §5, the cache is
// advisory: stale reads are tolerated, so invalidation is event-driven
// rather than synchronous with every write.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/model"
)

type key struct {
	datasetID string
	shard     string
}

type entry struct {
	manifest  model.Manifest
	cachedAt  time.Time
}

// Cache wraps a *manifeststore.Store with a bounded-TTL read-through cache,
// explicitly constructed and closed rather than kept as package-level
// global state (spec.md §9's "global caches → explicitly-owned components").
type Cache struct {
	log   *slog.Logger
	store *manifeststore.Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[key]entry

	unsubscribe func()
}

// New wires a Cache to bus, invalidating entries as soon as a new manifest
// is published or superseded for a dataset+shard. ttl is a backstop in case
// an invalidation event is ever dropped (the bus is fan-out, drop-on-full).
func New(log *slog.Logger, store *manifeststore.Store, bus *events.InProcess, ttl time.Duration) *Cache {
	c := &Cache{
		log:     log,
		store:   store,
		ttl:     ttl,
		entries: make(map[key]entry),
	}

	stopCh := make(chan struct{})
	partitionCh := bus.Subscribe(events.TopicPartitionCreated, 64)
	schemaCh := bus.Subscribe(events.TopicSchemaEvolved, 64)

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case env := <-partitionCh:
				if p, ok := env.Payload.(events.PartitionCreated); ok {
					c.invalidateManifest(p.DatasetID, p.ManifestID)
				}
			case env := <-schemaCh:
				if e, ok := env.Payload.(events.SchemaEvolved); ok {
					c.invalidateManifest(e.DatasetID, e.ManifestID)
					if e.PreviousManifestID != nil {
						c.invalidateManifest(e.DatasetID, *e.PreviousManifestID)
					}
				}
			}
		}
	}()
	c.unsubscribe = func() { close(stopCh) }

	return c
}

// Close stops the invalidation listener. Entries already cached stay in
// place but are no longer invalidated by events; callers should not use the
// Cache after Close.
func (c *Cache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// GetLatestPublishedManifest serves from cache when the entry is present
// and younger than the TTL, otherwise loads from the store and caches the
// result.
func (c *Cache) GetLatestPublishedManifest(ctx context.Context, datasetID, shard string) (model.Manifest, error) {
	k := key{datasetID: datasetID, shard: shard}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && time.Since(e.cachedAt) < c.ttl {
		return e.manifest, nil
	}

	m, err := c.store.GetLatestPublishedManifest(ctx, datasetID, &shard)
	if err != nil {
		return model.Manifest{}, err
	}

	c.mu.Lock()
	c.entries[k] = entry{manifest: m, cachedAt: time.Now()}
	c.mu.Unlock()
	return m, nil
}

// Put warms the cache with a manifest the caller just wrote, so the next
// read doesn't pay a round trip to the store. Best-effort: callers do not
// need to check for an error because there isn't one.
func (c *Cache) Put(datasetID, shard string, m model.Manifest) {
	c.mu.Lock()
	c.entries[key{datasetID: datasetID, shard: shard}] = entry{manifest: m, cachedAt: time.Now()}
	c.mu.Unlock()
}

// invalidateManifest drops every shard entry for datasetID whose cached
// manifest id matches manifestID. A dataset only ever has one cached entry
// per shard; the scan walks every entry in the cache.
func (c *Cache) invalidateManifest(datasetID, manifestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.datasetID == datasetID && e.manifest.ID == manifestID {
			delete(c.entries, k)
		}
	}
	c.log.Debug("manifest cache invalidated", "datasetId", datasetID, "manifestId", manifestID)
}
