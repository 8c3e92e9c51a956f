package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// SpaceRef is a stable identifier for a remote endpoint, "owner/name".
type SpaceRef string

// SpaceMetadata is the cached description of a remote endpoint.
type SpaceMetadata struct {
	Ref          SpaceRef
	Subdomain    string
	SDK          string
	Private      bool
	Emoji        string
	Title        string
	RuntimeStage string
	ETag         string
	FetchedAt    time.Time
}

// ToolDescriptor is a single callable tool on an endpoint, as normalized by
// schema.go.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// SchemaEntry is the cached tool list for one endpoint.
type SchemaEntry struct {
	Ref       SpaceRef
	Tools     []ToolDescriptor
	FetchedAt time.Time
}

type metadataEntry struct {
	value     SpaceMetadata
	fetchedAt time.Time
}

type schemaEntryRecord struct {
	value     SchemaEntry
	fetchedAt time.Time
}

// cacheCounters are hit/miss/revalidation counters kept for observability;
// they are never exposed on the tool-invocation protocol itself.
type cacheCounters struct {
	metadataHits          atomic.Int64
	metadataMisses        atomic.Int64
	metadataRevalidations atomic.Int64
	schemaHits            atomic.Int64
	schemaMisses          atomic.Int64
}

// TwoLevelCache holds the metadata and schema caches behind independent
// single-writer/many-reader locks: no network I/O ever happens while a lock
// is held.
type TwoLevelCache struct {
	metadataTTL time.Duration
	schemaTTL   time.Duration

	metaMu   sync.RWMutex
	metadata map[SpaceRef]metadataEntry

	schemaMu sync.RWMutex
	schemas  map[SpaceRef]schemaEntryRecord

	counters cacheCounters
}

func newTwoLevelCache(metadataTTL, schemaTTL time.Duration) *TwoLevelCache {
	return &TwoLevelCache{
		metadataTTL: metadataTTL,
		schemaTTL:   schemaTTL,
		metadata:    make(map[SpaceRef]metadataEntry),
		schemas:     make(map[SpaceRef]schemaEntryRecord),
	}
}

// GetMetadata returns the entry if fresh, else (_, false).
func (c *TwoLevelCache) GetMetadata(ref SpaceRef) (SpaceMetadata, bool) {
	c.metaMu.RLock()
	entry, ok := c.metadata[ref]
	c.metaMu.RUnlock()
	if !ok || time.Since(entry.fetchedAt) >= c.metadataTTL {
		c.counters.metadataMisses.Add(1)
		return SpaceMetadata{}, false
	}
	c.counters.metadataHits.Add(1)
	return entry.value, true
}

// GetMetadataStale returns the entry regardless of freshness, used to supply
// an If-None-Match header on revalidation.
func (c *TwoLevelCache) GetMetadataStale(ref SpaceRef) (SpaceMetadata, bool) {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	entry, ok := c.metadata[ref]
	if !ok {
		return SpaceMetadata{}, false
	}
	return entry.value, true
}

// TouchMetadata bumps fetchedAt to now without replacing the value, used
// after a 304 Not Modified.
func (c *TwoLevelCache) TouchMetadata(ref SpaceRef) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	entry, ok := c.metadata[ref]
	if !ok {
		return
	}
	entry.fetchedAt = time.Now()
	entry.value.FetchedAt = entry.fetchedAt
	c.metadata[ref] = entry
	c.counters.metadataRevalidations.Add(1)
}

// PutMetadata unconditionally replaces the entry, unless the value is
// private: private spaces are never cached.
func (c *TwoLevelCache) PutMetadata(ref SpaceRef, value SpaceMetadata) {
	if value.Private {
		return
	}
	value.FetchedAt = time.Now()
	c.metaMu.Lock()
	c.metadata[ref] = metadataEntry{value: value, fetchedAt: value.FetchedAt}
	c.metaMu.Unlock()
}

// GetSchema returns the cached tool list if fresh.
func (c *TwoLevelCache) GetSchema(ref SpaceRef) (SchemaEntry, bool) {
	c.schemaMu.RLock()
	entry, ok := c.schemas[ref]
	c.schemaMu.RUnlock()
	if !ok || time.Since(entry.fetchedAt) >= c.schemaTTL {
		c.counters.schemaMisses.Add(1)
		return SchemaEntry{}, false
	}
	c.counters.schemaHits.Add(1)
	return entry.value, true
}

// PutSchema unconditionally replaces the cached tool list for ref. Callers
// must not call this for private spaces; their schemas are resolved fresh
// on every request instead.
func (c *TwoLevelCache) PutSchema(ref SpaceRef, value SchemaEntry) {
	value.FetchedAt = time.Now()
	c.schemaMu.Lock()
	c.schemas[ref] = schemaEntryRecord{value: value, fetchedAt: value.FetchedAt}
	c.schemaMu.Unlock()
}

type cacheSnapshot struct {
	MetadataHits          int64 `json:"metadataHits"`
	MetadataMisses        int64 `json:"metadataMisses"`
	MetadataRevalidations int64 `json:"metadataRevalidations"`
	SchemaHits            int64 `json:"schemaHits"`
	SchemaMisses          int64 `json:"schemaMisses"`
}

func (c *TwoLevelCache) Stats() cacheSnapshot {
	return cacheSnapshot{
		MetadataHits:          c.counters.metadataHits.Load(),
		MetadataMisses:        c.counters.metadataMisses.Load(),
		MetadataRevalidations: c.counters.metadataRevalidations.Load(),
		SchemaHits:            c.counters.schemaHits.Load(),
		SchemaMisses:          c.counters.schemaMisses.Load(),
	}
}
