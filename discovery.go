package main

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DiscoveryResult is one entry of the discovery pipeline's output: either
// metadata/tools or an error, keyed by ref and always emitted in input
// order.
type DiscoveryResult struct {
	Ref      SpaceRef
	Metadata *SpaceMetadata
	Tools    []ToolDescriptor
	Err      error
}

// discoveryPipeline runs Phase A (metadata) and Phase B (schema) for a
// batch of refs, each phase internally parallel and individually
// failure-isolated.
type discoveryPipeline struct {
	cache      *TwoLevelCache
	hub        *hubClient
	workers    int
	metaTTL    time.Duration
	schemaTTL  time.Duration
	metaTO     time.Duration
	schemaTO   time.Duration

	firstErrorSeen sync.Map // SpaceRef -> struct{}, per-process, never resets
}

func newDiscoveryPipeline(cache *TwoLevelCache, hub *hubClient, cfg *Config) *discoveryPipeline {
	return &discoveryPipeline{
		cache:     cache,
		hub:       hub,
		workers:   cfg.DiscoveryWorkers,
		metaTTL:   cfg.SpaceCacheTTL,
		schemaTTL: cfg.SchemaCacheTTL,
		metaTO:    cfg.SpaceInfoTimeout,
		schemaTO:  cfg.SchemaTimeout,
	}
}

// Discover runs both phases for refs, in input order. bearerToken, if
// non-empty, is forwarded to both the hub API and (for private spaces) the
// schema endpoint.
func (p *discoveryPipeline) Discover(ctx context.Context, refs []SpaceRef, bearerToken string) []DiscoveryResult {
	results := make([]DiscoveryResult, len(refs))
	for i, ref := range refs {
		results[i] = DiscoveryResult{Ref: ref}
	}

	p.runPhaseA(ctx, refs, bearerToken, results)
	p.runPhaseB(ctx, bearerToken, results)

	return results
}

func (p *discoveryPipeline) runPhaseA(ctx context.Context, refs []SpaceRef, bearerToken string, results []DiscoveryResult) {
	eg, egCtx := errgroup.WithContext(ctx)
	if p.workers > 0 {
		eg.SetLimit(p.workers)
	}

	for i, ref := range refs {
		i, ref := i, ref
		eg.Go(func() error {
			meta, err := p.resolveMetadata(egCtx, ref, bearerToken)
			if err != nil {
				p.logFailure(ref, err)
				results[i].Err = err
				return nil // isolate: one failure never aborts the group
			}
			results[i].Metadata = &meta
			return nil
		})
	}
	_ = eg.Wait()
}

func (p *discoveryPipeline) resolveMetadata(ctx context.Context, ref SpaceRef, bearerToken string) (SpaceMetadata, error) {
	if meta, ok := p.cache.GetMetadata(ref); ok {
		return meta, nil
	}

	staleETag := ""
	if stale, ok := p.cache.GetMetadataStale(ref); ok {
		staleETag = stale.ETag
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.metaTO)
	defer cancel()

	res := p.hub.fetchSpaceMetadata(fetchCtx, ref, staleETag, bearerToken)
	switch {
	case res.Err != nil:
		return SpaceMetadata{}, res.Err
	case res.NotModified:
		p.cache.TouchMetadata(ref)
		stale, _ := p.cache.GetMetadataStale(ref)
		return stale, nil
	default:
		p.cache.PutMetadata(ref, res.Metadata)
		return res.Metadata, nil
	}
}

func (p *discoveryPipeline) runPhaseB(ctx context.Context, bearerToken string, results []DiscoveryResult) {
	eg, egCtx := errgroup.WithContext(ctx)
	if p.workers > 0 {
		eg.SetLimit(p.workers)
	}

	for i := range results {
		i := i
		meta := results[i].Metadata
		if meta == nil || meta.SDK != "gradio" {
			continue
		}
		eg.Go(func() error {
			tools, err := p.resolveSchema(egCtx, *meta, bearerToken)
			if err != nil {
				p.logFailure(meta.Ref, err)
				results[i].Err = err
				return nil
			}
			results[i].Tools = tools
			return nil
		})
	}
	_ = eg.Wait()
}

func (p *discoveryPipeline) resolveSchema(ctx context.Context, meta SpaceMetadata, bearerToken string) ([]ToolDescriptor, error) {
	if !meta.Private {
		if entry, ok := p.cache.GetSchema(meta.Ref); ok {
			return entry.Tools, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.schemaTO)
	defer cancel()

	token := bearerToken
	res := p.hub.fetchUpstreamSchema(fetchCtx, meta.Subdomain, token)
	if res.Err != nil {
		return nil, res.Err
	}

	tools, err := normalizeSchema(res.Raw)
	if err != nil {
		return nil, err
	}

	if !meta.Private {
		p.cache.PutSchema(meta.Ref, SchemaEntry{Ref: meta.Ref, Tools: tools})
	}
	return tools, nil
}

// logFailure downgrades repeated failures for the same ref: warn on first
// occurrence, trace thereafter. The set is memoised globally and
// intentionally never resets for the life of the process.
func (p *discoveryPipeline) logFailure(ref SpaceRef, err error) {
	if _, seen := p.firstErrorSeen.LoadOrStore(ref, struct{}{}); !seen {
		log.Printf("<discovery> warn: %s: %v", ref, err)
		return
	}
	log.Printf("<discovery> trace: %s: %v", ref, err)
}
