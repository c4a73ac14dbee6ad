package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tezit/pkg/identity"
	"tezit/pkg/types"
)

// OutboxStore is the slice of persistence the outbox pipeline needs.
type OutboxStore interface {
	CreateOutboxEntry(ctx context.Context, e *types.OutboxEntry) error
	UpdateOutboxStatus(ctx context.Context, id string, status types.OutboxStatus, lastError string) error
	ListOutboxByStatus(ctx context.Context, status types.OutboxStatus) ([]*types.OutboxEntry, error)
	RecordOutboundLink(ctx context.Context, localTezID, remoteHost, bundleHash string) error
}

// HostResult is the per-host outcome of a scatter delivery.
type HostResult struct {
	Host      string
	Delivered bool
	Err       error
}

// RouteResult summarizes how a tez was routed through federation.
type RouteResult struct {
	Queued      int
	RemoteHosts []string
	Results     []HostResult
}

// OutboxPipeline groups remote recipients by target host, persists one
// signed bundle per host, and attempts delivery. Delivery failures are
// recorded for retry, never raised: local message creation must not fail
// because a remote peer is unreachable.
type OutboxPipeline struct {
	identity   *identity.ServerIdentity
	discoverer *Discoverer
	outbox     OutboxStore
	deliverer  Deliverer
	logger     *zap.Logger
}

// NewOutboxPipeline wires an outbox pipeline.
func NewOutboxPipeline(id *identity.ServerIdentity, discoverer *Discoverer,
	outbox OutboxStore, deliverer Deliverer, logger *zap.Logger) *OutboxPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxPipeline{
		identity:   id,
		discoverer: discoverer,
		outbox:     outbox,
		deliverer:  deliverer,
		logger:     logger,
	}
}

// RouteToFederation routes a tez to its remote recipients. Recipients on
// this server's own host are excluded entirely: a pure-local delivery
// produces zero outbox entries and zero network calls. Remaining
// recipients are grouped by host, one bundle and one outbox entry per
// distinct host, dispatched concurrently with independent failure handling.
func (p *OutboxPipeline) RouteToFederation(ctx context.Context, tez *types.Tez,
	items []types.ContextItem, recipients []string) (*RouteResult, error) {

	byHost := make(map[string][]string)
	for _, raw := range recipients {
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		if addr.IsLocal(p.identity.Host) {
			continue
		}
		byHost[addr.Host] = append(byHost[addr.Host], addr.String())
	}
	if len(byHost) == 0 {
		return &RouteResult{}, nil
	}

	hosts := make([]string, 0, len(byHost))
	for host := range byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	payload := TezPayload{
		ID:          tez.ID,
		SurfaceText: tez.SurfaceText,
		CreatedAt:   tez.CreatedAt.UTC().Format(time.RFC3339),
	}
	contextPayload := make([]ContextPayload, 0, len(items))
	for _, it := range items {
		contextPayload = append(contextPayload, ContextPayload{Kind: it.Kind, Content: it.Content})
	}

	type pending struct {
		entry  *types.OutboxEntry
		bundle *Bundle
	}
	var queue []pending
	for _, host := range hosts {
		bundle, err := CreateBundle(payload, contextPayload, tez.FromAddress, byHost[host], p.identity)
		if err != nil {
			return nil, fmt.Errorf("build bundle for %s: %w", host, err)
		}
		raw, err := json.Marshal(bundle)
		if err != nil {
			return nil, fmt.Errorf("encode bundle for %s: %w", host, err)
		}
		entry := &types.OutboxEntry{
			TezID:      tez.ID,
			TargetHost: host,
			Bundle:     raw,
			Status:     types.OutboxPending,
		}
		if err := p.outbox.CreateOutboxEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("persist outbox entry for %s: %w", host, err)
		}
		queue = append(queue, pending{entry: entry, bundle: bundle})
	}

	// Scatter: one independent delivery per host. One host's
	// unreachability must not block or fail another's delivery.
	results := make([]HostResult, len(queue))
	var wg sync.WaitGroup
	for i, q := range queue {
		wg.Add(1)
		go func(i int, q pending) {
			defer wg.Done()
			results[i] = p.attempt(ctx, q.entry, q.bundle)
		}(i, q)
	}
	wg.Wait()

	return &RouteResult{
		Queued:      len(queue),
		RemoteHosts: hosts,
		Results:     results,
	}, nil
}

// RetryPending re-attempts every pending or failed outbox entry. Intended
// for a periodic scheduler owned by the surrounding application.
func (p *OutboxPipeline) RetryPending(ctx context.Context) ([]HostResult, error) {
	var all []*types.OutboxEntry
	for _, status := range []types.OutboxStatus{types.OutboxPending, types.OutboxFailed} {
		entries, err := p.outbox.ListOutboxByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s outbox entries: %w", status, err)
		}
		all = append(all, entries...)
	}

	var results []HostResult
	for _, entry := range all {
		var bundle Bundle
		if err := json.Unmarshal(entry.Bundle, &bundle); err != nil {
			p.logger.Error("stored outbox bundle unreadable",
				zap.String("outbox_id", entry.ID), zap.Error(err))
			continue
		}
		results = append(results, p.attempt(ctx, entry, &bundle))
	}
	return results, nil
}

// attempt delivers one bundle to one host and records the outcome.
func (p *OutboxPipeline) attempt(ctx context.Context, entry *types.OutboxEntry, bundle *Bundle) HostResult {
	info, err := p.discoverer.Discover(ctx, entry.TargetHost)
	if err == nil && info == nil {
		err = fmt.Errorf("host %s is undiscoverable", entry.TargetHost)
	}
	if err == nil {
		err = p.deliverer.Deliver(ctx, info, bundle)
	}

	if err != nil {
		p.logger.Warn("outbound delivery failed",
			zap.String("host", entry.TargetHost),
			zap.String("tez_id", entry.TezID),
			zap.Error(err))
		if uerr := p.outbox.UpdateOutboxStatus(ctx, entry.ID, types.OutboxFailed, err.Error()); uerr != nil {
			p.logger.Error("failed to mark outbox entry failed",
				zap.String("outbox_id", entry.ID), zap.Error(uerr))
		}
		return HostResult{Host: entry.TargetHost, Err: err}
	}

	if uerr := p.outbox.UpdateOutboxStatus(ctx, entry.ID, types.OutboxDelivered, ""); uerr != nil {
		p.logger.Error("failed to mark outbox entry delivered",
			zap.String("outbox_id", entry.ID), zap.Error(uerr))
	}
	if lerr := p.outbox.RecordOutboundLink(ctx, entry.TezID, entry.TargetHost, bundle.BundleHash); lerr != nil {
		p.logger.Error("failed to record outbound federation link",
			zap.String("outbox_id", entry.ID), zap.Error(lerr))
	}
	p.logger.Info("bundle delivered",
		zap.String("host", entry.TargetHost),
		zap.String("tez_id", entry.TezID))
	return HostResult{Host: entry.TargetHost, Delivered: true}
}
