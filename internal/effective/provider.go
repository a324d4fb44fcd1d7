// Package effective serves the in-force workflow configuration to runtime
// consumers: the legal-transition check and notification matching.
package effective

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/events"
	"github.com/pitabwire/hoa/internal/notify"
	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/internal/overrides"
	"github.com/pitabwire/hoa/internal/resolution"
	"github.com/pitabwire/hoa/model"
)

type cacheEntry struct {
	cfg     model.EffectiveConfiguration
	expires time.Time
}

// Provider resolves and caches effective configurations per workflow key.
// A zero TTL disables caching.
type Provider struct {
	registry *definition.Registry
	repo     overrides.Repository
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	// generation is bumped on every invalidation so a resolve that raced
	// with it does not store a stale result.
	generation map[string]uint64

	// loads collapses concurrent cache misses for one key into a single
	// repository read.
	loads singleflight.Group
}

// NewProvider creates a provider. logger and metrics may be nil.
func NewProvider(
	registry *definition.Registry,
	repo overrides.Repository,
	ttl time.Duration,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		registry:   registry,
		repo:       repo,
		ttl:        ttl,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
		generation: make(map[string]uint64),
	}
}

// Configuration returns the effective configuration of workflowKey.
//
// Concurrent misses for one key share a single load. The load runs detached
// from any one caller's cancellation; each caller still stops waiting when
// its own ctx is done.
func (p *Provider) Configuration(ctx context.Context, workflowKey string) (cfg model.EffectiveConfiguration, err error) {
	ctx, span := observability.StartSpan(ctx, "effective.configuration",
		observability.AttrWorkflowKey.String(workflowKey),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	p.mu.Lock()
	entry, ok := p.entries[workflowKey]
	gen := p.generation[workflowKey]
	p.mu.Unlock()

	hit := ok && p.now().Before(entry.expires)
	span.SetAttributes(observability.AttrCacheHit.Bool(hit))
	p.metrics.RecordEffectiveCache(hit)
	if hit {
		return entry.cfg.Clone(), nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := p.loads.DoChan(workflowKey, func() (any, error) {
		return p.load(loadCtx, workflowKey, gen)
	})
	select {
	case <-ctx.Done():
		return model.EffectiveConfiguration{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.EffectiveConfiguration{}, res.Err
		}
		return res.Val.(model.EffectiveConfiguration).Clone(), nil
	}
}

func (p *Provider) load(ctx context.Context, workflowKey string, gen uint64) (model.EffectiveConfiguration, error) {
	base, found := p.registry.Get(workflowKey)
	if !found {
		return model.EffectiveConfiguration{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowKey))
	}
	doc, err := p.repo.Get(ctx, workflowKey)
	if err != nil {
		return model.EffectiveConfiguration{}, err
	}
	if err := resolution.CheckPreconditions(doc); err != nil {
		observability.RequestLogger(ctx, p.logger).Error("stored overrides violate uniqueness",
			zap.String("workflow_key", workflowKey), zap.Error(err))
	}
	cfg := resolution.Effective(base, doc)

	if p.ttl > 0 {
		p.mu.Lock()
		if p.generation[workflowKey] == gen {
			p.entries[workflowKey] = cacheEntry{cfg: cfg, expires: p.now().Add(p.ttl)}
		}
		p.mu.Unlock()
	}
	return cfg, nil
}

// IsLegalTransition reports whether from->to may be taken. The transition
// must be effective and both endpoints must be effective statuses; a
// transition is never pruned when an endpoint is disabled, it just stops
// being legal.
func (p *Provider) IsLegalTransition(ctx context.Context, workflowKey, from, to string) (bool, error) {
	cfg, err := p.Configuration(ctx, workflowKey)
	if err != nil {
		return false, err
	}
	return cfg.HasTransition(from, to) && cfg.HasStatus(from) && cfg.HasStatus(to), nil
}

// Notifications returns the effective rules of workflowKey matching event.
func (p *Provider) Notifications(ctx context.Context, workflowKey string, event model.WorkflowEvent) (matches []model.MatchedRule, err error) {
	ctx, span := observability.StartSpan(ctx, "effective.notifications",
		observability.AttrWorkflowKey.String(workflowKey),
		observability.AttrEventKind.String(string(event.Kind)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	cfg, err := p.Configuration(ctx, workflowKey)
	if err != nil {
		return nil, err
	}
	return notify.MatchConfiguration(event, cfg), nil
}

// Invalidate drops the cached configuration of workflowKey.
func (p *Provider) Invalidate(workflowKey string) {
	p.mu.Lock()
	delete(p.entries, workflowKey)
	p.generation[workflowKey]++
	p.mu.Unlock()
	p.loads.Forget(workflowKey)
}

// Listen invalidates cache entries as override saves are announced on sub.
// It returns once the subscription is established.
func (p *Provider) Listen(ctx context.Context, sub message.Subscriber) error {
	return events.SubscribeOverridesSaved(ctx, sub, p.logger, func(_ context.Context, evt events.OverridesSaved) {
		p.Invalidate(evt.WorkflowKey)
		p.logger.Debug("effective configuration invalidated", observability.WorkflowFields(evt.WorkflowKey, evt.Version)...)
	})
}
