package effective

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/events"
	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/internal/overrides"
	"github.com/pitabwire/hoa/model"
)

func testRegistry() *definition.Registry {
	return definition.NewRegistry([]model.BaseDefinition{{
		WorkflowKey: "violations",
		Title:       "Violations",
		Statuses: []model.StatusDef{
			{Key: "OPEN", Label: "Open"},
			{Key: "CLOSED", Label: "Closed"},
		},
		Transitions: []model.TransitionDef{{From: "OPEN", To: "CLOSED"}},
		Notifications: []model.NotificationRule{{
			Event:      model.EventTransition,
			Trigger:    model.Trigger{To: "CLOSED"},
			Channels:   []string{"email"},
			Recipients: []model.Recipient{{Type: model.RecipientRole, Value: "BOARD"}},
		}},
	}})
}

func save(t *testing.T, repo overrides.Repository, doc model.OverrideDocument) {
	t.Helper()
	if _, err := repo.Replace(context.Background(), doc); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
}

func disableClosed() model.OverrideDocument {
	doc := model.EmptyOverrides("violations")
	doc.Statuses = []model.StatusOverride{{Key: "CLOSED", Label: model.Ptr("Closed"), Enabled: model.Ptr(false)}}
	return doc
}

func TestProvider_Configuration(t *testing.T) {
	repo := overrides.NewMemoryRepository()
	p := NewProvider(testRegistry(), repo, 0, nil, nil)

	cfg, err := p.Configuration(context.Background(), "violations")
	if err != nil {
		t.Fatalf("Configuration() error = %v", err)
	}
	if len(cfg.Statuses) != 2 || len(cfg.Transitions) != 1 || len(cfg.Notifications) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, err := p.Configuration(context.Background(), "elections"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("unknown workflow error = %v, want NOT_FOUND", err)
	}
}

func TestProvider_IsLegalTransition(t *testing.T) {
	repo := overrides.NewMemoryRepository()
	p := NewProvider(testRegistry(), repo, 0, nil, nil)
	ctx := context.Background()

	if ok, _ := p.IsLegalTransition(ctx, "violations", "OPEN", "CLOSED"); !ok {
		t.Error("OPEN->CLOSED should be legal with no overrides")
	}
	if ok, _ := p.IsLegalTransition(ctx, "violations", "CLOSED", "OPEN"); ok {
		t.Error("CLOSED->OPEN is not defined and must not be legal")
	}

	// The transition stays effective, but its endpoint is gone.
	save(t, repo, disableClosed())
	cfg, _ := p.Configuration(ctx, "violations")
	if !cfg.HasTransition("OPEN", "CLOSED") {
		t.Fatal("disabling CLOSED must not prune OPEN->CLOSED from the effective set")
	}
	if ok, _ := p.IsLegalTransition(ctx, "violations", "OPEN", "CLOSED"); ok {
		t.Error("OPEN->CLOSED must not be legal once CLOSED is disabled")
	}

	// Disabling the transition itself.
	doc := model.EmptyOverrides("violations")
	doc.Transitions = []model.TransitionOverride{{From: "OPEN", To: "CLOSED", Enabled: model.Ptr(false)}}
	save(t, repo, doc)
	if ok, _ := p.IsLegalTransition(ctx, "violations", "OPEN", "CLOSED"); ok {
		t.Error("a disabled transition must not be legal")
	}

	if _, err := p.IsLegalTransition(ctx, "elections", "A", "B"); err == nil {
		t.Error("unknown workflow should return an error")
	}
}

func TestProvider_Notifications(t *testing.T) {
	repo := overrides.NewMemoryRepository()
	p := NewProvider(testRegistry(), repo, 0, nil, nil)
	ctx := context.Background()

	matched, err := p.Notifications(ctx, "violations", model.TransitionEvent("OPEN", "CLOSED"))
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	if len(matched) != 1 || matched[0].Recipients[0].Value != "BOARD" {
		t.Errorf("matched = %+v", matched)
	}

	matched, _ = p.Notifications(ctx, "violations", model.TransitionEvent("OPEN", "ARCHIVED"))
	if len(matched) != 0 {
		t.Errorf("OPEN->ARCHIVED matched %+v, want none", matched)
	}

	doc := model.EmptyOverrides("violations")
	doc.Notifications = []model.NotificationOverride{{
		Event:      model.EventTransition,
		Trigger:    model.Trigger{To: "CLOSED"},
		Channels:   []string{"email"},
		Recipients: []model.Recipient{{Type: model.RecipientRole, Value: "BOARD"}},
		Enabled:    model.Ptr(false),
	}}
	save(t, repo, doc)
	matched, _ = p.Notifications(ctx, "violations", model.TransitionEvent("OPEN", "CLOSED"))
	if len(matched) != 0 {
		t.Errorf("disabled rule matched: %+v", matched)
	}
}

func TestProvider_cache(t *testing.T) {
	repo := overrides.NewMemoryRepository()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	p := NewProvider(testRegistry(), repo, time.Minute, zap.NewNop(), metrics)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := p.Configuration(ctx, "violations"); err != nil {
		t.Fatalf("Configuration() error = %v", err)
	}

	// Stored change is not visible until invalidation or expiry.
	save(t, repo, disableClosed())
	cfg, _ := p.Configuration(ctx, "violations")
	if len(cfg.Statuses) != 2 {
		t.Errorf("cached statuses = %d, want 2", len(cfg.Statuses))
	}

	p.Invalidate("violations")
	cfg, _ = p.Configuration(ctx, "violations")
	if len(cfg.Statuses) != 1 {
		t.Errorf("statuses after invalidate = %d, want 1", len(cfg.Statuses))
	}

	save(t, repo, model.EmptyOverrides("violations"))
	now = now.Add(2 * time.Minute)
	cfg, _ = p.Configuration(ctx, "violations")
	if len(cfg.Statuses) != 2 {
		t.Errorf("statuses after expiry = %d, want 2", len(cfg.Statuses))
	}

	if v := testutil.ToFloat64(metrics.EffectiveCacheTotal.WithLabelValues("hit")); v != 1 {
		t.Errorf("cache hits = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.EffectiveCacheTotal.WithLabelValues("miss")); v != 3 {
		t.Errorf("cache misses = %v, want 3", v)
	}
}

func TestProvider_cachedValueNotAliased(t *testing.T) {
	p := NewProvider(testRegistry(), overrides.NewMemoryRepository(), time.Minute, nil, nil)
	ctx := context.Background()

	cfg, _ := p.Configuration(ctx, "violations")
	cfg.Statuses[0].Label = "mutated"
	cfg.Notifications[0].Recipients[0].Value = "mutated"

	again, _ := p.Configuration(ctx, "violations")
	if again.Statuses[0].Label != "Open" || again.Notifications[0].Recipients[0].Value != "BOARD" {
		t.Errorf("cache was mutated through a returned value: %+v", again)
	}
}

func TestProvider_Listen(t *testing.T) {
	bus := events.NewBus(8, zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	repo := overrides.NewMemoryRepository()
	p := NewProvider(testRegistry(), repo, time.Hour, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Listen(ctx, bus.Subscriber()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if _, err := p.Configuration(ctx, "violations"); err != nil {
		t.Fatalf("Configuration() error = %v", err)
	}

	save(t, repo, disableClosed())
	if err := events.NewPublisher(bus.Publisher(), nil).PublishOverridesSaved(ctx, events.OverridesSaved{WorkflowKey: "violations", Version: 1}); err != nil {
		t.Fatalf("PublishOverridesSaved() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cfg, _ := p.Configuration(ctx, "violations")
		if len(cfg.Statuses) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cache was not invalidated by the overrides saved event")
}

// gatedRepo blocks Get until release is closed or ctx is done, and counts
// the calls.
type gatedRepo struct {
	overrides.Repository
	release chan struct{}
	gets    atomic.Int64
}

func (r *gatedRepo) Get(ctx context.Context, key string) (model.OverrideDocument, error) {
	r.gets.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return model.OverrideDocument{}, ctx.Err()
	}
	return r.Repository.Get(ctx, key)
}

func TestProvider_concurrentMissesShareOneLoad(t *testing.T) {
	repo := &gatedRepo{Repository: overrides.NewMemoryRepository(), release: make(chan struct{})}
	p := NewProvider(testRegistry(), repo, time.Minute, nil, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Configuration(context.Background(), "violations")
			errs <- err
		}()
	}

	// Let every caller reach the in-flight load before it completes.
	deadline := time.Now().Add(2 * time.Second)
	for repo.gets.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Configuration() error = %v", err)
		}
	}
	if got := repo.gets.Load(); got != 1 {
		t.Errorf("repository reads = %d, want 1", got)
	}
}

func TestProvider_cancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	repo := &gatedRepo{Repository: overrides.NewMemoryRepository(), release: make(chan struct{})}
	p := NewProvider(testRegistry(), repo, time.Minute, nil, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := p.Configuration(ctxA, "violations")
		errA <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for repo.gets.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		cfg model.EffectiveConfiguration
		err error
	}
	resB := make(chan result, 1)
	go func() {
		cfg, err := p.Configuration(context.Background(), "violations")
		resB <- result{cfg, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}

	close(repo.release)
	b := <-resB
	if b.err != nil {
		t.Fatalf("waiting caller error = %v, want success", b.err)
	}
	if len(b.cfg.Statuses) != 2 {
		t.Errorf("waiting caller statuses = %+v", b.cfg.Statuses)
	}
}

func TestProvider_spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	p := NewProvider(testRegistry(), overrides.NewMemoryRepository(), time.Minute, nil, nil)
	ctx := context.Background()
	if _, err := p.Configuration(ctx, "violations"); err != nil {
		t.Fatalf("Configuration() error = %v", err)
	}
	if _, err := p.Notifications(ctx, "violations", model.TransitionEvent("OPEN", "CLOSED")); err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}

	attrs := func(s tracetest.SpanStub) map[attribute.Key]string {
		m := make(map[attribute.Key]string)
		for _, a := range s.Attributes {
			m[a.Key] = a.Value.Emit()
		}
		return m
	}

	// Spans end child first: miss, then the cached read inside Notifications.
	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	if got := attrs(spans[0])[observability.AttrCacheHit]; spans[0].Name != "effective.configuration" || got != "false" {
		t.Errorf("first span %s cache_hit = %q, want miss", spans[0].Name, got)
	}
	if got := attrs(spans[1])[observability.AttrCacheHit]; got != "true" {
		t.Errorf("second lookup cache_hit = %q, want hit", got)
	}
	notif := attrs(spans[2])
	if spans[2].Name != "effective.notifications" || notif[observability.AttrEventKind] != string(model.EventTransition) {
		t.Errorf("notifications span %s attrs = %v", spans[2].Name, notif)
	}
	if spans[1].Parent.SpanID() != spans[2].SpanContext.SpanID() {
		t.Error("configuration lookup should be a child of the notifications span")
	}
}
