// Package admin serves the administrator-facing workflow views and replaces
// override documents.
package admin

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/events"
	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/internal/overrides"
	"github.com/pitabwire/hoa/internal/resolution"
	"github.com/pitabwire/hoa/internal/validation"
	"github.com/pitabwire/hoa/model"
)

// EventPublisher announces saved override documents.
type EventPublisher interface {
	PublishOverridesSaved(ctx context.Context, evt events.OverridesSaved) error
}

// Service combines the base registry and the override repository into
// workflow views.
type Service struct {
	registry  *definition.Registry
	repo      overrides.Repository
	publisher EventPublisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates an admin service. publisher and metrics may be nil.
func NewService(
	registry *definition.Registry,
	repo overrides.Repository,
	publisher EventPublisher,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  registry,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// List returns the view of every registered workflow ordered by key.
func (s *Service) List(ctx context.Context) ([]model.WorkflowView, error) {
	defs := s.registry.All()
	views := make([]model.WorkflowView, 0, len(defs))
	for _, base := range defs {
		doc, err := s.repo.Get(ctx, base.WorkflowKey)
		if err != nil {
			return nil, err
		}
		views = append(views, s.view(ctx, base, doc))
	}
	return views, nil
}

// Get returns the view of one workflow.
func (s *Service) Get(ctx context.Context, workflowKey string) (model.WorkflowView, error) {
	base, err := s.base(workflowKey)
	if err != nil {
		return model.WorkflowView{}, err
	}
	doc, err := s.repo.Get(ctx, workflowKey)
	if err != nil {
		return model.WorkflowView{}, err
	}
	return s.view(ctx, base, doc), nil
}

// PutOverrides validates doc and stores it as the complete override set of
// workflowKey, returning the recomputed view. An empty doc.WorkflowKey takes
// the path key; any other mismatch is rejected.
func (s *Service) PutOverrides(ctx context.Context, workflowKey string, doc model.OverrideDocument) (view model.WorkflowView, err error) {
	ctx, span := observability.StartSpan(ctx, "admin.put_overrides",
		observability.AttrWorkflowKey.String(workflowKey),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	rctx := model.RequestContextFrom(ctx)
	if rctx != nil {
		span.SetAttributes(observability.AttrSubjectID.String(rctx.SubjectID))
	}

	logger := observability.RequestLogger(ctx, s.logger).With(zap.String("workflow_key", workflowKey))

	// 1. The workflow must exist in the base registry.
	base, err := s.base(workflowKey)
	if err != nil {
		return model.WorkflowView{}, err
	}

	// 2. The body must describe the same workflow.
	if doc.WorkflowKey == "" {
		doc.WorkflowKey = workflowKey
	}
	if doc.WorkflowKey != workflowKey {
		return model.WorkflowView{}, model.NewBadRequestError(fmt.Sprintf(
			"body workflow_key %q does not match path %q", doc.WorkflowKey, workflowKey,
		))
	}
	doc = normalize(doc)

	// 3. Validate the whole document.
	if err := validation.ValidateDocument(doc); err != nil {
		s.metrics.RecordValidationFailure(workflowKey)
		s.metrics.RecordOverrideSave(workflowKey, observability.SaveInvalid, 0)
		logger.Warn("override document rejected", zap.Error(err))
		return model.WorkflowView{}, err
	}

	// 4. Replace the stored document.
	start := s.now()
	stored, err := s.repo.Replace(ctx, doc)
	if err != nil {
		result := observability.SaveError
		if model.IsCode(err, model.ErrConflict) {
			result = observability.SaveConflict
			logger.Warn("override save conflict", zap.Error(err))
		} else {
			logger.Error("override save failed", zap.Error(err))
		}
		s.metrics.RecordOverrideSave(workflowKey, result, 0)
		return model.WorkflowView{}, err
	}
	s.metrics.RecordOverrideSave(workflowKey, observability.SaveOK, s.now().Sub(start))
	span.SetAttributes(observability.AttrVersion.Int64(stored.Version))

	// 5. Announce the change. Publish failures do not fail the save.
	if s.publisher != nil {
		evt := events.OverridesSaved{WorkflowKey: workflowKey, Version: stored.Version, SavedAt: s.now().UTC()}
		if rctx != nil {
			evt.SavedBy = rctx.SubjectID
		}
		if perr := s.publisher.PublishOverridesSaved(ctx, evt); perr != nil {
			logger.Warn("publishing overrides saved event failed", zap.Error(perr))
		}
	}

	logger.Info("overrides saved", observability.WorkflowFields(workflowKey, stored.Version)...)
	return s.view(ctx, base, stored), nil
}

func (s *Service) base(workflowKey string) (model.BaseDefinition, error) {
	base, ok := s.registry.Get(workflowKey)
	if !ok {
		return model.BaseDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowKey))
	}
	return base, nil
}

// view resolves base and doc. Stored documents that carry duplicate keys
// are still resolved (last entry wins) but logged as a data integrity error.
func (s *Service) view(ctx context.Context, base model.BaseDefinition, doc model.OverrideDocument) model.WorkflowView {
	if err := resolution.CheckPreconditions(doc); err != nil {
		observability.RequestLogger(ctx, s.logger).Error("stored overrides violate uniqueness",
			zap.String("workflow_key", base.WorkflowKey), zap.Error(err))
	}
	return resolution.View(base, normalize(doc))
}

// normalize replaces nil lists with empty ones so views always encode
// arrays.
func normalize(doc model.OverrideDocument) model.OverrideDocument {
	if doc.Statuses == nil {
		doc.Statuses = []model.StatusOverride{}
	}
	if doc.Transitions == nil {
		doc.Transitions = []model.TransitionOverride{}
	}
	if doc.Notifications == nil {
		doc.Notifications = []model.NotificationOverride{}
	}
	return doc
}
