package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/model"
)

// RuntimeService answers the questions a workflow engine asks at runtime.
// effective.Provider implements it.
type RuntimeService interface {
	Configuration(ctx context.Context, workflowKey string) (model.EffectiveConfiguration, error)
	IsLegalTransition(ctx context.Context, workflowKey, from, to string) (bool, error)
	Notifications(ctx context.Context, workflowKey string, event model.WorkflowEvent) ([]model.MatchedRule, error)
}

type runtimeHandlers struct {
	svc    RuntimeService
	logger *zap.Logger
}

type transitionCheckRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type transitionCheckResponse struct {
	WorkflowKey string `json:"workflow_key"`
	From        string `json:"from"`
	To          string `json:"to"`
	Legal       bool   `json:"legal"`
}

type notificationMatchResponse struct {
	WorkflowKey string              `json:"workflow_key"`
	Event       model.WorkflowEvent `json:"event"`
	Matches     []model.MatchedRule `json:"matches"`
}

func (h *runtimeHandlers) effective(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.Configuration(r.Context(), chi.URLParam(r, "workflowKey"))
	if err != nil {
		logUnexpected(r, h.logger, err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

func (h *runtimeHandlers) checkTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	var details []model.FieldError
	if req.From == "" {
		details = append(details, model.FieldError{Field: "from", Code: model.CodeRequired, Message: "from is required"})
	}
	if req.To == "" {
		details = append(details, model.FieldError{Field: "to", Code: model.CodeRequired, Message: "to is required"})
	}
	if len(details) > 0 {
		WriteError(w, model.NewValidationError(details))
		return
	}

	key := chi.URLParam(r, "workflowKey")
	legal, err := h.svc.IsLegalTransition(r.Context(), key, req.From, req.To)
	if err != nil {
		logUnexpected(r, h.logger, err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, transitionCheckResponse{WorkflowKey: key, From: req.From, To: req.To, Legal: legal})
}

func (h *runtimeHandlers) matchNotifications(w http.ResponseWriter, r *http.Request) {
	var event model.WorkflowEvent
	if err := decodeJSON(r, &event); err != nil {
		WriteError(w, err)
		return
	}
	if details := validateEvent(event); len(details) > 0 {
		WriteError(w, model.NewValidationError(details))
		return
	}

	key := chi.URLParam(r, "workflowKey")
	matches, err := h.svc.Notifications(r.Context(), key, event)
	if err != nil {
		logUnexpected(r, h.logger, err)
		WriteError(w, err)
		return
	}
	if matches == nil {
		matches = []model.MatchedRule{}
	}
	WriteJSON(w, http.StatusOK, notificationMatchResponse{WorkflowKey: key, Event: event, Matches: matches})
}

func validateEvent(e model.WorkflowEvent) []model.FieldError {
	switch e.Kind {
	case model.EventTransition:
		if e.From == "" || e.To == "" {
			return []model.FieldError{{Field: "from", Code: model.CodeRequired, Message: "transition events need from and to"}}
		}
	case model.EventStatusEntered:
		if e.Status == "" {
			return []model.FieldError{{Field: "status", Code: model.CodeRequired, Message: "status_entered events need a status"}}
		}
	case "":
		return []model.FieldError{{Field: "kind", Code: model.CodeRequired, Message: "kind is required"}}
	default:
		return []model.FieldError{{Field: "kind", Code: model.CodeInvalidEnum, Message: "kind must be transition or status_entered"}}
	}
	return nil
}
