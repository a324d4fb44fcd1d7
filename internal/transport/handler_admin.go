package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/model"
)

// AdminService lists workflows and replaces their override documents.
// admin.Service implements it.
type AdminService interface {
	List(ctx context.Context) ([]model.WorkflowView, error)
	Get(ctx context.Context, workflowKey string) (model.WorkflowView, error)
	PutOverrides(ctx context.Context, workflowKey string, doc model.OverrideDocument) (model.WorkflowView, error)
}

type adminHandlers struct {
	svc    AdminService
	logger *zap.Logger
}

func (h *adminHandlers) list(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.WorkflowView]{Items: views})
}

func (h *adminHandlers) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "workflowKey"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *adminHandlers) putOverrides(w http.ResponseWriter, r *http.Request) {
	var doc model.OverrideDocument
	if err := decodeJSON(r, &doc); err != nil {
		WriteError(w, err)
		return
	}
	view, err := h.svc.PutOverrides(r.Context(), chi.URLParam(r, "workflowKey"), doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *adminHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	logUnexpected(r, h.logger, err)
	WriteError(w, err)
}

// logUnexpected logs errors that will be reported as 5xx.
func logUnexpected(r *http.Request, logger *zap.Logger, err error) {
	ee, ok := model.AsEnvelope(err)
	if ok && StatusFor(ee.Code) < http.StatusInternalServerError {
		return
	}
	observability.RequestLogger(r.Context(), logger).Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}

// decodeJSON decodes a single JSON value from the request body.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return model.NewBadRequestError("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return model.NewBadRequestError("malformed JSON body: " + err.Error())
	}
	if dec.More() {
		return model.NewBadRequestError("request body must contain a single JSON value")
	}
	return nil
}
