package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/model"
)

// maxResponseBytes caps how much of an admin API response is read.
const maxResponseBytes = 10 << 20

// HTTPRemote talks to the admin REST API of a running hoa server.
type HTTPRemote struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *Breaker
}

// HTTPRemoteOption configures an HTTPRemote.
type HTTPRemoteOption func(*HTTPRemote)

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.token = token }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.client = c }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *Breaker) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.breaker = b }
}

// NewHTTPRemote returns a remote for the server at baseURL, for example
// "http://localhost:8080".
func NewHTTPRemote(baseURL string, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(0, 0, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get fetches the admin view of a workflow.
func (r *HTTPRemote) Get(ctx context.Context, workflowKey string) (model.WorkflowView, error) {
	var view model.WorkflowView
	err := r.do(ctx, http.MethodGet, "/admin/workflows/"+url.PathEscape(workflowKey), nil, &view)
	return view, err
}

// List fetches the admin views of every workflow.
func (r *HTTPRemote) List(ctx context.Context) ([]model.WorkflowView, error) {
	var body struct {
		Items []model.WorkflowView `json:"items"`
	}
	err := r.do(ctx, http.MethodGet, "/admin/workflows", nil, &body)
	return body.Items, err
}

// PutOverrides replaces a workflow's override document.
func (r *HTTPRemote) PutOverrides(ctx context.Context, workflowKey string, doc model.OverrideDocument) (model.WorkflowView, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return model.WorkflowView{}, fmt.Errorf("draft: marshal overrides: %w", err)
	}
	var view model.WorkflowView
	err = r.do(ctx, http.MethodPut, "/admin/workflows/"+url.PathEscape(workflowKey)+"/overrides", payload, &view)
	return view, err
}

// do sends one request. Transport failures and 5xx responses without an
// error body become TRANSPORT_ERROR; error bodies are returned as their
// envelope.
func (r *HTTPRemote) do(ctx context.Context, method, path string, payload []byte, out any) error {
	if !r.breaker.Allow() {
		return model.NewTransportError("admin API unavailable: circuit open")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("draft: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.Failure()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewTransportError(fmt.Sprintf("%s %s: %v", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		r.breaker.Failure()
		return model.NewTransportError(fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode >= 500 {
		r.breaker.Failure()
	} else {
		r.breaker.Success()
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.NewTransportError(fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil && body.Error.Code != "" {
		return body.Error
	}
	switch status {
	case http.StatusUnauthorized:
		return model.NewTransportError("admin API rejected credentials")
	case http.StatusForbidden:
		return model.NewForbiddenError("not permitted to edit workflows")
	}
	return model.NewTransportError(fmt.Sprintf("admin API returned %d", status))
}

// IsTransport reports whether err is a failure to reach the admin API.
func IsTransport(err error) bool {
	return model.IsCode(err, model.ErrTransportError) || errors.Is(err, context.DeadlineExceeded)
}
