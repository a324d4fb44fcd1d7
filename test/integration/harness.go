// Package integration provides a reusable test harness for end-to-end
// testing of the hoa workflow configuration server. It starts the full HTTP
// stack over a real override repository, the in-process change bus and a
// test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/admin"
	"github.com/pitabwire/hoa/internal/capability"
	"github.com/pitabwire/hoa/internal/config"
	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/draft"
	"github.com/pitabwire/hoa/internal/effective"
	"github.com/pitabwire/hoa/internal/events"
	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/internal/overrides"
	"github.com/pitabwire/hoa/internal/transport"
)

// TestHarness encapsulates a fully wired hoa server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Repository overrides.Repository
	Provider   *effective.Provider
	Metrics    *observability.Metrics
	Prometheus *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	redisStore     bool
	cacheTTL       time.Duration
	handlerTimeout time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithRedisStore keeps override documents in an in-process Redis server
// instead of the memory repository.
func WithRedisStore() HarnessOption {
	return func(c *harnessConfig) {
		c.redisStore = true
	}
}

// WithCacheTTL sets how long the runtime provider caches effective
// configurations.
func WithCacheTTL(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.cacheTTL = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full hoa test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		cacheTTL:       time.Hour,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Definitions go through the same schema and referential checks as serve.
	schema, err := definition.NewSchemaValidator()
	if err != nil {
		t.Fatalf("definition schema: %v", err)
	}
	defs, err := definition.NewLoader(schema).LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("definitions failed validation: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	if hc.redisStore {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		h.Repository = overrides.NewRedisRepository(client, "hoa:test:")
	} else {
		h.Repository = overrides.NewMemoryRepository()
	}

	h.Prometheus = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Prometheus)

	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus(16, logger)
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
	})

	adminSvc := admin.NewService(h.Registry, h.Repository, events.NewPublisher(bus.Publisher(), h.Metrics), logger, h.Metrics)
	h.Provider = effective.NewProvider(h.Registry, h.Repository, hc.cacheTTL, logger, h.Metrics)
	if err := h.Provider.Listen(ctx, bus.Subscriber()); err != nil {
		t.Fatalf("subscribe provider: %v", err)
	}

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := capability.NewResolver(evaluator, 0, 0, h.Metrics) // no caching in tests

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.issuer,
		Audience:     h.issuer.audience,
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}

	jwks := transport.NewJWKSClient(h.cfg.Identity.JWKSURL, h.cfg.Identity.JWKSCacheTTL, nil)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
	}
	if hcheck, ok := h.Repository.(observability.HealthChecker); ok {
		readiness.OverrideStore = hcheck
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Metrics:            h.Metrics,
		Gatherer:           h.Prometheus,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: resolver,
		Admin:              adminSvc,
		Runtime:            h.Provider,
		Readiness:          readiness,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Close stops the HTTP server ahead of test cleanup.
func (h *TestHarness) Close() {
	h.server.Close()
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// DraftManager returns a draft manager that talks to the harness server
// with token.
func (h *TestHarness) DraftManager(token string, opts ...draft.Option) *draft.Manager {
	remote := draft.NewHTTPRemote(h.server.URL,
		draft.WithBearerToken(token),
		draft.WithHTTPClient(h.server.Client()),
	)
	return draft.NewManager(remote, opts...)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// Do sends a prepared request to the harness server.
func (h *TestHarness) Do(req *http.Request) *http.Response {
	h.t.Helper()
	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			bodyReader = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.Do(req)
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// AdminClaims returns TestClaims for an HOA administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@maplegrove.example.org",
		Roles:     []string{"hoa_admin"},
	}
}

// ManagerClaims returns TestClaims for a community manager who edits
// overrides.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		Email:     "manager@maplegrove.example.org",
		Roles:     []string{"community_manager"},
	}
}

// BoardClaims returns TestClaims for a board member with read access.
func BoardClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-board",
		Email:     "board@maplegrove.example.org",
		Roles:     []string{"board_member"},
	}
}

// EngineClaims returns TestClaims for the workflow engine service account.
func EngineClaims() TestClaims {
	return TestClaims{
		SubjectID: "svc-workflow-engine",
		Roles:     []string{"workflow_engine"},
	}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
