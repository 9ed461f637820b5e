package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/probe-orchestrator/internal/config"
	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/dispatch"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/progress"
	"github.com/jonathan/probe-orchestrator/internal/providers"
	"github.com/jonathan/probe-orchestrator/internal/recovery"
	"github.com/jonathan/probe-orchestrator/internal/runs"
	"github.com/jonathan/probe-orchestrator/internal/server/ratelimit"
	"github.com/jonathan/probe-orchestrator/internal/testutil"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error { return p.err }

type harness struct {
	server  *Server
	handler http.Handler
	store   *testutil.Store
	queue   *testutil.Queue
	jwt     *JWTService
	pinger  *fakePinger
	defID   uuid.UUID
	userID  uuid.UUID
	token   string
}

type harnessOption func(*Config)

func withRateLimit(cfg *ratelimit.Config) harnessOption {
	return func(c *Config) { c.RateLimit = cfg }
}

func withoutAuth() harnessOption {
	return func(c *Config) { c.JWT = nil }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store := testutil.NewStore()
	q := testutil.NewQueue()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d := dispatch.New(q, providers.NewRegistry(store, q, m), store, m)
	tracker := progress.NewTracker(store, d, q, m)
	manager := runs.NewManager(store, d, q, tracker, nil, m)
	scanner := recovery.NewScanner(recovery.Config{Interval: time.Hour}, store, q, d, tracker, m)

	store.AddProvider("openai", 5, 60)
	store.AddModel("openai", "gpt-4o", &db.ModelPricing{CostInputPerMillion: 2.5, CostOutputPerMillion: 10})
	def, _ := store.AddDefinition("trolley", 3)

	jwtCfg := &config.JWTConfig{Secret: testSecret, Issuer: config.DefaultJWTIssuer, ExpirationHours: 1}
	cfg := Config{
		Port:      0,
		JWT:       jwtCfg,
		RateLimit: &ratelimit.Config{Enabled: false},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	pinger := &fakePinger{}
	s, err := New(cfg, Services{
		Runs:      manager,
		Progress:  tracker,
		Recovery:  scanner,
		Providers: d,
		Health:    pinger,
		Gatherer:  reg,
	})
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)

	h := &harness{
		server:  s,
		handler: s.Handler(),
		store:   store,
		queue:   q,
		jwt:     NewJWTService(jwtCfg),
		pinger:  pinger,
		defID:   def.ID,
		userID:  uuid.New(),
	}
	h.token, err = h.jwt.GenerateToken(h.userID)
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type startResponse struct {
	Run struct {
		ID              uuid.UUID       `json:"id"`
		Status          types.RunStatus `json:"status"`
		Progress        types.Progress  `json:"progress"`
		PercentComplete int             `json:"percentComplete"`
	} `json:"run"`
	JobCount int `json:"jobCount"`
}

func (h *harness) startRun(t *testing.T) uuid.UUID {
	t.Helper()
	w := h.do(t, http.MethodPost, "/runs", map[string]any{
		"definitionId": h.defID,
		"models":       []string{"gpt-4o"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[startResponse](t, w).Run.ID
}

func TestNew_RequiresServices(t *testing.T) {
	_, err := New(Config{}, Services{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "health needs no token")
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	h.pinger.err = errors.New("db down")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.startRun(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "probe_orchestrator_jobs_enqueued_total")
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.queue.Jobs())
}

func TestWithoutAuthServesEverything(t *testing.T) {
	h := newHarness(t, withoutAuth())

	req := httptest.NewRequest(http.MethodPost, "/runs",
		strings.NewReader(`{"definitionId":"`+h.defID.String()+`","models":["gpt-4o"]}`))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	run, err := h.store.GetRun(context.Background(), decode[startResponse](t, w).Run.ID)
	require.NoError(t, err)
	assert.Nil(t, run.CreatedByUserID)
}

func TestStartRun(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/runs", map[string]any{
		"definitionId": h.defID,
		"models":       []string{"gpt-4o"},
		"priority":     "HIGH",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[startResponse](t, w)
	assert.Equal(t, 3, resp.JobCount)
	assert.Equal(t, types.RunStatusPending, resp.Run.Status)
	assert.Equal(t, 3, resp.Run.Progress.Total)
	assert.Len(t, h.queue.JobsOfType(types.JobTypeProbe), 3)

	run, err := h.store.GetRun(context.Background(), resp.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, &h.userID, run.CreatedByUserID, "creator taken from the token")
}

func TestStartRun_Errors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid json", `{"models":`, http.StatusBadRequest},
		{"no models", map[string]any{"definitionId": h.defID, "models": []string{}}, http.StatusBadRequest},
		{"bad sample", map[string]any{"definitionId": h.defID, "models": []string{"gpt-4o"}, "samplePercentage": 0}, http.StatusBadRequest},
		{"unknown definition", map[string]any{"definitionId": uuid.New(), "models": []string{"gpt-4o"}}, http.StatusNotFound},
		{"unknown model", map[string]any{"definitionId": h.defID, "models": []string{"nope"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[errorBody](t, w).Error)
		})
	}
	assert.Empty(t, h.queue.Jobs())
}

func TestGetRun(t *testing.T) {
	h := newHarness(t)
	runID := h.startRun(t)

	_, err := h.store.ApplyProgressDelta(context.Background(), runID, 1, 0)
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/runs/"+runID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(33), body["percentComplete"])
	assert.Equal(t, string(types.RunStatusRunning), body["status"])

	w = h.do(t, http.MethodGet, "/runs/"+runID.String()+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snapshot := decode[progress.Snapshot](t, w)
	assert.Equal(t, 1, snapshot.Progress.Completed)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/runs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/runs/"+uuid.NewString(), nil).Code)
}

func TestLifecycleCommands(t *testing.T) {
	h := newHarness(t)
	runID := h.startRun(t)
	base := "/runs/" + runID.String()

	w := h.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(types.RunStatusPaused), decode[map[string]any](t, w)["status"])

	w = h.do(t, http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[errorBody](t, w).Error, "PAUSED", "message names the current status")

	w = h.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(types.RunStatusPending), decode[map[string]any](t, w)["status"])

	w = h.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(types.RunStatusCancelled), decode[map[string]any](t, w)["status"])
	assert.Empty(t, h.queue.Jobs("created", "retry"), "queued probes removed")

	w = h.do(t, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateRun(t *testing.T) {
	h := newHarness(t)
	runID := h.startRun(t)

	w := h.do(t, http.MethodPatch, "/runs/"+runID.String(), map[string]string{"name": "baseline"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "baseline", decode[map[string]any](t, w)["name"])

	w = h.do(t, http.MethodPatch, "/runs/"+runID.String(), map[string]string{"name": strings.Repeat("x", 300)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteRun(t *testing.T) {
	h := newHarness(t)
	runID := h.startRun(t)

	w := h.do(t, http.MethodDelete, "/runs/"+runID.String(), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, &h.userID, run.DeletedByUserID)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/runs/"+runID.String(), nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/runs/"+runID.String(), nil).Code)
}

func TestSummarizationCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.startRun(t)
	base := "/runs/" + runID.String()

	w := h.do(t, http.MethodPost, base+"/summarization/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "not summarizing yet")

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	scenarios, err := h.store.ListSelectedScenarioIDs(ctx, runID)
	require.NoError(t, err)
	for _, id := range scenarios {
		h.store.AddTranscript(runID, id, "gpt-4o")
	}
	_, err = h.store.ApplyProgressDelta(ctx, runID, run.Progress.Total, 0)
	require.NoError(t, err)

	w = h.do(t, http.MethodPost, base+"/recover", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodPost, base+"/summarization/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(types.RunStatusCompleted), decode[map[string]any](t, w)["status"])

	w = h.do(t, http.MethodPost, base+"/summarization/restart?force=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, base+"/summarization/restart?force=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(3), body["enqueued"])
}

func TestTriggerRecovery(t *testing.T) {
	h := newHarness(t)
	h.startRun(t)

	w := h.do(t, http.MethodPost, "/recovery", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[recovery.Summary](t, w)
	assert.Zero(t, summary.Errors)

	w = h.do(t, http.MethodPost, "/runs/"+uuid.NewString()+"/recover", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCostEstimate(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/cost-estimate", map[string]any{
		"definitionId": h.defID,
		"models":       []string{"gpt-4o"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	est := decode[types.CostEstimate](t, w)
	assert.Equal(t, 3, est.ScenarioCount)
	assert.InDelta(t, 0.06, est.Total, 1e-9)
	assert.False(t, est.IsUsingFallback)
	assert.Empty(t, h.queue.Jobs())

	w = h.do(t, http.MethodPost, "/cost-estimate", map[string]any{"definitionId": h.defID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateProvider(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPut, "/providers/openai", map[string]any{"maxParallelRequests": 8, "requestsPerMinute": 120})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	provider := decode[db.Provider](t, w)
	assert.Equal(t, 8, provider.MaxParallelRequests)
	assert.Equal(t, 120, provider.RequestsPerMinute)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"empty body", "/providers/openai", nil, http.StatusBadRequest},
		{"zero parallel", "/providers/openai", map[string]any{"maxParallelRequests": 0}, http.StatusBadRequest},
		{"unknown provider", "/providers/nope", map[string]any{"requestsPerMinute": 10}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.do(t, http.MethodPut, tt.path, tt.body).Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, withRateLimit(&ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/recovery", Method: "POST", Limit: 1, Window: time.Hour, Burst: 1},
		},
	}))

	w := h.do(t, http.MethodPost, "/recovery", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = h.do(t, http.MethodPost, "/recovery", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestStartStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.server.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
