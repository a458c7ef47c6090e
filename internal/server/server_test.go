package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config backed by a temp baseline file.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "baselines.json")
	snap := baseline.NewSnapshot(map[string]baseline.Profile{
		"PWD": {Mean: 10000, Std: 5000, Q1: 8000, Q3: 12000, Count: 500},
	})
	if err := baseline.WriteFile(path, "department", snap); err != nil {
		t.Fatalf("write baselines: %v", err)
	}

	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		AdminSecret:         "s3cret",
		RateLimitRPS:        1000,
		CORSOrigins:         []string{"*"},
		BaselinesPath:       path,
		ResolutionMode:      "greedy",
		ResolutionThreshold: 0.6,
		Timezone:            "UTC",
		ScoreTimeout:        5 * time.Second,
		ZThreshold:          2,
		IQRMultiplier:       1.5,
		OffHoursStart:       6,
		OffHoursEnd:         22,
		WeekendFlagging:     true,
		RoundUnit:           "1000",
		SplitCeiling:        "2000000",
		BaselineGroupBy:     "department",
		AlertMinScore:       0.5,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_MissingBaselinesIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.BaselinesPath = filepath.Join(t.TempDir(), "missing.json")
	if _, err := New(cfg, WithDrainDelay(0)); err == nil {
		t.Error("expected an error without baselines")
	}
}

func TestNew_BadModelDegrades(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.ModelPath = filepath.Join(t.TempDir(), "missing-model.json")
	})
	if got := s.engine.ModelInfo().Status; got != anomaly.StatusUnavailable {
		t.Errorf("model status = %q, want unavailable", got)
	}
	if got := s.engine.ModelInfo().Detail; !strings.Contains(got, "missing-model.json") {
		t.Errorf("model detail = %q, want the load error", got)
	}
}

func TestNew_LoadsModel(t *testing.T) {
	amounts := make([]float64, 0, 256)
	for i := range 256 {
		amounts = append(amounts, 9000+float64(i%40)*50)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := anomaly.Train(amounts, anomaly.DefaultTrainOptions()).WriteFile(path); err != nil {
		t.Fatalf("write model: %v", err)
	}

	s := newTestServer(t, func(c *config.Config) { c.ModelPath = path })
	if got := s.engine.ModelInfo().Status; got != anomaly.StatusReady {
		t.Errorf("model status = %q, want ready", got)
	}
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint_DegradedWithoutModel(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded' with no model, got %v", resp["status"])
	}
	checks, _ := resp["checks"].([]any)
	var names []string
	for _, c := range checks {
		if m, ok := c.(map[string]any); ok {
			names = append(names, fmt.Sprint(m["name"]))
		}
	}
	if strings.Join(names, ",") != "baselines,anomaly_model,realtime" {
		t.Errorf("Expected baselines, anomaly_model and realtime checks, got %v", names)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	if w := get(s, "/health/live"); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := get(s, "/health/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	w = get(s, "/health/ready")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["baselines"] != float64(1) {
		t.Errorf("Expected 1 baseline group, got %v", resp["baselines"])
	}
	model, _ := resp["model"].(map[string]any)
	if model["status"] != anomaly.StatusUnavailable {
		t.Errorf("Expected model info in readiness output, got %v", resp["model"])
	}
	if model["detail"] != "anomaly: model unavailable: no model configured" {
		t.Errorf("Expected unavailable reason in readiness output, got %v", model["detail"])
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/info",
		"POST:/v1/transactions/score",
		"POST:/v1/transactions/batch",
		"GET:/v1/transactions/history",
		"POST:/v1/vendors/resolve",
		"GET:/v1/vendors/aliases",
		"POST:/v1/admin/vendors/reset",
		"POST:/v1/feedback",
		"GET:/v1/feedback/:vendor",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestScoreThenFeedback(t *testing.T) {
	s := newTestServer(t)

	body := `{"id":"T1","amount":"150000","timestamp":"2024-03-04T10:00:00Z","departmentId":"PWD","vendorId":"Acme Corp","vendorCategory":"construction"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/transactions/score", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-123")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want propagated id", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	tx, _ := decode(t, w)["transaction"].(map[string]any)
	if tx["canonicalVendor"] != "Acme Corp" {
		t.Errorf("unexpected transaction %v", tx)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/feedback", strings.NewReader(`{"vendorId":"ACME CORP","action":"dismiss"}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode(t, get(s, "/v1/feedback/acme%20corp"))
	if resp["canonicalVendorId"] != "Acme Corp" {
		t.Errorf("feedback should resolve to the canonical vendor, got %v", resp["canonicalVendorId"])
	}
}

func TestGeneratedRequestID(t *testing.T) {
	s := newTestServer(t)
	w := get(s, "/health/live")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp := decode(t, get(s, "/v1/info"))
	if resp["storage"] != "memory" || resp["resolutionMode"] != "greedy" {
		t.Errorf("unexpected info %v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := get(s, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "auditrisk_") {
		t.Error("expected auditrisk metrics in output")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	if w := get(s, "/v1/nonexistent"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if !s.ready.Load() {
		t.Error("server should be ready after startup")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.ready.Load() {
		t.Error("server should not be ready after shutdown")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://audit:hunter2@db:5432/auditrisk?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Errorf("password leaked: %s", got)
	}
}
