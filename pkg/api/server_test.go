package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/statusflow/statusflow/pkg/engine"
	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/stores"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

// newTestServer wires a real store, registry, engine and executor behind the
// gateway, the way the serve command does.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "statusflow.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	kinds, err := resource.NewRegistry(&resource.Kind{
		Name:     "apiKey",
		Statuses: []resource.Status{"active", "disabled", "deleted"},
		Transitions: []resource.Transition{
			{From: "active", To: "disabled"},
			{From: "disabled", To: "active"},
			{From: "active", To: "deleted", Async: true, Effect: "sleep"},
		},
	})
	if err != nil {
		t.Fatalf("failed to register kind: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "statusflow"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "statusflow-test", "test", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}

	tracker := engine.NewOperationTracker(store, logger, metrics, tracer)
	executor := engine.NewExecutor(engine.ExecutorConfig{Workers: 2}, tracker, store, logger, metrics, tracer)
	executor.Start(ctx)
	t.Cleanup(executor.Stop)

	eng := engine.NewEngine(engine.Config{SyncBudget: time.Second}, store, kinds, tracker, executor, logger, metrics, tracer)

	return NewServer(DefaultConfig(), eng, store, logger, metrics)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func seedResource(t *testing.T, s *Server, id string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPut, "/api/v1/resources/"+id, map[string]any{
		"kind":   "apiKey",
		"status": "active",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating %s, got %d: %s", id, w.Code, w.Body.String())
	}
}

func TestPutAndGetResource(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	w := doJSON(t, s, http.MethodGet, "/api/v1/resources/key-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "active" || body["kind"] != "apiKey" {
		t.Errorf("unexpected resource body: %v", body)
	}
	if _, ok := body["desiredStatus"]; ok {
		t.Errorf("desiredStatus should be absent on a quiescent resource: %v", body)
	}
}

func TestPatchSyncTransition(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	w := doJSON(t, s, http.MethodPatch, "/api/v1/resources/key-1", map[string]any{"status": "disabled"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "disabled" {
		t.Errorf("expected status disabled, got %v", body["status"])
	}
	if body["desiredStatus"] != "disabled" {
		t.Errorf("sync response should mirror desired status, got %v", body["desiredStatus"])
	}

	// The stored resource carries no desired status after a sync change.
	w = doJSON(t, s, http.MethodGet, "/api/v1/resources/key-1", nil)
	body = decodeBody(t, w)
	if _, ok := body["desiredStatus"]; ok {
		t.Errorf("desiredStatus should not persist past a sync change: %v", body)
	}
}

func TestPatchInvalidTransition(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	w := doJSON(t, s, http.MethodPatch, "/api/v1/resources/key-1", map[string]any{"status": "nonsense"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown status, got %d: %s", w.Code, w.Body.String())
	}

	// disabled -> deleted is not in the table.
	if w := doJSON(t, s, http.MethodPatch, "/api/v1/resources/key-1", map[string]any{"status": "disabled"}); w.Code != http.StatusOK {
		t.Fatalf("setup transition failed: %d", w.Code)
	}
	w = doJSON(t, s, http.MethodPatch, "/api/v1/resources/key-1", map[string]any{"status": "deleted"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for disallowed transition, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	errObj, _ := body["error"].(map[string]any)
	if errObj == nil || errObj["kind"] != "invalid_transition" {
		t.Errorf("expected invalid_transition error, got %v", body)
	}
}

func TestPatchUnknownResource(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPatch, "/api/v1/resources/missing", map[string]any{"status": "disabled"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	errObj, _ := body["error"].(map[string]any)
	if errObj == nil || errObj["kind"] != "not_found" {
		t.Errorf("expected not_found error, got %v", body)
	}
}

func TestPatchMalformedBody(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/resources/key-1", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestChangeRequestAsyncLifecycle(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	w := doJSON(t, s, http.MethodPost, "/api/v1/resources/key-1/changeRequests", map[string]any{
		"status": "deleted",
		"params": map[string]any{"duration": 0.02},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	loc := w.Header().Get("Operation-Location")
	if loc == "" {
		t.Fatal("expected Operation-Location header")
	}
	body := decodeBody(t, w)
	opObj, _ := body["operation"].(map[string]any)
	if opObj == nil || opObj["id"] == "" {
		t.Fatalf("expected operation reference, got %v", body)
	}
	if body["status"] != "active" {
		t.Errorf("accepted body should report the unchanged status, got %v", body["status"])
	}

	waitForOperationState(t, s, loc, "succeeded", 5*time.Second)

	w = doJSON(t, s, http.MethodGet, "/api/v1/resources/key-1", nil)
	body = decodeBody(t, w)
	if body["status"] != "deleted" {
		t.Errorf("expected status deleted after operation, got %v", body["status"])
	}
	if _, ok := body["desiredStatus"]; ok {
		t.Errorf("desiredStatus should clear once the operation finishes: %v", body)
	}
}

func TestChangeRequestConflictWhileInFlight(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	w := doJSON(t, s, http.MethodPost, "/api/v1/resources/key-1/changeRequests", map[string]any{
		"status": "deleted",
		"params": map[string]any{"duration": 2},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPatch, "/api/v1/resources/key-1", map[string]any{"status": "disabled"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while operation in flight, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	errObj, _ := body["error"].(map[string]any)
	if errObj == nil || errObj["code"] != "OPERATION_PENDING" {
		t.Errorf("expected OPERATION_PENDING, got %v", body)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/operations/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListResourceOperationsAndEvents(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")

	w := doJSON(t, s, http.MethodPost, "/api/v1/resources/key-1/changeRequests", map[string]any{
		"status": "deleted",
		"params": map[string]any{"duration": 0.02},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	waitForOperationState(t, s, w.Header().Get("Operation-Location"), "succeeded", 5*time.Second)

	w = doJSON(t, s, http.MethodGet, "/api/v1/resources/key-1/operations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["count"].(float64) != 1 {
		t.Errorf("expected 1 operation, got %v", body["count"])
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/resources/key-1/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["count"].(float64) < 1 {
		t.Errorf("expected at least one event, got %v", body["count"])
	}
}

func TestListResources(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")
	seedResource(t, s, "key-2")

	w := doJSON(t, s, http.MethodGet, "/api/v1/resources?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["count"].(float64) != 2 {
		t.Errorf("expected 2 resources, got %v", body["count"])
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	seedResource(t, s, "key-1")
	doJSON(t, s, http.MethodPatch, "/api/v1/resources/key-1", map[string]any{"status": "disabled"})

	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("statusflow_transitions_total")) {
		t.Error("expected transition counter in metrics output")
	}
}

func waitForOperationState(t *testing.T, s *Server, location, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w := doJSON(t, s, http.MethodGet, location, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("operation lookup failed: %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		state, _ := body["state"].(string)
		if state == want {
			return
		}
		if state == "failed" && want != "failed" {
			t.Fatalf("operation failed: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation did not reach state %s within %s", want, timeout)
}
