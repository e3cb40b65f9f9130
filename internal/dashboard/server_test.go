package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polyflow/config"
	"polyflow/internal/metrics"
	"polyflow/internal/ratelimit"
	"polyflow/internal/stream"
	"polyflow/logger"
)

type stubPump struct{ status stream.Status }

func (s stubPump) Status() stream.Status { return s.status }

type stubLimits struct{ statuses []ratelimit.CategoryStatus }

func (s stubLimits) Status() []ratelimit.CategoryStatus { return s.statuses }

func testServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DashboardConfig{
		Enabled:    true,
		Address:    "127.0.0.1:0",
		LogHistory: 50,
		Refresh:    time.Second,
	}
	pump := stubPump{status: stream.Status{
		PumpRunning: true,
		Trading:     stream.ChannelStatus{Connected: true, URL: "wss://example/trading"},
	}}
	limits := stubLimits{statuses: []ratelimit.CategoryStatus{
		{Category: ratelimit.CategoryMarketData, AvailableTokens: 150, MaxTokens: 200, RefillRate: 20},
	}}

	srv := NewServer(cfg, pump, limits, logger.GetLogger())
	if srv == nil {
		t.Fatalf("server nil despite enabled config")
	}
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestNewServerDisabled(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: false}, stubPump{}, stubLimits{}, nil)
	if srv != nil {
		t.Fatalf("disabled config produced a server")
	}
	if srv.Address() != "" {
		t.Errorf("nil server address %q", srv.Address())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)
	defer srv.cleanup()

	rec := get(t, srv, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)
	defer srv.cleanup()

	rec := get(t, srv, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint returned %d", rec.Code)
	}

	var status stream.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.PumpRunning {
		t.Errorf("pump running flag lost in transit")
	}
	if status.Trading.URL != "wss://example/trading" {
		t.Errorf("trading URL %q", status.Trading.URL)
	}
}

func TestRateLimitsEndpoint(t *testing.T) {
	srv := testServer(t)
	defer srv.cleanup()

	rec := get(t, srv, "/api/ratelimits")
	if rec.Code != http.StatusOK {
		t.Fatalf("ratelimits endpoint returned %d", rec.Code)
	}

	var payload struct {
		Categories []ratelimit.CategoryStatus `json:"categories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode ratelimits: %v", err)
	}
	if len(payload.Categories) != 1 {
		t.Fatalf("got %d categories", len(payload.Categories))
	}
	if payload.Categories[0].Category != ratelimit.CategoryMarketData {
		t.Errorf("category %s", payload.Categories[0].Category)
	}
}

func TestLogsEndpointCapturesEntries(t *testing.T) {
	srv := testServer(t)
	defer srv.cleanup()

	srv.log.WithComponent("dashboard-test").Info("captured for the dashboard")

	rec := get(t, srv, "/api/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs endpoint returned %d", rec.Code)
	}

	var payload struct {
		Logs []map[string]interface{} `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode logs: %v", err)
	}

	found := false
	for _, l := range payload.Logs {
		if l["message"] == "captured for the dashboard" && l["component"] == "dashboard-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("emitted log entry not captured")
	}
}

func TestMetricsEndpointCapturesEmits(t *testing.T) {
	srv := testServer(t)
	defer srv.cleanup()

	metrics.Emit(logger.GetLogger(), "dashboard-test", "frames_pumped", 42, "counter", nil)

	rec := get(t, srv, "/api/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}

	var payload struct {
		Metrics []map[string]interface{} `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}

	found := false
	for _, m := range payload.Metrics {
		if m["name"] == "frames_pumped" {
			found = true
		}
	}
	if !found {
		t.Errorf("emitted metric not captured")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	srv := testServer(t)
	defer srv.cleanup()

	rec := get(t, srv, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("prometheus endpoint returned %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Errorf("empty prometheus exposition")
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ":8080"},
		{"  ", ":8080"},
		{":9000", ":9000"},
		{"127.0.0.1", "127.0.0.1:8080"},
		{"127.0.0.1:7000", "127.0.0.1:7000"},
	}
	for _, tt := range tests {
		if got := normalizeAddress(tt.in); got != tt.want {
			t.Errorf("normalizeAddress(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestLogStoreBounded(t *testing.T) {
	store := newLogStore(3)
	for i := 0; i < 10; i++ {
		entry := logger.GetLogger().WithComponent("bound-test").Entry
		entry.Message = "entry"
		entry.Time = time.Now()
		_ = store.Fire(entry)
	}
	if got := len(store.snapshot()); got != 3 {
		t.Errorf("log store holds %d records, limit 3", got)
	}
}
