package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.AdminRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("sync_admin_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "sync_admin_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("sync_admin_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.AdminRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("sync_admin_requests_total error label = %v, want 1", got)
	}
}

func TestSyncRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}

	collector.SetConnections(4)
	collector.MessageReceived("UberStateBatchUpdateMessage")
	collector.MessageSent("UberStateBatchUpdateMessage", 3)
	collector.MessageSent("UberStateBatchUpdateMessage", 0)
	collector.ObserveAggregation(time.Millisecond, nil)
	collector.ObserveAggregation(time.Millisecond, errors.New("orphaned"))
	collector.FanoutFailed("player")
	collector.SetTrackerEndpoints(2)

	if got := testutil.ToFloat64(collector.Connections); got != 4 {
		t.Fatalf("sync_connections = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.Messages.WithLabelValues("UberStateBatchUpdateMessage", "out")); got != 3 {
		t.Fatalf("outbound messages = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.Messages.WithLabelValues("UberStateBatchUpdateMessage", "in")); got != 1 {
		t.Fatalf("inbound messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.FanoutFailures.WithLabelValues("player")); got != 1 {
		t.Fatalf("fanout failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.TrackerEndpoints); got != 2 {
		t.Fatalf("tracker endpoints = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "sync_aggregation_duration_seconds", map[string]string{"outcome": "error"}); count != 1 {
		t.Fatalf("error aggregation samples = %d, want 1", count)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SyncCollector
	c.SetConnections(1)
	c.MessageReceived("x")
	c.MessageSent("x", 1)
	c.ObserveAggregation(time.Second, nil)
	c.FanoutFailed("tracker")
	c.SetTrackerEndpoints(1)
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}
	second, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("second NewSyncCollector: %v", err)
	}
	first.MessageReceived("AuthenticateMessage")
	if got := testutil.ToFloat64(second.Messages.WithLabelValues("AuthenticateMessage", "in")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}
	collector.SetConnections(7)
	collector.MessageReceived("UberStateUpdateMessage")
	collector.AdminRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.AdminDurations.WithLabelValues("svc", "method").Observe(0.01)
	collector.ObserveAggregation(time.Millisecond, nil)
	collector.FanoutFailed("tracker")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"sync_connections 7",
		"sync_messages_total",
		"sync_aggregation_duration_seconds",
		"sync_fanout_failures_total",
		"sync_tracker_endpoints",
		"sync_admin_requests_total",
		"sync_admin_request_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"Check":                        {"unknown", "unknown"},
		"/svc/":                        {"svc", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = (%q, %q), want (%q, %q)", in, service, method, want[0], want[1])
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("SYNC_TRACING_ENABLED", "TRUE")
	t.Setenv("SYNC_TRACING_EXPORTER", "OTLP")
	t.Setenv("SYNC_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("SYNC_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected tracing config: %+v", cfg)
	}
	if cfg.ServiceName != "wotw-syncserver" {
		t.Fatalf("service name = %q, want default", cfg.ServiceName)
	}

	t.Setenv("SYNC_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1.0 {
		t.Fatalf("out-of-range ratio should be ignored, got %v", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), DefaultTracingConfig(), nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "test", 3)
	span.End()
	if ctx == nil {
		t.Fatalf("StartSpan returned nil context")
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
