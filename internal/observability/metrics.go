package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// SyncCollector bundles Prometheus metrics for the sync server and provides
// helpers to wire them into the admin gRPC server and the HTTP surface.
type SyncCollector struct {
	gatherer prometheus.Gatherer

	Connections      prometheus.Gauge
	Messages         *prometheus.CounterVec
	AggregationTime  *prometheus.HistogramVec
	FanoutFailures   *prometheus.CounterVec
	TrackerEndpoints prometheus.Gauge

	AdminRequests  *prometheus.CounterVec
	AdminDurations *prometheus.HistogramVec
}

// NewSyncCollector registers sync server metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSyncCollector(reg prometheus.Registerer) (*SyncCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	connections, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_connections",
		Help: "Current number of registered game connections.",
	}), "sync_connections")
	if err != nil {
		return nil, err
	}

	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_messages_total",
		Help: "Wire messages handled, labeled by packet type and direction.",
	}, []string{"packet", "direction"}), "sync_messages_total")
	if err != nil {
		return nil, err
	}

	aggregation, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_aggregation_duration_seconds",
		Help:    "Time spent inside a multiverse aggregation job.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"outcome"}), "sync_aggregation_duration_seconds")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_fanout_failures_total",
		Help: "Deliveries that failed during fan-out, labeled by target kind.",
	}, []string{"target"}), "sync_fanout_failures_total")
	if err != nil {
		return nil, err
	}

	trackers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_tracker_endpoints",
		Help: "Current number of remote tracker endpoints.",
	}), "sync_tracker_endpoints")
	if err != nil {
		return nil, err
	}

	adminRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_admin_requests_total",
		Help: "Admin RPCs handled, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "sync_admin_requests_total")
	if err != nil {
		return nil, err
	}

	adminDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_admin_request_duration_seconds",
		Help:    "Admin RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service", "method"}), "sync_admin_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SyncCollector{
		gatherer:         gatherer,
		Connections:      connections,
		Messages:         messages,
		AggregationTime:  aggregation,
		FanoutFailures:   failures,
		TrackerEndpoints: trackers,
		AdminRequests:    adminRequests,
		AdminDurations:   adminDurations,
	}, nil
}

// SetConnections records the registry size.
func (c *SyncCollector) SetConnections(n int) {
	if c == nil || c.Connections == nil {
		return
	}
	c.Connections.Set(float64(n))
}

// MessageReceived counts one inbound packet of the given type.
func (c *SyncCollector) MessageReceived(packet string) {
	if c == nil || c.Messages == nil {
		return
	}
	c.Messages.WithLabelValues(packet, "in").Inc()
}

// MessageSent counts outbound packets; a fan-out to n peers counts n.
func (c *SyncCollector) MessageSent(packet string, n int) {
	if c == nil || c.Messages == nil || n <= 0 {
		return
	}
	c.Messages.WithLabelValues(packet, "out").Add(float64(n))
}

// ObserveAggregation records the duration of one aggregation job.
func (c *SyncCollector) ObserveAggregation(d time.Duration, err error) {
	if c == nil || c.AggregationTime == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.AggregationTime.WithLabelValues(outcome).Observe(d.Seconds())
}

// FanoutFailed counts a failed delivery to a player or tracker listener.
func (c *SyncCollector) FanoutFailed(target string) {
	if c == nil || c.FanoutFailures == nil {
		return
	}
	c.FanoutFailures.WithLabelValues(target).Inc()
}

// SetTrackerEndpoints records the number of live relay endpoints.
func (c *SyncCollector) SetTrackerEndpoints(n int) {
	if c == nil || c.TrackerEndpoints == nil {
		return
	}
	c.TrackerEndpoints.Set(float64(n))
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *SyncCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.AdminRequests != nil {
			c.AdminRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.AdminDurations != nil {
			c.AdminDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SyncCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
