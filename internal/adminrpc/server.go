// Package adminrpc serves the operator gRPC endpoint: standard health
// checks, optional reflection and the Admin service for inspecting and
// evicting live sessions.
package adminrpc

import (
	"context"
	"net"

	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/game"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Options tunes the admin server.
type Options struct {
	Reflection bool
	Trackers   *connections.Trackers
	Metrics    *observability.SyncCollector
	Log        logging.Logger
}

// Server wraps a grpc.Server carrying the health and Admin services.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	sync     *game.Sync
	trackers *connections.Trackers
	log      logging.Logger
}

// New builds the admin server. Nothing listens until Serve.
func New(s *game.Sync, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			ConnIDUnaryServerInterceptor(log),
			opts.Metrics.UnaryServerInterceptor(),
		),
	)
	srv := &Server{
		grpc:     gs,
		health:   health.NewServer(),
		sync:     s,
		trackers: opts.Trackers,
		log:      log,
	}

	gs.RegisterService(&adminServiceDesc, srv)
	healthpb.RegisterHealthServer(gs, srv.health)
	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	if opts.Reflection {
		reflection.Register(gs)
	}
	return srv
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "starting admin gRPC server", logging.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Shutdown reports NOT_SERVING, then drains in-flight calls until ctx ends
// and stops hard after that.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}
