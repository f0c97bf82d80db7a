// Package httpapi exposes the game and tracker websockets, the multiverse
// REST endpoints and the developer inspection endpoints over gin.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/game"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/transport"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "wotw-syncserver"

// Options tunes the HTTP surface.
type Options struct {
	// DevMode registers the /dev routes and the state injection endpoint.
	DevMode   bool
	Transport transport.Config
	Handler   game.HandlerConfig
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     logging.Logger
}

// Server holds the shared services behind the routes.
type Server struct {
	sync     *game.Sync
	store    store.Store
	auth     auth.Authenticator
	trackers *connections.Trackers
	opts     Options
	log      logging.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

// New builds a server. Call Router to obtain the http.Handler.
func New(s *game.Sync, st store.Store, authn auth.Authenticator, trackers *connections.Trackers, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		sync:     s,
		store:    st,
		auth:     authn,
		trackers: trackers,
		opts:     opts,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients send no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Router wires every route onto a fresh gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), s.requestLogger())

	r.GET("/healthz", s.health)
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	r.GET("/multiverse_sync", s.gameSocket)
	r.GET("/remote-tracker/broadcast", s.trackerBroadcast)
	r.GET("/remote-tracker/listen/:key", s.trackerListen)

	mv := r.Group("/multiverses/:multiverse_id")
	mv.GET("", s.getMultiverse)
	mv.GET("/completions", s.getCompletions)
	mv.GET("/worlds/:world_id", s.getWorld)

	authed := mv.Group("", s.requireAuth())
	authed.POST("/worlds/:world_id", s.joinWorld)
	authed.POST("/spectate", s.spectate)

	if s.opts.DevMode {
		dev := r.Group("/dev")
		dev.POST("/multiverses/:multiverse_id/players/:player_id/state", s.postState)
		dev.GET("/caches/population", s.populationSnapshot)
		dev.GET("/caches/population/:player_id", s.populationEntry)
		dev.GET("/remote-trackers", s.remoteTrackers)
	}
	return r
}

// requestLogger stores a logger tagged with a connection id on the request
// context. Websocket handlers reuse the id for their session.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, log := logging.WithConnLogger(c.Request.Context(), s.log)
		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()
		log.Debug(ctx, "http request",
			logging.String("method", c.Request.Method),
			logging.String("route", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": len(s.sync.Connections().Connected()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}
