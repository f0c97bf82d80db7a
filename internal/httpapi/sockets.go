package httpapi

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/game"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/transport"
)

// upgrade switches the request to a websocket. On failure the upgrader has
// already answered the request.
func (s *Server) upgrade(c *gin.Context, cfg transport.Config) (*transport.Conn, context.Context, logging.Logger, bool) {
	ctx := c.Request.Context()
	log := logging.FromContext(ctx, s.log)
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug(ctx, "websocket upgrade failed", logging.Err(err))
		return nil, ctx, log, false
	}
	return transport.New(ws, cfg, log), ctx, log, true
}

// release waits for queued frames and the close frame to be written.
func (s *Server) release(conn *transport.Conn) {
	wait := s.opts.Transport.WriteWait
	if wait <= 0 {
		wait = transport.DefaultConfig().WriteWait
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_ = conn.Wait(ctx)
}

// gameSocket runs one game session until the client leaves or is closed.
func (s *Server) gameSocket(c *gin.Context) {
	conn, ctx, log, ok := s.upgrade(c, s.opts.Transport)
	if !ok {
		return
	}
	defer s.release(conn)

	cfg := s.opts.Handler
	cfg.ConnID = logging.ConnIDFromContext(ctx)
	h := game.NewHandler(s.sync, s.auth, conn, cfg)
	log.Info(ctx, "game session opened", logging.String("remote", conn.RemoteAddr()))

	if err := h.Serve(ctx, conn); err != nil {
		log.Warn(ctx, "game session ended", logging.Player(h.PlayerID()), logging.Err(err))
		return
	}
	log.Info(ctx, "game session closed", logging.Player(h.PlayerID()))
}

func (s *Server) trackerTransport() transport.Config {
	cfg := s.opts.Transport
	cfg.Text = true
	return cfg
}

// trackerBroadcast registers the caller as broadcaster of ?key= (generated
// when absent), sends the key in use as the first frame, then relays every
// frame it sends to the key's listeners.
func (s *Server) trackerBroadcast(c *gin.Context) {
	conn, ctx, log, ok := s.upgrade(c, s.trackerTransport())
	if !ok {
		return
	}
	defer s.release(conn)

	key := s.trackers.RegisterBroadcaster(c.Query("key"), conn)
	defer s.trackers.RemoveBroadcaster(key, conn)
	if err := conn.Send([]byte(key)); err != nil {
		_ = conn.Close(websocket.CloseInternalServerErr, "")
		return
	}
	log.Info(ctx, "tracker broadcaster attached", logging.String("tracker", key))

	for {
		data, err := conn.Read()
		if err != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "")
			return
		}
		if _, err := s.trackers.Relay(ctx, key, conn, data); err != nil {
			reason := "tracker broadcaster replaced"
			if errors.Is(err, connections.ErrLeaseExpired) {
				reason = "tracker lease expired"
			}
			_ = conn.Close(websocket.CloseNormalClosure, reason)
			return
		}
	}
}

// trackerListen attaches the caller to key until it disconnects.
func (s *Server) trackerListen(c *gin.Context) {
	conn, ctx, log, ok := s.upgrade(c, s.trackerTransport())
	if !ok {
		return
	}
	defer s.release(conn)

	key := c.Param("key")
	s.trackers.AddListener(key, conn)
	defer s.trackers.RemoveListener(key, conn)
	log.Debug(ctx, "tracker listener attached", logging.String("tracker", key))

	for {
		if _, err := conn.Read(); err != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "")
			return
		}
	}
}
