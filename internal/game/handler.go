package game

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of a Handler.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HandlerConfig tunes one connection handler.
type HandlerConfig struct {
	// ConnID identifies the transport session; generated when empty.
	ConnID string
	// PositionRate caps relayed position messages per second.
	PositionRate  rate.Limit
	PositionBurst int
}

// DefaultHandlerConfig allows 20 position messages per second.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{PositionRate: 20, PositionBurst: 5}
}

// Handler routes the messages of one game connection. Messages of a
// connection are handled one at a time by its read loop.
type Handler struct {
	sync      *Sync
	auth      auth.Authenticator
	socket    connections.Socket
	connID    string
	positions *rate.Limiter
	log       logging.Logger

	mu           sync.Mutex
	state        State
	principal    auth.Principal
	multiverseID int64
	closeOnce    sync.Once
}

// NewHandler constructs a handler for a freshly accepted socket.
func NewHandler(s *Sync, authn auth.Authenticator, socket connections.Socket, cfg HandlerConfig) *Handler {
	if cfg.ConnID == "" {
		cfg.ConnID = logging.NewConnID()
	}
	if cfg.PositionRate <= 0 {
		cfg.PositionRate = DefaultHandlerConfig().PositionRate
	}
	if cfg.PositionBurst <= 0 {
		cfg.PositionBurst = DefaultHandlerConfig().PositionBurst
	}
	return &Handler{
		sync:      s,
		auth:      authn,
		socket:    socket,
		connID:    cfg.ConnID,
		positions: rate.NewLimiter(cfg.PositionRate, cfg.PositionBurst),
		log:       s.log.With(logging.String("conn_id", cfg.ConnID)),
	}
}

// ConnID returns the transport session id.
func (h *Handler) ConnID() string { return h.connID }

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PlayerID returns the authenticated player, empty before authentication.
func (h *Handler) PlayerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.principal.PlayerID
}

// Handle dispatches one decoded message. A returned error ends the session;
// CloseCodeFor maps it to a close code.
func (h *Handler) Handle(ctx context.Context, msg wire.Message) error {
	state := h.State()
	if state == StateClosed {
		return ErrHandlerClosed
	}
	h.sync.metrics.MessageReceived(msg.PacketID().String())

	if m, ok := msg.(*wire.AuthenticateMessage); ok {
		if state != StateUnauthenticated {
			return violation("already authenticated")
		}
		return h.authenticate(ctx, m.JWT)
	}
	if state != StateBound {
		return violation("No session active!")
	}

	switch m := msg.(type) {
	case *wire.UberStateUpdateMessage:
		return h.report(ctx, []wire.UberStateUpdateMessage{*m})
	case *wire.UberStateBatchUpdateMessage:
		return h.report(ctx, m.Updates)
	case *wire.PlayerPositionMessage:
		h.position(ctx, m)
		return nil
	case *wire.RequestUpdatesMessage:
		return h.requestUpdates(ctx)
	default:
		h.log.Debug(ctx, "ignoring client message", logging.String("packet", msg.PacketID().String()))
		return nil
	}
}

func (h *Handler) authenticate(ctx context.Context, token string) error {
	principal, err := h.auth.Authenticate(ctx, token)
	if errors.Is(err, auth.ErrInvalidToken) {
		return violation("No session active!")
	}
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := principal.Require(auth.ScopeMultiverseConnect); err != nil {
		return violation("You are not allowed to connect with these credentials!")
	}

	h.mu.Lock()
	h.state = StateAuthenticated
	h.principal = principal
	h.mu.Unlock()
	h.log = h.log.With(logging.Player(principal.PlayerID))

	entry, err := h.sync.population.Get(ctx, principal.PlayerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && entry.MultiverseID == 0) {
		return ErrNotInMultiverse
	}
	if err != nil {
		return fmt.Errorf("resolve population of %s: %w", principal.PlayerID, err)
	}
	mv, err := h.sync.store.Multiverse(ctx, entry.MultiverseID)
	if err != nil {
		return fmt.Errorf("load multiverse %d: %w", entry.MultiverseID, err)
	}
	world, err := h.sync.store.World(ctx, entry.WorldID)
	if err != nil {
		return fmt.Errorf("load world %d: %w", entry.WorldID, err)
	}

	if err := h.bind(entry.MultiverseID); err != nil {
		return err
	}
	h.log.Info(ctx, "game session bound", logging.World(entry.WorldID), logging.Multiverse(entry.MultiverseID))

	h.send(ctx, &wire.AuthenticatedMessage{User: wire.UserInfo{ID: principal.PlayerID, Name: principal.Name, AvatarID: principal.AvatarID}})
	h.send(ctx, h.sync.InitGameSync(mv))
	h.send(ctx, wire.ServerText(h.sync.Greeting(ctx, principal.Name, mv.ID, world)))
	if info, err := h.sync.MultiverseInfo(ctx, mv.ID); err == nil {
		h.send(ctx, info)
	} else {
		h.log.Warn(ctx, "build multiverse info failed", logging.Err(err))
	}
	if mv.Board != nil {
		if progress, err := h.sync.Progress(ctx, mv.ID); err == nil && progress != nil {
			h.send(ctx, progress)
		}
	}
	return nil
}

// bind registers the connection under a multiverse. A registration that
// replaced another connection of the same player closed that one.
func (h *Handler) bind(multiverseID int64) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	playerID := h.principal.PlayerID
	h.state = StateBound
	h.multiverseID = multiverseID
	h.mu.Unlock()

	scope := model.MultiverseScope(multiverseID)
	h.sync.connections.Register(connections.Record{PlayerID: playerID, ConnID: h.connID, Socket: h.socket, Scope: &scope})
	return nil
}

// report resolves the player's world at this instant and aggregates the
// updates. Aggregation errors are logged and never end the session, except
// for a closed engine during shutdown.
func (h *Handler) report(ctx context.Context, updates []wire.UberStateUpdateMessage) error {
	if len(updates) == 0 {
		return nil
	}
	playerID := h.PlayerID()
	entry, ok := h.sync.population.GetOrNull(playerID)
	if !ok {
		var err error
		entry, err = h.sync.population.Get(ctx, playerID)
		if err != nil {
			h.log.Debug(ctx, "dropping updates from player without world", logging.Err(err))
			return nil
		}
	}

	h.mu.Lock()
	rebind := entry.MultiverseID != 0 && entry.MultiverseID != h.multiverseID
	h.mu.Unlock()
	if rebind && h.sync.connections.IsLive(playerID, h.connID) {
		h.mu.Lock()
		h.multiverseID = entry.MultiverseID
		h.mu.Unlock()
		h.sync.connections.SetScope(playerID, model.MultiverseScope(entry.MultiverseID))
		h.log.Info(ctx, "session rebound", logging.Multiverse(entry.MultiverseID))
	}

	now := h.sync.Now()
	reports := make([]aggregation.Report, 0, len(updates))
	for _, u := range updates {
		reports = append(reports, aggregation.Report{ID: u.ID, Value: u.Value, At: now, PlayerID: playerID, ConnID: h.connID})
	}

	_, err := h.sync.ApplyReports(ctx, playerID, entry.WorldID, reports)
	switch {
	case err == nil, errors.Is(err, aggregation.ErrInconsistentState):
		return nil
	case errors.Is(err, aggregation.ErrEngineClosed):
		return err
	default:
		h.log.Warn(ctx, "apply reports failed", logging.World(entry.WorldID), logging.Err(err))
		return nil
	}
}

func (h *Handler) position(ctx context.Context, m *wire.PlayerPositionMessage) {
	if !h.positions.Allow() {
		return
	}
	playerID := h.PlayerID()
	entry, err := h.sync.population.Get(ctx, playerID)
	if err != nil {
		return
	}
	targets := entry.UniverseMembersExcept(playerID)
	h.sync.connections.ToPlayers(ctx, targets, &wire.UpdatePlayerPositionMessage{PlayerID: playerID, X: m.X, Y: m.Y}, true)
}

func (h *Handler) requestUpdates(ctx context.Context) error {
	playerID := h.PlayerID()
	entry, err := h.sync.population.Get(ctx, playerID)
	if err != nil {
		return nil
	}
	h.sync.ResyncWorld(ctx, playerID, entry.WorldID)
	return nil
}

func (h *Handler) send(ctx context.Context, msg wire.Message) {
	data, err := wire.Marshal(msg)
	if err != nil {
		h.log.Error(ctx, "encode message", logging.String("packet", msg.PacketID().String()), logging.Err(err))
		return
	}
	if err := h.socket.Send(data); err != nil {
		h.log.Debug(ctx, "send failed", logging.String("packet", msg.PacketID().String()), logging.Err(err))
		return
	}
	h.sync.metrics.MessageSent(msg.PacketID().String(), 1)
}

// Close ends the session with the given close code. It unregisters the
// connection and closes the socket exactly once.
func (h *Handler) Close(code int, reason string) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.state = StateClosed
		playerID := h.principal.PlayerID
		h.mu.Unlock()

		if playerID != "" {
			h.sync.connections.Unregister(playerID, h.connID)
		}
		_ = h.socket.Close(code, reason)
	})
}

// Reader yields inbound frames; *transport.Conn satisfies it.
type Reader interface {
	Read() ([]byte, error)
}

// Serve runs the read loop until the peer goes away, ctx is cancelled or a
// message ends the session. It always closes the handler. Undecodable frames
// are logged and skipped.
func (h *Handler) Serve(ctx context.Context, r Reader) error {
	ctx = logging.ContextWithConnID(ctx, h.connID)
	for {
		if err := ctx.Err(); err != nil {
			h.Close(CloseCodeFor(aggregation.ErrEngineClosed))
			return nil
		}
		data, err := r.Read()
		if err != nil {
			h.Close(CloseCodeFor(nil))
			if errors.Is(err, connections.ErrTransportFailure) {
				return nil
			}
			return err
		}

		msg, err := wire.Unmarshal(data)
		if err != nil {
			h.log.Debug(ctx, "discarding undecodable frame", logging.Err(err))
			continue
		}
		if err := h.Handle(ctx, msg); err != nil {
			code, reason := CloseCodeFor(err)
			if code != websocket.CloseNormalClosure {
				h.log.Warn(ctx, "closing game session", logging.Int("code", code), logging.String("reason", reason), logging.Err(err))
			}
			h.Close(code, reason)
			if errors.Is(err, ErrPolicyViolation) || errors.Is(err, ErrNotInMultiverse) || errors.Is(err, ErrHandlerClosed) {
				return nil
			}
			return err
		}
	}
}
