package httpapi

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/logging"
)

const principalKey = "principal"

// requireAuth resolves the bearer token into an auth.Principal.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			s.fail(c, auth.ErrInvalidToken)
			return
		}
		p, err := s.auth.Authenticate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principal(c *gin.Context) auth.Principal {
	p, _ := c.Get(principalKey)
	out, _ := p.(auth.Principal)
	return out
}

func int64Param(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: unparsable %s %q", ErrBadRequest, name, c.Param(name))
	}
	return id, nil
}

func (s *Server) getMultiverse(c *gin.Context) {
	mvID, err := int64Param(c, "multiverse_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.sync.MultiverseInfo(c.Request.Context(), mvID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newMultiverseView(info))
}

func (s *Server) getWorld(c *gin.Context) {
	mvID, err := int64Param(c, "multiverse_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	worldID, err := int64Param(c, "world_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.sync.WorldInfo(c.Request.Context(), mvID, worldID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newWorldView(info))
}

func (s *Server) getCompletions(c *gin.Context) {
	mvID, err := int64Param(c, "multiverse_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	summary, err := s.store.Completions(c.Request.Context(), mvID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newCompletionsView(summary))
}

// joinWorld moves the caller into a world of the multiverse. Spectators of
// the multiverse cannot join it.
func (s *Server) joinWorld(c *gin.Context) {
	p := principal(c)
	if err := p.Require(auth.ScopeWorldJoin); err != nil {
		s.fail(c, err)
		return
	}
	mvID, err := int64Param(c, "multiverse_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	worldID, err := int64Param(c, "world_id")
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	mv, err := s.store.Multiverse(ctx, mvID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if slices.Contains(mv.SpectatorIDs, p.PlayerID) {
		s.fail(c, fmt.Errorf("%w: you cannot join this multiverse because you are spectating", ErrConflict))
		return
	}
	if _, err := s.sync.WorldInfo(ctx, mvID, worldID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.sync.MovePlayerToWorld(ctx, p.PlayerID, worldID); err != nil {
		s.fail(c, err)
		return
	}
	logging.FromContext(ctx, s.log).Info(ctx, "player joined world", logging.Player(p.PlayerID), logging.World(worldID))

	info, err := s.sync.MultiverseInfo(ctx, mvID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newMultiverseView(info))
}

func (s *Server) spectate(c *gin.Context) {
	p := principal(c)
	if err := p.Require(auth.ScopeMultiverseSpectate); err != nil {
		s.fail(c, err)
		return
	}
	mvID, err := int64Param(c, "multiverse_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.sync.Spectate(c.Request.Context(), mvID, p.PlayerID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}
