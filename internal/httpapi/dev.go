package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/model"
)

// postState injects one uber state report as if the player had sent it from
// their current world. Override reports borrow the player's live connection
// id when one exists.
func (s *Server) postState(c *gin.Context) {
	mvID, err := int64Param(c, "multiverse_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	playerID := c.Param("player_id")

	var body stateUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	ctx := c.Request.Context()
	entry, err := store.LoadPopulation(ctx, s.store, playerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entry.MultiverseID != mvID {
		s.fail(c, fmt.Errorf("player %s in multiverse %d: %w", playerID, mvID, store.ErrNotFound))
		return
	}

	report := aggregation.Report{
		ID:       model.UberStateID{Group: body.Group, State: body.State},
		Value:    *body.Value,
		At:       s.sync.Now(),
		PlayerID: playerID,
	}
	if rec, ok := s.sync.Connections().Get(playerID); ok {
		report.ConnID = rec.ConnID
	}
	if _, err := s.sync.ApplyReports(ctx, playerID, entry.WorldID, []aggregation.Report{report}); err != nil {
		if !errors.Is(err, aggregation.ErrInconsistentState) {
			s.fail(c, err)
			return
		}
		logging.FromContext(ctx, s.log).Warn(ctx, "injected state into an orphaned world", logging.World(entry.WorldID))
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) populationSnapshot(c *gin.Context) {
	snapshot := s.sync.Population().Snapshot()
	out := make([]populationView, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, newPopulationView(e))
	}
	slices.SortFunc(out, func(a, b populationView) int { return strings.Compare(a.PlayerID, b.PlayerID) })
	c.JSON(http.StatusOK, out)
}

// populationEntry resolves the entry through the cache, loading it on a miss.
func (s *Server) populationEntry(c *gin.Context) {
	entry, err := s.sync.Population().Get(c.Request.Context(), c.Param("player_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newPopulationView(entry))
}

func (s *Server) remoteTrackers(c *gin.Context) {
	c.JSON(http.StatusOK, s.trackers.Endpoints())
}
