package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
)

var (
	// ErrBadRequest marks malformed path parameters or bodies.
	ErrBadRequest = errors.New("bad request")
	// ErrConflict is returned when the request contradicts the player's role,
	// such as joining a world of a multiverse they spectate.
	ErrConflict = errors.New("conflict")
)

// StatusFor maps sync errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrMissingScope):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, aggregation.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), s.log).Error(c.Request.Context(), "request failed",
			logging.String("route", c.FullPath()), logging.Err(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
