package game

import (
	"errors"

	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/connections"
)

var (
	// ErrPolicyViolation marks a client breaking the session protocol. The
	// connection is closed with websocket code 1008.
	ErrPolicyViolation = errors.New("game: policy violation")
	// ErrNotInMultiverse is returned when an authenticated player has no
	// world. The connection is closed normally.
	ErrNotInMultiverse = errors.New("game: player is not part of an active multiverse")
	// ErrHandlerClosed is returned by Handle after Close.
	ErrHandlerClosed = errors.New("game: handler closed")
)

// PolicyError carries the close reason of a policy violation.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return ErrPolicyViolation.Error() + ": " + e.Reason }

// Is makes errors.Is(err, ErrPolicyViolation) hold.
func (e *PolicyError) Is(target error) bool { return target == ErrPolicyViolation }

func violation(reason string) error { return &PolicyError{Reason: reason} }

// CloseCodeFor maps a handler error onto a websocket close code and reason.
func CloseCodeFor(err error) (int, string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}

	var pe *PolicyError
	switch {
	case errors.As(err, &pe):
		return websocket.ClosePolicyViolation, pe.Reason
	case errors.Is(err, ErrPolicyViolation):
		return websocket.ClosePolicyViolation, "policy violation"
	case errors.Is(err, ErrNotInMultiverse):
		return websocket.CloseNormalClosure, "Player is not part of an active multiverse"
	case errors.Is(err, ErrHandlerClosed):
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, aggregation.ErrEngineClosed):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, connections.ErrTransportFailure):
		return websocket.CloseInternalServerErr, "transport failure"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
