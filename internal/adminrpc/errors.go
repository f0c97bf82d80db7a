package adminrpc

import (
	"context"
	"errors"

	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrInvalidArgument marks malformed admin requests.
var ErrInvalidArgument = errors.New("adminrpc: invalid argument")

// ToStatusError maps sync server errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrMissingScope):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, aggregation.ErrInconsistentState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, aggregation.ErrEngineClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
