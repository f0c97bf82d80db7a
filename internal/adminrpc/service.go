package adminrpc

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/model"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the Admin service. Requests and
// responses are google.protobuf.Struct documents.
const ServiceName = "wotw.sync.admin.v1.Admin"

const defaultDisconnectReason = "disconnected by an operator"

// AdminServer is the Admin service contract.
type AdminServer interface {
	ListConnections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPopulation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidatePopulation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTrackers(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ListConnections", AdminServer.ListConnections),
		unaryMethod("GetPopulation", AdminServer.GetPopulation),
		unaryMethod("InvalidatePopulation", AdminServer.InvalidatePopulation),
		unaryMethod("Disconnect", AdminServer.Disconnect),
		unaryMethod("ListTrackers", AdminServer.ListTrackers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wotw/sync/admin/v1/admin.proto",
}

func unaryMethod(name string, call func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// ListConnections returns every live session with the multiverse it is bound to.
func (s *Server) ListConnections(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var out []any
	for _, id := range s.sync.Connections().Connected() {
		rec, ok := s.sync.Connections().Get(id)
		if !ok {
			continue
		}
		conn := map[string]any{
			"player_id": rec.PlayerID,
			"conn_id":   rec.ConnID,
		}
		if rec.Scope != nil {
			conn["multiverse_id"] = rec.Scope.ID
		}
		out = append(out, conn)
	}
	return respond(map[string]any{"connections": out})
}

// GetPopulation resolves a player's membership through the cache.
func (s *Server) GetPopulation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	playerID, err := playerParam(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	entry, err := s.sync.Population().Get(ctx, playerID)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(populationDoc(entry))
}

// InvalidatePopulation drops a cached entry so the next lookup reloads it
// from the store.
func (s *Server) InvalidatePopulation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	playerID, err := playerParam(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.sync.InvalidatePopulation(ctx, playerID); err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Info(ctx, "population entry invalidated", logging.Player(playerID))
	return respond(map[string]any{"player_id": playerID})
}

// Disconnect closes the player's live session with an optional reason.
func (s *Server) Disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	playerID, err := playerParam(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	rec, ok := s.sync.Connections().Get(playerID)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("connection of %s: %w", playerID, store.ErrNotFound))
	}
	reason := req.GetFields()["reason"].GetStringValue()
	if reason == "" {
		reason = defaultDisconnectReason
	}
	if err := rec.Socket.Close(websocket.CloseNormalClosure, reason); err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Info(ctx, "player disconnected",
		logging.Player(playerID),
		logging.String("session", rec.ConnID),
		logging.String("reason", reason),
	)
	return respond(map[string]any{"player_id": playerID, "conn_id": rec.ConnID})
}

// ListTrackers returns the remote tracker endpoints and their listener counts.
func (s *Server) ListTrackers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var out []any
	if s.trackers != nil {
		for _, ep := range s.trackers.Endpoints() {
			out = append(out, map[string]any{
				"key":         ep.Key,
				"broadcaster": ep.Broadcaster,
				"listeners":   ep.Listeners,
				"expires_at":  ep.ExpiresAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return respond(map[string]any{"trackers": out})
}

func playerParam(req *structpb.Struct) (string, error) {
	id := req.GetFields()["player_id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("%w: player_id is required", ErrInvalidArgument)
	}
	return id, nil
}

func populationDoc(e model.PopulationEntry) map[string]any {
	return map[string]any{
		"player_id":           e.PlayerID,
		"world_id":            e.WorldID,
		"universe_id":         e.UniverseID,
		"multiverse_id":       e.MultiverseID,
		"universe_member_ids": members(e.UniverseMemberIDs),
		"world_member_ids":    members(e.WorldMemberIDs),
	}
}

func members(set map[string]struct{}) []any {
	ids := slices.Sorted(maps.Keys(set))
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func respond(doc map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}
