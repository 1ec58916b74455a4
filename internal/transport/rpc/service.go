// Package rpc exposes the overlay as a gRPC service for stream tooling.
// Messages are google.protobuf.Struct so no generated code is needed.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/transport/httpapi"
)

const ServiceName = "reindeer.v1.OverlayService"

const (
	MethodRedeem     = "/" + ServiceName + "/Redeem"
	MethodUpdateWish = "/" + ServiceName + "/UpdateWish"
	MethodGetPity    = "/" + ServiceName + "/GetPity"
	MethodSubscribe  = "/" + ServiceName + "/Subscribe"
)

// OverlayServer is the server API of reindeer.v1.OverlayService.
type OverlayServer interface {
	Redeem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateWish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

// Service implements OverlayServer on top of the reward coordinator and broadcaster.
type Service struct {
	rewards     httpapi.Rewards
	broadcaster *events.Broadcaster

	done     chan struct{}
	stopOnce sync.Once
}

var _ OverlayServer = (*Service)(nil)

func NewService(rewards httpapi.Rewards, b *events.Broadcaster) *Service {
	return &Service{rewards: rewards, broadcaster: b, done: make(chan struct{})}
}

// Close ends every open Subscribe stream. Later subscribers are refused.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Stop closes svc's streams, then stops s gracefully. Calls still running after
// timeout are cut off with a hard stop.
func Stop(s *grpc.Server, svc *Service, timeout time.Duration) {
	if svc != nil {
		svc.Close()
	}
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		log.Printf("[rpc] graceful stop timed out after %v, forcing", timeout)
		s.Stop()
		<-stopped
	}
}

// Register adds the overlay and health services to s.
func Register(s *grpc.Server, svc OverlayServer) {
	s.RegisterService(&ServiceDesc, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
}

func (s *Service) Redeem(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "redeem request is required")
	}
	em, err := s.rewards.HandleRedemption(ctx, str(in, "user"), str(in, "wish"))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(map[string]any{
		"event":  em.Event,
		"class":  em.Verdict.Class.String(),
		"pity":   em.Outcome.Record,
		"forced": em.Outcome.Forced,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func (s *Service) UpdateWish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "update wish request is required")
	}
	var (
		e   storage.DisplayedEntity
		err error
	)
	if wish := str(in, "wish"); wish == "" {
		e, err = s.rewards.ClearWish(ctx, str(in, "user"))
	} else {
		e, err = s.rewards.UpdateWish(ctx, str(in, "user"), wish)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(e)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func (s *Service) GetPity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "get pity request is required")
	}
	user := str(in, "user")
	rec, hist, err := s.rewards.Pity(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(map[string]any{
		"user":     storage.Key(user),
		"pity":     rec,
		"unlocked": hist.Names(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// Subscribe streams every broadcast event until the client goes away.
func (s *Service) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	if s.broadcaster == nil {
		return status.Error(codes.Unavailable, "event stream is not configured")
	}
	select {
	case <-s.done:
		return status.Error(codes.Unavailable, "server is shutting down")
	default:
	}
	sub := s.broadcaster.Subscribe()
	defer sub.Close()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return status.Error(codes.Unavailable, "server is shutting down")
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := toStruct(e)
			if err != nil {
				log.Printf("[rpc] encode event %s: %v", e.ID, err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// toStruct converts v through its JSON form, so wire names match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("reply is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, reward.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, reward.ErrNoEntity):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, reward.ErrSkinLocked):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, storage.ErrWrite):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unaryHandler(call func(OverlayServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OverlayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OverlayServer), ctx, req.(*structpb.Struct))
		})
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OverlayServer).Subscribe(in, stream)
}

// ServiceDesc describes reindeer.v1.OverlayService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OverlayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Redeem", Handler: unaryHandler(OverlayServer.Redeem, MethodRedeem)},
		{MethodName: "UpdateWish", Handler: unaryHandler(OverlayServer.UpdateWish, MethodUpdateWish)},
		{MethodName: "GetPity", Handler: unaryHandler(OverlayServer.GetPity, MethodGetPity)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "reindeer/v1/overlay.proto",
}
