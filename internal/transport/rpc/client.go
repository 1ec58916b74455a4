package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls reindeer.v1.OverlayService over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Redeem(ctx context.Context, user, wish string) (*structpb.Struct, error) {
	return c.call(ctx, MethodRedeem, map[string]any{"user": user, "wish": wish})
}

func (c *Client) UpdateWish(ctx context.Context, user, wish string) (*structpb.Struct, error) {
	return c.call(ctx, MethodUpdateWish, map[string]any{"user": user, "wish": wish})
}

func (c *Client) GetPity(ctx context.Context, user string) (*structpb.Struct, error) {
	return c.call(ctx, MethodGetPity, map[string]any{"user": user})
}

// EventStream yields events from Subscribe.
type EventStream struct {
	stream grpc.ClientStream
}

func (s *EventStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens the event stream. Cancel ctx to close it.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	st, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodSubscribe)
	if err != nil {
		return nil, err
	}
	if err := st.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := st.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: st}, nil
}
