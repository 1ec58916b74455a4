package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage/memory"
	"github.com/xtding233/reindeer-gacha/internal/transport/rpc"
)

type constRNG float64

func (c constRNG) Float64() float64 { return float64(c) }

type testServer struct {
	client *rpc.Client
	conn   *grpc.ClientConn
	b      *events.Broadcaster
	srv    *grpc.Server
	svc    *rpc.Service
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	b := events.NewBroadcaster(16)
	engine, err := reward.NewEngine(store, gacha.DefaultRates(), constRNG(0.9))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	coord, err := reward.NewCoordinator(reward.Deps{
		Engine:   engine,
		Tracker:  reward.NewTracker(store, store),
		Entities: store,
		Audit:    store,
		Emitter:  b,
	}, reward.Config{})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	svc := rpc.NewService(coord, b)
	rpc.Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testServer{client: rpc.NewClient(conn), conn: conn, b: b, srv: srv, svc: svc}
}

func waitSubscribed(ctx context.Context, t *testing.T, b *events.Broadcaster) {
	t.Helper()
	for b.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("stream never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRedeemAndPityOverGRPC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := startServer(t).client

	out, err := client.Redeem(ctx, "Ada", "hi")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	m := out.AsMap()
	ev := m["event"].(map[string]any)
	if m["class"] != "UPGRADE" || ev["type"] != "SPAWN" || ev["owner"] != "Ada" || ev["rarity"] != "Common" {
		t.Fatalf("reply = %v", m)
	}

	pity, err := client.GetPity(ctx, "ada")
	if err != nil {
		t.Fatalf("GetPity: %v", err)
	}
	p := pity.AsMap()["pity"].(map[string]any)
	if p["totalRolls"] != float64(1) {
		t.Fatalf("pity = %v", p)
	}

	_, err = client.Redeem(ctx, "", "")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty user code = %v", status.Code(err))
	}
	_, err = client.UpdateWish(ctx, "nobody", "hello")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("wish without entity code = %v", status.Code(err))
	}
	wish, err := client.UpdateWish(ctx, "ada", "<3")
	if err != nil || wish.AsMap()["bubbleStyle"] != reward.BubbleLove {
		t.Fatalf("UpdateWish = %v, %v", wish, err)
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := startServer(t)
	client := ts.client

	stream, err := client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSubscribed(ctx, t, ts.b)
	if _, err := client.Redeem(ctx, "Ada", ""); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	msg, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m := msg.AsMap(); m["type"] != "SPAWN" || m["owner"] != "Ada" {
		t.Fatalf("streamed = %v", m)
	}
}

func TestHealthService(t *testing.T) {
	resp, err := healthpb.NewHealthClient(startServer(t).conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}
}

func TestStopEndsOpenStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := startServer(t)

	stream, err := ts.client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSubscribed(ctx, t, ts.b)

	stopped := make(chan struct{})
	go func() {
		rpc.Stop(ts.srv, ts.svc, 3*time.Second)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop blocked with an open Subscribe stream")
	}
	if _, err := stream.Recv(); err == nil {
		t.Fatalf("stream still open after Stop")
	}
	if n := ts.b.Subscribers(); n != 0 {
		t.Fatalf("subscribers after stop = %d", n)
	}
}

func TestStopForcesAfterTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := startServer(t)

	if _, err := ts.client.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSubscribed(ctx, t, ts.b)

	// without the service handle the stream never ends on its own
	start := time.Now()
	rpc.Stop(ts.srv, nil, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
}
