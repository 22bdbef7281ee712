package grpctp_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/hanpama/graphloader/internal/eventbus"
	events "github.com/hanpama/graphloader/internal/events"
	"github.com/hanpama/graphloader/internal/grpctp"
)

var checkMethod = healthpb.File_grpc_health_v1_health_proto.Services().ByName("Health").Methods().ByName("Check")

// seenServer records the subgraph header of every Check call.
type seenServer struct {
	*health.Server
	mu       sync.Mutex
	subgraph []string
}

func (s *seenServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.mu.Lock()
	s.subgraph = append(s.subgraph, md.Get(grpctp.SubgraphHeader)...)
	s.mu.Unlock()
	return s.Server.Check(ctx, req)
}

// network serves a health server on one bufconn listener. Dialing "down"
// fails; every other address reaches the server.
type network struct {
	srv  *seenServer
	dial func(context.Context, string) (net.Conn, error)

	mu     sync.Mutex
	dialed []string
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	n := &network{srv: &seenServer{Server: health.NewServer()}}
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, n.srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	n.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		n.mu.Lock()
		n.dialed = append(n.dialed, addr)
		n.mu.Unlock()
		if addr == "down" {
			return nil, errors.New("connection refused")
		}
		return lis.DialContext(ctx)
	}
	return n
}

func (n *network) transport(t *testing.T, endpoints map[string][]string, opts ...grpctp.Option) *grpctp.Transport {
	t.Helper()
	opts = append([]grpctp.Option{
		grpctp.WithProvider(grpctp.NewStaticEndpoints(endpoints)),
		grpctp.WithMaxConnsPerEndpoint(1),
		grpctp.WithDialOptions(
			grpc.WithContextDialer(n.dial),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
	}, opts...)
	tp := grpctp.New(opts...)
	t.Cleanup(func() { _ = tp.Close() })
	return tp
}

func check(ctx context.Context, tp *grpctp.Transport) (protoreflect.Message, error) {
	return tp.Call(ctx, "inventory", checkMethod, dynamicpb.NewMessage(checkMethod.Input()))
}

func servingStatus(t *testing.T, resp protoreflect.Message) protoreflect.EnumNumber {
	t.Helper()
	return resp.Get(resp.Descriptor().Fields().ByName("status")).Enum()
}

func TestCall(t *testing.T) {
	n := newNetwork(t)
	tp := n.transport(t, map[string][]string{"inventory": {"passthrough:///a"}})

	resp, err := check(context.Background(), tp)
	require.NoError(t, err)
	require.Equal(t, protoreflect.EnumNumber(healthpb.HealthCheckResponse_SERVING), servingStatus(t, resp))
	require.Equal(t, []string{"inventory"}, n.srv.subgraph)
}

func TestCall_RotatesEndpoints(t *testing.T) {
	n := newNetwork(t)
	tp := n.transport(t, map[string][]string{"inventory": {"passthrough:///a", "passthrough:///b"}})

	for range 4 {
		_, err := check(context.Background(), tp)
		require.NoError(t, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	require.ElementsMatch(t, []string{"a", "b"}, n.dialed)
}

func TestCall_FailsOverWhenUnavailable(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var mu sync.Mutex
	var finished []events.GRPCClientFinish
	eventbus.On(bus, func(_ context.Context, e events.GRPCClientFinish) {
		mu.Lock()
		finished = append(finished, e)
		mu.Unlock()
	})

	n := newNetwork(t)
	tp := n.transport(t, map[string][]string{"inventory": {"passthrough:///down", "passthrough:///a"}})

	_, err := check(context.Background(), tp)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 2)
	require.Equal(t, "passthrough:///down", finished[0].Target)
	require.Equal(t, codes.Unavailable, finished[0].Code)
	require.Equal(t, "passthrough:///a", finished[1].Target)
	require.Equal(t, codes.OK, finished[1].Code)
}

func TestCall_GivesUpAfterMaxAttempts(t *testing.T) {
	n := newNetwork(t)
	tp := n.transport(t, map[string][]string{"inventory": {"passthrough:///down", "passthrough:///a"}},
		grpctp.WithMaxAttempts(1))

	_, err := check(context.Background(), tp)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestCall_DoesNotRetryOtherCodes(t *testing.T) {
	n := newNetwork(t)
	tp := n.transport(t, map[string][]string{"inventory": {"passthrough:///a", "passthrough:///b"}})

	req := dynamicpb.NewMessage(checkMethod.Input())
	req.Set(checkMethod.Input().Fields().ByName("service"), protoreflect.ValueOfString("unknown"))
	_, err := tp.Call(context.Background(), "inventory", checkMethod, req)
	require.Equal(t, codes.NotFound, status.Code(err))
	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, []string{"a"}, n.dialed)
}

func TestCall_Errors(t *testing.T) {
	n := newNetwork(t)

	tp := n.transport(t, map[string][]string{})
	_, err := check(context.Background(), tp)
	require.ErrorIs(t, err, grpctp.ErrNoEndpoints)

	require.NoError(t, tp.Close())
	_, err = check(context.Background(), tp)
	require.ErrorIs(t, err, grpctp.ErrClosed)

	_, err = check(context.Background(), grpctp.New())
	require.EqualError(t, err, "grpctp: provider not configured")
}
