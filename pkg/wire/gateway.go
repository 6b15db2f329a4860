package wire

import (
	"context"

	"google.golang.org/grpc"
)

// Method names of the AgentGateway service. The descriptors below are
// written by hand: the protocol has no schema compiler (see codec.go), so
// the service wiring follows the exact shape protoc-gen-go-grpc would emit,
// minus the protobuf types.
const (
	GatewayServiceName = "overseer.AgentGateway"

	gatewayRegisterAgentMethod = "/overseer.AgentGateway/RegisterAgent"
	gatewayHealthCheckMethod   = "/overseer.AgentGateway/HealthCheck"
	gatewayAgentStreamMethod   = "/overseer.AgentGateway/AgentStream"
)

// AgentGatewayServer is the server API of the gateway service the backend
// exposes to agents.
type AgentGatewayServer interface {
	// RegisterAgent authenticates the API key and upserts the agent record.
	RegisterAgent(context.Context, *RegisterAgentRequest) (*RegisterAgentResponse, error)

	// HealthCheck answers agent-initiated liveness probes.
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)

	// AgentStream is the persistent bidirectional frame channel. The agent
	// opens it once after registration and keeps it open for its session.
	AgentStream(AgentGateway_AgentStreamServer) error
}

// AgentGateway_AgentStreamServer is the server-side handle of the stream.
type AgentGateway_AgentStreamServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type agentGatewayAgentStreamServer struct {
	grpc.ServerStream
}

func (s *agentGatewayAgentStreamServer) Send(f *Frame) error { return s.ServerStream.SendMsg(f) }

func (s *agentGatewayAgentStreamServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// RegisterAgentGatewayServer registers the gateway implementation with a
// gRPC server.
func RegisterAgentGatewayServer(s grpc.ServiceRegistrar, srv AgentGatewayServer) {
	s.RegisterService(&agentGatewayServiceDesc, srv)
}

func _AgentGateway_RegisterAgent_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterAgentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentGatewayServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayRegisterAgentMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentGatewayServer).RegisterAgent(ctx, req.(*RegisterAgentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentGateway_HealthCheck_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentGatewayServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayHealthCheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentGatewayServer).HealthCheck(ctx, req.(*HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentGateway_AgentStream_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentGatewayServer).AgentStream(&agentGatewayAgentStreamServer{stream})
}

var agentGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*AgentGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAgent", Handler: _AgentGateway_RegisterAgent_Handler},
		{MethodName: "HealthCheck", Handler: _AgentGateway_HealthCheck_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "AgentStream",
			Handler:       _AgentGateway_AgentStream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// AgentGatewayClient is the client API agents use to reach the backend.
type AgentGatewayClient interface {
	RegisterAgent(ctx context.Context, in *RegisterAgentRequest, opts ...grpc.CallOption) (*RegisterAgentResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
	AgentStream(ctx context.Context, opts ...grpc.CallOption) (AgentGateway_AgentStreamClient, error)
}

// AgentGateway_AgentStreamClient is the client-side handle of the stream.
type AgentGateway_AgentStreamClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type agentGatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentGatewayClient wraps a client connection. The connection must have
// been dialed with DefaultCallOptions so the JSON codec is in effect.
func NewAgentGatewayClient(cc grpc.ClientConnInterface) AgentGatewayClient {
	return &agentGatewayClient{cc: cc}
}

func (c *agentGatewayClient) RegisterAgent(ctx context.Context, in *RegisterAgentRequest, opts ...grpc.CallOption) (*RegisterAgentResponse, error) {
	out := new(RegisterAgentResponse)
	if err := c.cc.Invoke(ctx, gatewayRegisterAgentMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentGatewayClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.cc.Invoke(ctx, gatewayHealthCheckMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentGatewayClient) AgentStream(ctx context.Context, opts ...grpc.CallOption) (AgentGateway_AgentStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &agentGatewayServiceDesc.Streams[0], gatewayAgentStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &agentGatewayAgentStreamClient{stream}, nil
}

type agentGatewayAgentStreamClient struct {
	grpc.ClientStream
}

func (c *agentGatewayAgentStreamClient) Send(f *Frame) error { return c.ClientStream.SendMsg(f) }

func (c *agentGatewayAgentStreamClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
