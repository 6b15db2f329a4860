package wire

import (
	"context"

	"google.golang.org/grpc"
)

// Method names of the AgentRunner service, exposed by every agent and
// called by the server's workflow activities.
const (
	RunnerServiceName = "overseer.AgentRunner"

	runnerExecuteJobMethod       = "/overseer.AgentRunner/ExecuteJob"
	runnerCancelJobMethod        = "/overseer.AgentRunner/CancelJob"
	runnerRunVerificationMethod  = "/overseer.AgentRunner/RunVerification"
	runnerCreatePRMethod         = "/overseer.AgentRunner/CreatePR"
	runnerCleanupWorkspaceMethod = "/overseer.AgentRunner/CleanupWorkspace"
	runnerHealthCheckMethod      = "/overseer.AgentRunner/HealthCheck"
)

// AgentRunnerServer is the server API an agent implements.
type AgentRunnerServer interface {
	// ExecuteJob runs the code-generation pipeline for a job and streams
	// log messages until the run completes. Stream close without error
	// means generation finished; the outcome is judged by RunVerification.
	ExecuteJob(*ExecuteJobRequest, AgentRunner_ExecuteJobServer) error

	CancelJob(context.Context, *CancelJobRequest) (*CancelResponse, error)
	RunVerification(context.Context, *RunVerificationRequest) (*VerificationResponse, error)
	CreatePR(context.Context, *CreatePRRequest) (*PRResponse, error)
	CleanupWorkspace(context.Context, *CleanupWorkspaceRequest) (*CleanupResponse, error)
	HealthCheck(context.Context, *RunnerHealthCheckRequest) (*RunnerHealthCheckResponse, error)
}

// AgentRunner_ExecuteJobServer is the server-side handle of the log stream.
type AgentRunner_ExecuteJobServer interface {
	Send(*LogMessage) error
	grpc.ServerStream
}

type agentRunnerExecuteJobServer struct {
	grpc.ServerStream
}

func (s *agentRunnerExecuteJobServer) Send(m *LogMessage) error { return s.ServerStream.SendMsg(m) }

// RegisterAgentRunnerServer registers an agent implementation with a gRPC
// server.
func RegisterAgentRunnerServer(s grpc.ServiceRegistrar, srv AgentRunnerServer) {
	s.RegisterService(&agentRunnerServiceDesc, srv)
}

func _AgentRunner_ExecuteJob_Handler(srv any, stream grpc.ServerStream) error {
	in := new(ExecuteJobRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AgentRunnerServer).ExecuteJob(in, &agentRunnerExecuteJobServer{stream})
}

func _AgentRunner_CancelJob_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentRunnerServer).CancelJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runnerCancelJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentRunnerServer).CancelJob(ctx, req.(*CancelJobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentRunner_RunVerification_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunVerificationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentRunnerServer).RunVerification(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runnerRunVerificationMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentRunnerServer).RunVerification(ctx, req.(*RunVerificationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentRunner_CreatePR_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreatePRRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentRunnerServer).CreatePR(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runnerCreatePRMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentRunnerServer).CreatePR(ctx, req.(*CreatePRRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentRunner_CleanupWorkspace_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CleanupWorkspaceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentRunnerServer).CleanupWorkspace(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runnerCleanupWorkspaceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentRunnerServer).CleanupWorkspace(ctx, req.(*CleanupWorkspaceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentRunner_HealthCheck_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunnerHealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentRunnerServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runnerHealthCheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentRunnerServer).HealthCheck(ctx, req.(*RunnerHealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var agentRunnerServiceDesc = grpc.ServiceDesc{
	ServiceName: RunnerServiceName,
	HandlerType: (*AgentRunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CancelJob", Handler: _AgentRunner_CancelJob_Handler},
		{MethodName: "RunVerification", Handler: _AgentRunner_RunVerification_Handler},
		{MethodName: "CreatePR", Handler: _AgentRunner_CreatePR_Handler},
		{MethodName: "CleanupWorkspace", Handler: _AgentRunner_CleanupWorkspace_Handler},
		{MethodName: "HealthCheck", Handler: _AgentRunner_HealthCheck_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecuteJob",
			Handler:       _AgentRunner_ExecuteJob_Handler,
			ServerStreams: true,
		},
	},
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// AgentRunnerClient is the client API the server uses against an agent.
type AgentRunnerClient interface {
	ExecuteJob(ctx context.Context, in *ExecuteJobRequest, opts ...grpc.CallOption) (AgentRunner_ExecuteJobClient, error)
	CancelJob(ctx context.Context, in *CancelJobRequest, opts ...grpc.CallOption) (*CancelResponse, error)
	RunVerification(ctx context.Context, in *RunVerificationRequest, opts ...grpc.CallOption) (*VerificationResponse, error)
	CreatePR(ctx context.Context, in *CreatePRRequest, opts ...grpc.CallOption) (*PRResponse, error)
	CleanupWorkspace(ctx context.Context, in *CleanupWorkspaceRequest, opts ...grpc.CallOption) (*CleanupResponse, error)
	HealthCheck(ctx context.Context, in *RunnerHealthCheckRequest, opts ...grpc.CallOption) (*RunnerHealthCheckResponse, error)
}

// AgentRunner_ExecuteJobClient is the client-side handle of the log stream.
type AgentRunner_ExecuteJobClient interface {
	Recv() (*LogMessage, error)
	grpc.ClientStream
}

type agentRunnerClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentRunnerClient wraps a client connection dialed with
// DefaultCallOptions.
func NewAgentRunnerClient(cc grpc.ClientConnInterface) AgentRunnerClient {
	return &agentRunnerClient{cc: cc}
}

func (c *agentRunnerClient) ExecuteJob(ctx context.Context, in *ExecuteJobRequest, opts ...grpc.CallOption) (AgentRunner_ExecuteJobClient, error) {
	stream, err := c.cc.NewStream(ctx, &agentRunnerServiceDesc.Streams[0], runnerExecuteJobMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &agentRunnerExecuteJobClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type agentRunnerExecuteJobClient struct {
	grpc.ClientStream
}

func (c *agentRunnerExecuteJobClient) Recv() (*LogMessage, error) {
	m := new(LogMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *agentRunnerClient) CancelJob(ctx context.Context, in *CancelJobRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, runnerCancelJobMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentRunnerClient) RunVerification(ctx context.Context, in *RunVerificationRequest, opts ...grpc.CallOption) (*VerificationResponse, error) {
	out := new(VerificationResponse)
	if err := c.cc.Invoke(ctx, runnerRunVerificationMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentRunnerClient) CreatePR(ctx context.Context, in *CreatePRRequest, opts ...grpc.CallOption) (*PRResponse, error) {
	out := new(PRResponse)
	if err := c.cc.Invoke(ctx, runnerCreatePRMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentRunnerClient) CleanupWorkspace(ctx context.Context, in *CleanupWorkspaceRequest, opts ...grpc.CallOption) (*CleanupResponse, error) {
	out := new(CleanupResponse)
	if err := c.cc.Invoke(ctx, runnerCleanupWorkspaceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentRunnerClient) HealthCheck(ctx context.Context, in *RunnerHealthCheckRequest, opts ...grpc.CallOption) (*RunnerHealthCheckResponse, error) {
	out := new(RunnerHealthCheckResponse)
	if err := c.cc.Invoke(ctx, runnerHealthCheckMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
