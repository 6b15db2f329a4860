// Package agentrpc wraps the agent's AgentRunner gRPC service behind one
// stable Go interface. Workflow activities depend on this interface, not on
// the wire-level client, so contract drift between server and agent fails
// at compile time.
package agentrpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/overseer-dev/overseer/pkg/wire"
)

// ErrJobRejected is returned when the agent acknowledges a call but reports
// failure in the response body.
var ErrJobRejected = errors.New("agentrpc: agent rejected the request")

// Client is the server-side view of one agent's runner service.
type Client interface {
	// ExecuteJob starts a code-generation run and invokes onLog for every
	// log message the agent streams back. It returns once the stream ends:
	// nil on clean EOF, the transport or agent error otherwise.
	ExecuteJob(ctx context.Context, req *wire.ExecuteJobRequest, onLog func(*wire.LogMessage)) error

	CancelJob(ctx context.Context, jobID string) error
	RunVerification(ctx context.Context, jobID string) (*wire.VerificationResponse, error)
	CreatePR(ctx context.Context, req *wire.CreatePRRequest) (*wire.PRResponse, error)
	CleanupWorkspace(ctx context.Context, jobID string) error
	HealthCheck(ctx context.Context, agentID string) error

	Close() error
}

// Dialer opens connections to agent runner services. The production
// implementation dials host:port over gRPC; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Client, error)
}

// GRPCDialer is the production Dialer.
type GRPCDialer struct{}

// Dial opens a gRPC connection to the agent with the JSON wire codec
// pinned. The returned Client owns the connection; Close releases it.
func (GRPCDialer) Dial(ctx context.Context, host string, port int) (Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(wire.DefaultCallOptions()...),
	)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: dial %s: %w", addr, err)
	}
	return &grpcClient{conn: conn, runner: wire.NewAgentRunnerClient(conn)}, nil
}

type grpcClient struct {
	conn   *grpc.ClientConn
	runner wire.AgentRunnerClient
}

func (c *grpcClient) ExecuteJob(ctx context.Context, req *wire.ExecuteJobRequest, onLog func(*wire.LogMessage)) error {
	stream, err := c.runner.ExecuteJob(ctx, req)
	if err != nil {
		return fmt.Errorf("agentrpc: execute job: %w", err)
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("agentrpc: execute job stream: %w", err)
		}
		if onLog != nil {
			onLog(msg)
		}
	}
}

func (c *grpcClient) CancelJob(ctx context.Context, jobID string) error {
	resp, err := c.runner.CancelJob(ctx, &wire.CancelJobRequest{JobID: jobID})
	if err != nil {
		return fmt.Errorf("agentrpc: cancel job: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrJobRejected, resp.Message)
	}
	return nil
}

func (c *grpcClient) RunVerification(ctx context.Context, jobID string) (*wire.VerificationResponse, error) {
	resp, err := c.runner.RunVerification(ctx, &wire.RunVerificationRequest{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("agentrpc: run verification: %w", err)
	}
	return resp, nil
}

func (c *grpcClient) CreatePR(ctx context.Context, req *wire.CreatePRRequest) (*wire.PRResponse, error) {
	resp, err := c.runner.CreatePR(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: create pr: %w", err)
	}
	return resp, nil
}

func (c *grpcClient) CleanupWorkspace(ctx context.Context, jobID string) error {
	resp, err := c.runner.CleanupWorkspace(ctx, &wire.CleanupWorkspaceRequest{JobID: jobID})
	if err != nil {
		return fmt.Errorf("agentrpc: cleanup workspace: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrJobRejected, resp.Message)
	}
	return nil
}

func (c *grpcClient) HealthCheck(ctx context.Context, agentID string) error {
	if _, err := c.runner.HealthCheck(ctx, &wire.RunnerHealthCheckRequest{AgentID: agentID}); err != nil {
		return fmt.Errorf("agentrpc: health check: %w", err)
	}
	return nil
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
