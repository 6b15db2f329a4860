package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/pkg/wire"
)

// fakeExecStream captures streamed log lines without a gRPC transport.
type fakeExecStream struct {
	wire.AgentRunner_ExecuteJobServer
	ctx  context.Context
	sent []*wire.LogMessage
}

func (f *fakeExecStream) Context() context.Context { return f.ctx }

func (f *fakeExecStream) Send(m *wire.LogMessage) error {
	f.sent = append(f.sent, m)
	return nil
}

func newTestRunner(failVerification bool) *runner {
	return newRunner(&config{
		logInterval:      time.Millisecond,
		failVerification: failVerification,
	}, zap.NewNop())
}

func TestExecuteJobStreamsScript(t *testing.T) {
	r := newTestRunner(false)
	stream := &fakeExecStream{ctx: context.Background()}

	err := r.ExecuteJob(&wire.ExecuteJobRequest{JobID: "job-1", Prompt: "add a flag"}, stream)
	require.NoError(t, err)

	require.Len(t, stream.sent, len(generationScript))
	for i, msg := range stream.sent {
		assert.Equal(t, "job-1", msg.JobID)
		assert.Equal(t, generationScript[i].stage, msg.Stage)
		assert.Equal(t, generationScript[i].message, msg.Message)
	}
}

func TestCancelJobAbortsRun(t *testing.T) {
	r := newTestRunner(false)
	stream := &fakeExecStream{ctx: context.Background()}

	_, err := r.CancelJob(context.Background(), &wire.CancelJobRequest{JobID: "job-1"})
	require.NoError(t, err)

	err = r.ExecuteJob(&wire.ExecuteJobRequest{JobID: "job-1"}, stream)
	assert.Error(t, err)
	assert.Empty(t, stream.sent)

	t.Run("cleanup clears the cancellation", func(t *testing.T) {
		_, err := r.CleanupWorkspace(context.Background(), &wire.CleanupWorkspaceRequest{JobID: "job-1"})
		require.NoError(t, err)

		fresh := &fakeExecStream{ctx: context.Background()}
		require.NoError(t, r.ExecuteJob(&wire.ExecuteJobRequest{JobID: "job-1"}, fresh))
		assert.Len(t, fresh.sent, len(generationScript))
	})
}

func TestRunVerificationFlag(t *testing.T) {
	passing, err := newTestRunner(false).RunVerification(context.Background(), &wire.RunVerificationRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.True(t, passing.Passed)

	failing, err := newTestRunner(true).RunVerification(context.Background(), &wire.RunVerificationRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.False(t, failing.Passed)
	assert.Contains(t, failing.Output, "simulated")
}

func TestCreatePRLinksJob(t *testing.T) {
	resp, err := newTestRunner(false).CreatePR(context.Background(), &wire.CreatePRRequest{
		JobID:  "0a1b2c3d-0000-0000-0000-000000000000",
		RepoID: "repo-1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.PRLink, "repo-1")
	assert.Contains(t, resp.PRLink, "0a1b2c3d")
}
