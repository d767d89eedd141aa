package control

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu        sync.Mutex
	instances map[string]*types.Instance
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{instances: make(map[string]*types.Instance)}
}

func (f *fakeDirectory) add(id, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[id] = &types.Instance{ID: id, Secret: secret, Status: types.InstanceReady}
}

func (f *fakeDirectory) Lookup(instanceID string) (*types.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	return inst, ok
}

func (f *fakeDirectory) MarkStatus(instanceID string, status types.InstanceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.Status = status
	}
}

func startTestManager(t *testing.T, cfg Config, dir Directory) (*Manager, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := NewManager(cfg, dir)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Serve(ctx, ln)
	return m, ln
}

func authenticateClient(t *testing.T, nc net.Conn, instanceID, secret string) {
	t.Helper()
	env, err := newEnvelope(types.MsgAuthRequest, 1, types.AuthRequest{InstanceID: instanceID, Token: secret})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, env))

	resp, err := ReadFrame(nc)
	require.NoError(t, err)
	require.Equal(t, types.MsgAuthResponse, resp.MessageType)
	var authResp types.AuthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &authResp))
	require.True(t, authResp.Success)
}

func TestManagerAuthenticateAcceptsValidSecret(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("inst-1", "s3cr3t")
	_, ln := startTestManager(t, DefaultConfig(), dir)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	authenticateClient(t, nc, "inst-1", "s3cr3t")
}

func TestManagerAuthenticateRejectsWrongSecret(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("inst-1", "s3cr3t")
	_, ln := startTestManager(t, DefaultConfig(), dir)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	env, err := newEnvelope(types.MsgAuthRequest, 1, types.AuthRequest{InstanceID: "inst-1", Token: "wrong"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(nc, env))

	resp, err := ReadFrame(nc)
	require.NoError(t, err)
	var authResp types.AuthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &authResp))
	require.False(t, authResp.Success)
}

func TestManagerExecuteRoundTrip(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("inst-1", "s3cr3t")
	m, ln := startTestManager(t, DefaultConfig(), dir)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	authenticateClient(t, nc, "inst-1", "s3cr3t")

	// Simulate the instance side: read the ExecuteRequest and answer it.
	go func() {
		req, err := ReadFrame(nc)
		if err != nil || req.MessageType != types.MsgExecuteRequest {
			return
		}
		resp, _ := newEnvelope(types.MsgExecuteResponse, req.RequestID, types.ExecuteResponse{
			TaskID: "task-1", Status: types.ExecuteCompleted, Output: map[string]any{"ok": true},
		})
		_ = WriteFrame(nc, resp)
	}()

	// Give the manager time to authenticate and register the connection.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := m.Execute(ctx, "inst-1", 1, types.ExecuteRequest{TaskID: "task-1", FunctionName: "handler", TimeoutMs: 2000})
	require.NoError(t, err)
	require.Equal(t, types.ExecuteCompleted, resp.Status)
}
