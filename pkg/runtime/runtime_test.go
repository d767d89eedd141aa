package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakePorts struct {
	mu   sync.Mutex
	next int
}

func (f *fakePorts) Allocate() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return 9100 + f.next, nil
}

func (f *fakePorts) Release(port int) {}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	proc := NewProcessRuntime(ProcessConfig{}, &fakePorts{})
	reg.Register(types.RuntimeNativeProcess, proc)

	got, err := reg.Get(types.RuntimeNativeProcess)
	require.NoError(t, err)
	require.Equal(t, proc, got)

	_, err = reg.Get(types.RuntimeWasm)
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestProcessRuntimeValidateConfigRejectsWrongExecutableType(t *testing.T) {
	proc := NewProcessRuntime(ProcessConfig{}, &fakePorts{})
	err := proc.ValidateConfig(types.InstanceConfig{Executable: types.Executable{Type: types.ExecutableWasm}})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestProcessRuntimeValidateConfigAcceptsProcessExecutableWithRuntimeConfigCommand(t *testing.T) {
	proc := NewProcessRuntime(ProcessConfig{}, &fakePorts{})
	err := proc.ValidateConfig(types.InstanceConfig{
		Executable:    types.Executable{Type: types.ExecutableProcess},
		RuntimeConfig: map[string]any{"command": "/bin/echo-agent"},
	})
	require.NoError(t, err)
}

func TestProcessRuntimeValidateConfigRejectsProcessExecutableWithNoCommandOrName(t *testing.T) {
	proc := NewProcessRuntime(ProcessConfig{}, &fakePorts{})
	err := proc.ValidateConfig(types.InstanceConfig{Executable: types.Executable{Type: types.ExecutableProcess}})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestProcessRuntimeStartInstanceResolvesPathFromRuntimeConfigCommand(t *testing.T) {
	proc := NewProcessRuntime(ProcessConfig{StopGrace: 2 * time.Second}, &fakePorts{})
	cfg := types.InstanceConfig{
		TaskID:        "task-1",
		Executable:    types.Executable{Type: types.ExecutableProcess},
		RuntimeConfig: map[string]any{"command": "/bin/sleep 30"},
	}

	handle, err := proc.CreateInstance(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, proc.StartInstance(context.Background(), handle))

	health, err := proc.Health(context.Background(), handle)
	require.NoError(t, err)
	require.True(t, health.Healthy)

	require.NoError(t, proc.StopInstance(context.Background(), handle))
	require.NoError(t, proc.Cleanup(context.Background(), handle))
}

func TestProcessRuntimeLifecycle(t *testing.T) {
	proc := NewProcessRuntime(ProcessConfig{StopGrace: 2 * time.Second}, &fakePorts{})
	cfg := types.InstanceConfig{
		TaskID:     "task-1",
		Executable: types.Executable{Type: types.ExecutableBinary, Name: "/bin/sleep", Args: []string{"30"}},
	}

	handle, err := proc.CreateInstance(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, proc.StartInstance(context.Background(), handle))

	health, err := proc.Health(context.Background(), handle)
	require.NoError(t, err)
	require.True(t, health.Healthy)

	require.NoError(t, proc.StopInstance(context.Background(), handle))
	require.NoError(t, proc.Cleanup(context.Background(), handle))
}

func TestProcessRuntimeExecuteIsFailedPrecondition(t *testing.T) {
	proc := NewProcessRuntime(ProcessConfig{}, &fakePorts{})
	_, err := proc.Execute(context.Background(), &processHandle{}, types.ExecutionContext{})
	require.Error(t, err)
	require.Equal(t, apperr.FailedPrecondition, apperr.KindOf(err))
}
