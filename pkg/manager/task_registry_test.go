package manager

import (
	"testing"

	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(name, targetNode string) types.Task {
	return types.Task{
		Name:           name,
		Priority:       types.PriorityNormal,
		TargetNodeUUID: targetNode,
		Executable:     types.Executable{Type: types.ExecutableBinary, URI: "file:///bin/true"},
	}
}

func TestRegisterTaskAssignsSeqAndEmitsCreateEvent(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())
	sub, err := r.Stream().Subscribe("watcher", "", nil)
	require.NoError(t, err)
	defer sub.Close()

	id1, err := r.RegisterTask(newTask("t1", "N"))
	require.NoError(t, err)
	id2, err := r.RegisterTask(newTask("t2", "N"))
	require.NoError(t, err)

	ev1 := <-sub.Events
	assert.Equal(t, uint64(1), ev1.Seq)
	assert.Equal(t, types.EventCreate, ev1.Kind)
	assert.Equal(t, id1, ev1.TaskID)

	ev2 := <-sub.Events
	assert.Equal(t, uint64(2), ev2.Seq)
	assert.Equal(t, id2, ev2.TaskID)
}

func TestUpdateTaskPatchesFieldsAndAppendsEvent(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())
	id, err := r.RegisterTask(newTask("t1", "N"))
	require.NoError(t, err)

	newName := "t1-renamed"
	require.NoError(t, r.UpdateTask(id, types.TaskPatch{Name: &newName}))

	task, err := r.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "t1-renamed", task.Name)

	sub, err := r.Stream().Subscribe("watcher", "", nil)
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Events // Create
	ev := <-sub.Events
	assert.Equal(t, types.EventUpdate, ev.Kind)
	assert.Equal(t, id, ev.TaskID)
}

func TestDeleteTaskRemovesRowAndEmitsDeleteEvent(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())
	id, err := r.RegisterTask(newTask("t1", "N"))
	require.NoError(t, err)

	require.NoError(t, r.DeleteTask(id))
	_, err = r.GetTask(id)
	assert.Error(t, err)

	sub, err := r.Stream().Subscribe("watcher", "", nil)
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Events // Create
	ev := <-sub.Events
	assert.Equal(t, types.EventDelete, ev.Kind)
	assert.Equal(t, id, ev.TaskID)
}

func TestListTasksOrdersByCreatedAtThenID(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())
	_, err := r.RegisterTask(newTask("a", "N"))
	require.NoError(t, err)
	_, err = r.RegisterTask(newTask("b", "N"))
	require.NoError(t, err)

	tasks, err := r.ListTasks(types.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Name)
	assert.Equal(t, "b", tasks[1].Name)
}

func TestListTasksFiltersByTargetNode(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())
	_, err := r.RegisterTask(newTask("a", "N1"))
	require.NoError(t, err)
	_, err = r.RegisterTask(newTask("b", "N2"))
	require.NoError(t, err)

	n1 := "N1"
	tasks, err := r.ListTasks(types.TaskFilters{TargetNodeUUID: &n1})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].Name)
}
