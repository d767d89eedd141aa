package manager

import (
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeResumeFromCursorReceivesRemainingEventsOnce(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())

	id1, err := r.RegisterTask(newTask("t1", "N"))
	require.NoError(t, err)
	id2, err := r.RegisterTask(newTask("t2", "N"))
	require.NoError(t, err)

	last := uint64(0)
	sub, err := r.Stream().Subscribe("sub-1", "", &last)
	require.NoError(t, err)

	ev1 := <-sub.Events
	assert.Equal(t, id1, ev1.TaskID)
	require.NoError(t, sub.Ack(ev1))
	require.NoError(t, sub.Close())

	cursor := uint64(1)
	sub2, err := r.Stream().Subscribe("sub-1", "", &cursor)
	require.NoError(t, err)
	defer sub2.Close()

	ev2 := <-sub2.Events
	assert.Equal(t, id2, ev2.TaskID)

	select {
	case extra := <-sub2.Events:
		t.Fatalf("expected no further events, got %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeFiltersByTargetNode(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())

	sub, err := r.Stream().Subscribe("sub-1", "N1", nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = r.RegisterTask(newTask("other", "N2"))
	require.NoError(t, err)
	idMatch, err := r.RegisterTask(newTask("mine", "N1"))
	require.NoError(t, err)

	ev := <-sub.Events
	assert.Equal(t, idMatch, ev.TaskID)
}

func TestEventSeqIsGapFreeAcrossRegisterUpdateDelete(t *testing.T) {
	r := NewTaskRegistry(storage.NewMemoryStore(), DefaultTaskRegistryConfig())

	id, err := r.RegisterTask(newTask("t1", "N"))
	require.NoError(t, err)
	newName := "t1b"
	require.NoError(t, r.UpdateTask(id, types.TaskPatch{Name: &newName}))
	require.NoError(t, r.DeleteTask(id))

	sub, err := r.Stream().Subscribe("auditor", "", nil)
	require.NoError(t, err)
	defer sub.Close()

	var seqs []uint64
	for i := 0; i < 3; i++ {
		ev := <-sub.Events
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
