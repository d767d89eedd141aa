package objectstore

import (
	"testing"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := storage.Open(storage.Config{Backend: storage.BackendMemory})
	require.NoError(t, err)
	return New(kv, DefaultConfig())
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	obj, err := s.Put("greeting", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), obj.Size)

	got, err := s.Get("greeting")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Bytes)
}

func TestPutRejectsOversizeObject(t *testing.T) {
	s := newTestStore(t)
	s.cfg.MaxObjectBytes = 4
	_, err := s.Put("too-big", []byte("hello"))
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestDeleteFailsPreconditionWhenReferencedOrPinned(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put("obj", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, s.AddRef("obj"))
	err = s.Delete("obj")
	require.Error(t, err)
	require.Equal(t, apperr.FailedPrecondition, apperr.KindOf(err))

	require.NoError(t, s.RemoveRef("obj"))
	require.NoError(t, s.Pin("obj"))
	err = s.Delete("obj")
	require.Error(t, err)
	require.Equal(t, apperr.FailedPrecondition, apperr.KindOf(err))

	require.NoError(t, s.Unpin("obj"))
	require.NoError(t, s.Delete("obj"))

	_, err = s.Get("obj")
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestListPrefixAndPagination(t *testing.T) {
	s := newTestStore(t)
	keys := []string{"a/1", "a/2", "a/3", "b/1"}
	for _, k := range keys {
		_, err := s.Put(k, []byte("x"))
		require.NoError(t, err)
	}

	out, err := s.List("a/", "", 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a/1", "a/2", "a/3"}, out)
}
