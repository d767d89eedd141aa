package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestResolveFromManagementService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello-artifact"))
	}))
	defer srv.Close()

	m := New(Config{MSBaseURL: srv.URL, CacheMaxBytes: 1 << 20}, nil)
	art, err := m.Resolve(context.Background(), types.ArtifactSpec{
		ID:   "fn-1",
		Type: types.ExecutableBinary,
		URI:  "sms+file://fn-1",
	})
	require.NoError(t, err)
	require.Equal(t, types.ValidationValid, art.Validated)
	require.Equal(t, []byte("hello-artifact"), art.Bytes)

	art2, err := m.Resolve(context.Background(), types.ArtifactSpec{ID: "fn-1", Type: types.ExecutableBinary, URI: "sms+file://fn-1"})
	require.NoError(t, err)
	require.Equal(t, art.ChecksumSHA256, art2.ChecksumSHA256)
}

func TestResolveRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	m := New(Config{MSBaseURL: srv.URL, CacheMaxBytes: 1 << 20}, nil)
	_, err := m.Resolve(context.Background(), types.ArtifactSpec{
		ID:             "fn-2",
		Type:           types.ExecutableBinary,
		URI:            "sms+file://fn-2",
		ChecksumSHA256: "deadbeef",
	})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestResolveRejectsInvalidWasmMagic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not-wasm"))
	}))
	defer srv.Close()

	m := New(Config{MSBaseURL: srv.URL, CacheMaxBytes: 1 << 20}, nil)
	_, err := m.Resolve(context.Background(), types.ArtifactSpec{
		ID:   "fn-3",
		Type: types.ExecutableWasm,
		URI:  "sms+file://fn-3",
	})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestResolveDockerSchemeRecordsPullIntent(t *testing.T) {
	m := New(DefaultConfig(), nil)
	_, err := m.Resolve(context.Background(), types.ArtifactSpec{
		ID:   "fn-4",
		Type: types.ExecutableContainer,
		URI:  "docker://myimage:latest",
	})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	rec, ok := m.cache.get("fn-4")
	require.True(t, ok)
	require.NotNil(t, rec.intent)
	require.Equal(t, "myimage:latest", rec.intent.Image)
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	m := New(DefaultConfig(), nil)
	_, err := m.Resolve(context.Background(), types.ArtifactSpec{ID: "fn-5", URI: "ftp://nope"})
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}
