// Package artifact resolves an ArtifactSpec's URI into validated,
// worker-local bytes, dispatching on scheme: the management service's
// file endpoint, plain HTTP(S) via go-getter behind a circuit breaker, or
// a container registry pull intent recorded for the container runtime.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/types"
	getter "github.com/hashicorp/go-getter"
	"github.com/sony/gobreaker"
)

// wasmMagic is the 4-byte prefix every valid WASM binary starts with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Config configures the artifact manager.
type Config struct {
	// MSBaseURL is the management service's HTTP base, used for
	// "sms+file://" resolution.
	MSBaseURL string
	// CacheMaxBytes bounds the in-memory LRU cache.
	CacheMaxBytes int64
	// FetchTimeout bounds any single remote fetch.
	FetchTimeout time.Duration
}

// DefaultConfig matches spec's single-host dev defaults.
func DefaultConfig() Config {
	return Config{
		CacheMaxBytes: 256 * 1024 * 1024,
		FetchTimeout:  30 * time.Second,
	}
}

// PullIntent records a container image reference for the
// container-orchestrator runtime to pull at CreateInstance/StartInstance
// time; no bytes are fetched here.
type PullIntent struct {
	Image string
}

type artifactRecord struct {
	artifact *types.Artifact
	intent   *PullIntent
}

// Manager resolves, validates, and caches artifacts.
type Manager struct {
	cfg     Config
	cache   *lruCache
	breaker *gobreaker.CircuitBreaker
	httpc   *http.Client
	inUse   map[string]bool
}

// New creates a Manager. inUse reports whether an artifact id is still
// referenced by a live instance, so the cache never evicts it out from
// under a running instance.
func New(cfg Config, inUse func(id string) bool) *Manager {
	m := &Manager{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.FetchTimeout},
	}
	m.cache = newLRUCache(cfg.CacheMaxBytes, inUse)
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "artifact-fetch",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return m
}

// Resolve fetches, validates, and caches the artifact named by spec.
func (m *Manager) Resolve(ctx context.Context, spec types.ArtifactSpec) (*types.Artifact, error) {
	id := spec.ID
	if id == "" {
		id = spec.URI
	}
	if rec, ok := m.cache.get(id); ok && rec.artifact != nil {
		metrics.ArtifactCacheHits.Inc()
		return rec.artifact, nil
	}
	metrics.ArtifactCacheMisses.Inc()

	timer := metrics.NewTimer()
	art, intent, err := m.fetch(ctx, spec)
	timer.ObserveDurationVec(metrics.ArtifactFetchDuration, scheme(spec.URI))
	if err != nil {
		return nil, err
	}
	if art != nil {
		if err := m.validate(art, spec); err != nil {
			return nil, err
		}
		m.cache.put(id, &artifactRecord{artifact: art}, art.Size)
		return art, nil
	}
	m.cache.put(id, &artifactRecord{intent: intent}, 0)
	return nil, apperr.Newf(apperr.InvalidArgument, "artifact %s is a pull intent, not fetchable bytes", id)
}

func scheme(uri string) string {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[:idx]
	}
	return "unknown"
}

func (m *Manager) fetch(ctx context.Context, spec types.ArtifactSpec) (*types.Artifact, *PullIntent, error) {
	switch {
	case strings.HasPrefix(spec.URI, "sms+file://"):
		art, err := m.fetchFromMS(ctx, spec)
		return art, nil, err
	case strings.HasPrefix(spec.URI, "http://") || strings.HasPrefix(spec.URI, "https://"):
		art, err := m.fetchHTTP(ctx, spec)
		return art, nil, err
	case strings.HasPrefix(spec.URI, "docker://"):
		return nil, &PullIntent{Image: strings.TrimPrefix(spec.URI, "docker://")}, nil
	default:
		return nil, nil, apperr.Newf(apperr.InvalidArgument, "unsupported artifact uri scheme: %s", spec.URI)
	}
}

func (m *Manager) fetchFromMS(ctx context.Context, spec types.ArtifactSpec) (*types.Artifact, error) {
	if m.cfg.MSBaseURL == "" {
		return nil, apperr.New(apperr.FailedPrecondition, "artifact manager has no management-service base url configured")
	}
	rest := strings.TrimPrefix(spec.URI, "sms+file://")
	id := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		id = rest[idx+1:]
	}
	url := fmt.Sprintf("%s/api/v1/files/%s", strings.TrimRight(m.cfg.MSBaseURL, "/"), id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build ms file request")
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		resp, err := m.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ms file endpoint returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		log.WithComponent("artifact").Warn("ms file fetch failed: " + err.Error())
		return nil, apperr.Wrap(apperr.Transport, err, "fetch artifact from management service")
	}
	data := result.([]byte)
	return m.newArtifact(spec, data), nil
}

func (m *Manager) fetchHTTP(ctx context.Context, spec types.ArtifactSpec) (*types.Artifact, error) {
	dstDir, err := os.MkdirTemp("", "spear-artifact-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "create fetch tempdir")
	}
	defer os.RemoveAll(dstDir)
	dst := filepath.Join(dstDir, "artifact")

	result, err := m.breaker.Execute(func() (interface{}, error) {
		client := &getter.Client{
			Ctx:  ctx,
			Src:  spec.URI,
			Dst:  dst,
			Mode: getter.ClientModeFile,
		}
		if err := client.Get(); err != nil {
			return nil, err
		}
		return os.ReadFile(dst)
	})
	if err != nil {
		log.WithComponent("artifact").Warn("http fetch failed: " + err.Error())
		return nil, apperr.Wrap(apperr.Transport, err, "fetch artifact over http")
	}
	return m.newArtifact(spec, result.([]byte)), nil
}

func (m *Manager) newArtifact(spec types.ArtifactSpec, data []byte) *types.Artifact {
	sum := sha256.Sum256(data)
	return &types.Artifact{
		ID:             spec.ID,
		Type:           spec.Type,
		URI:            spec.URI,
		Bytes:          data,
		Size:           int64(len(data)),
		ChecksumSHA256: hex.EncodeToString(sum[:]),
		Validated:      types.ValidationPending,
	}
}

// validate enforces the WASM magic prefix, checksum, and non-empty-body
// invariants, mutating Artifact.Validated in place.
func (m *Manager) validate(art *types.Artifact, spec types.ArtifactSpec) error {
	if spec.ChecksumSHA256 != "" && spec.ChecksumSHA256 != art.ChecksumSHA256 {
		art.Validated = types.ValidationInvalid
		return apperr.Newf(apperr.InvalidArgument, "artifact %s checksum mismatch: expected %s got %s", art.ID, spec.ChecksumSHA256, art.ChecksumSHA256)
	}
	switch spec.Type {
	case types.ExecutableWasm:
		if !bytes.HasPrefix(art.Bytes, wasmMagic) {
			art.Validated = types.ValidationInvalid
			return apperr.Newf(apperr.InvalidArgument, "artifact %s is not a valid wasm module", art.ID)
		}
	case types.ExecutableBinary, types.ExecutableScript:
		if len(art.Bytes) == 0 {
			art.Validated = types.ValidationInvalid
			return apperr.Newf(apperr.InvalidArgument, "artifact %s has an empty body", art.ID)
		}
	}
	art.Validated = types.ValidationValid
	return nil
}
