package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	calls []types.NodeResource
}

func (f *fakePusher) UpdateNodeResource(nodeUUID string, res types.NodeResource) error {
	f.calls = append(f.calls, res)
	return nil
}

func TestSamplerCollectPopulatesNodeUUID(t *testing.T) {
	cfg := DefaultConfig("node-1")
	s := New(cfg, &fakePusher{})
	res, err := s.collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-1", res.NodeUUID)
	assert.False(t, res.UpdatedAt.IsZero())
}

func TestSamplerRunPushesOnInterval(t *testing.T) {
	cfg := DefaultConfig("node-1")
	cfg.Interval = 10 * time.Millisecond
	pusher := &fakePusher{}
	s := New(cfg, pusher)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return len(pusher.calls) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
}
