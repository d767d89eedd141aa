package control

import (
	"testing"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorAllocateAndRelease(t *testing.T) {
	a := NewPortAllocator(PortRange{Min: 19100, Max: 19105})

	ports := make(map[int]bool)
	for i := 0; i < 6; i++ {
		p, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, ports[p], "port %d allocated twice", p)
		ports[p] = true
	}

	_, err := a.Allocate()
	require.Error(t, err)
	assert.Equal(t, apperr.ResourceExhausted, apperr.KindOf(err))

	for p := range ports {
		a.Release(p)
		break
	}
	_, err = a.Allocate()
	assert.NoError(t, err)
}
