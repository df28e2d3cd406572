package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsMonotoneAndUnique(t *testing.T) {
	g, err := New(0)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	prev := int64(0)
	for i := 0; i < 10000; i++ {
		id := g.Next()
		assert.Greater(t, id, prev, "ids must be strictly increasing")
		assert.False(t, seen[id], "ids must be unique")
		seen[id] = true
		prev = id
	}
}

func TestBadNodeID(t *testing.T) {
	_, err := New(99999)
	assert.Error(t, err)
}
