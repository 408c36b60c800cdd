package sock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unifabric/cci/types"
)

func TestIDSpaceAllocRelease(t *testing.T) {
	s := newIDSpace(1)

	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		id, err := s.get()
		require.NoError(t, err)
		require.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
		assert.True(t, s.inUse(id))
	}

	for id := range seen {
		s.put(id)
		assert.False(t, s.inUse(id))
	}
}

func TestIDSpaceExhaustion(t *testing.T) {
	s := newIDSpace(2)

	total := idBlocks * idBlockBits
	ids := make([]uint32, 0, total)
	for i := 0; i < total; i++ {
		id, err := s.get()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := s.get()
	assert.Equal(t, types.ENOBUFS, err)

	s.put(ids[0])
	id, err := s.get()
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)
}

func TestIDSpaceDoubleReleasePanics(t *testing.T) {
	s := newIDSpace(3)

	id, err := s.get()
	require.NoError(t, err)
	s.put(id)

	assert.Panics(t, func() { s.put(id) })
}

func TestIDSpaceAvoidsImmediateReuse(t *testing.T) {
	s := newIDSpace(4)

	id, err := s.get()
	require.NoError(t, err)
	s.put(id)

	// With a random probe and an almost-empty space, the freed id should
	// effectively never come straight back.
	reused := 0
	for i := 0; i < 32; i++ {
		next, err := s.get()
		require.NoError(t, err)
		if next == id {
			reused++
		}
	}
	assert.LessOrEqual(t, reused, 1)
}
