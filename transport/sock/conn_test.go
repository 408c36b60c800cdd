package sock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unifabric/cci/types"
)

func ingestConn(attr types.ConnAttribute, base uint64) *conn {
	return &conn{
		attr:    attr,
		ack:     base,
		reorder: map[uint64]*rx{},
	}
}

func TestIngestROInOrder(t *testing.T) {
	c := ingestConn(types.ConnRO, 100)

	r1, r2 := &rx{}, &rx{}

	deliver, dup, drop := c.ingestSeqLocked(101, r1)
	require.False(t, dup)
	require.False(t, drop)
	require.Equal(t, []*rx{r1}, deliver)
	assert.Equal(t, uint64(101), c.ack)

	deliver, dup, drop = c.ingestSeqLocked(102, r2)
	require.False(t, dup)
	require.False(t, drop)
	require.Equal(t, []*rx{r2}, deliver)
	assert.Equal(t, uint64(102), c.ack)
}

func TestIngestROReorders(t *testing.T) {
	c := ingestConn(types.ConnRO, 0)

	r1, r2, r3 := &rx{}, &rx{}, &rx{}

	// 3 and 2 arrive before 1: buffered, nothing delivered.
	deliver, dup, drop := c.ingestSeqLocked(3, r3)
	require.False(t, dup)
	require.False(t, drop)
	assert.Empty(t, deliver)

	deliver, dup, drop = c.ingestSeqLocked(2, r2)
	require.False(t, dup)
	require.False(t, drop)
	assert.Empty(t, deliver)
	assert.Equal(t, uint64(0), c.ack)

	// 1 arrives: all three deliver in sequence order.
	deliver, dup, drop = c.ingestSeqLocked(1, r1)
	require.False(t, dup)
	require.False(t, drop)
	assert.Equal(t, []*rx{r1, r2, r3}, deliver)
	assert.Equal(t, uint64(3), c.ack)
	assert.Empty(t, c.reorder)
}

func TestIngestRODuplicates(t *testing.T) {
	c := ingestConn(types.ConnRO, 10)

	_, dup, _ := c.ingestSeqLocked(5, &rx{})
	assert.True(t, dup, "sequence at or below the cumulative is a duplicate")

	// Buffered out-of-order arrival repeated.
	_, dup, _ = c.ingestSeqLocked(13, &rx{})
	require.False(t, dup)
	_, dup, _ = c.ingestSeqLocked(13, &rx{})
	assert.True(t, dup)
}

func TestIngestRODropsBeyondWindow(t *testing.T) {
	c := ingestConn(types.ConnRO, 0)

	_, dup, drop := c.ingestSeqLocked(1+reorderWindow, &rx{})
	assert.False(t, dup)
	assert.True(t, drop, "arrival past the reorder window must be dropped unacked")
	assert.Equal(t, uint64(0), c.ack)
}

func TestIngestRUArrivalOrder(t *testing.T) {
	c := ingestConn(types.ConnRU, 0)

	r2, r5, r1 := &rx{}, &rx{}, &rx{}

	// Out-of-order arrivals deliver immediately.
	deliver, dup, drop := c.ingestSeqLocked(2, r2)
	require.False(t, dup)
	require.False(t, drop)
	assert.Equal(t, []*rx{r2}, deliver)
	assert.Equal(t, uint64(0), c.ack, "cumulative holds until the gap fills")

	deliver, _, _ = c.ingestSeqLocked(5, r5)
	assert.Equal(t, []*rx{r5}, deliver)

	// The gap fills: cumulative folds in the selectively received 2.
	deliver, _, _ = c.ingestSeqLocked(1, r1)
	assert.Equal(t, []*rx{r1}, deliver)
	assert.Equal(t, uint64(2), c.ack)
}

func TestIngestRUExactlyOnce(t *testing.T) {
	c := ingestConn(types.ConnRU, 0)

	_, dup, _ := c.ingestSeqLocked(4, &rx{})
	require.False(t, dup)

	// The same sequence again, both before and after the cumulative
	// passes it, is a duplicate.
	_, dup, _ = c.ingestSeqLocked(4, &rx{})
	assert.True(t, dup)

	for seq := uint64(1); seq <= 3; seq++ {
		_, dup, _ = c.ingestSeqLocked(seq, &rx{})
		require.False(t, dup, "seq %d", seq)
	}
	assert.Equal(t, uint64(4), c.ack)

	_, dup, _ = c.ingestSeqLocked(4, &rx{})
	assert.True(t, dup)
}

func TestIngestRUSackFolding(t *testing.T) {
	c := ingestConn(types.ConnRU, 0)

	// 2..6 arrive, then 1: cumulative jumps to 6 in one step.
	for seq := uint64(2); seq <= 6; seq++ {
		_, dup, drop := c.ingestSeqLocked(seq, &rx{})
		require.False(t, dup)
		require.False(t, drop)
	}
	assert.Equal(t, uint64(0), c.ack)

	c.ingestSeqLocked(1, &rx{})
	assert.Equal(t, uint64(6), c.ack)
	assert.Zero(t, c.sack)
}

func TestEffectiveTimeouts(t *testing.T) {
	e := &endpoint{sendTimeout: DefaultSendTimeout}
	c := &conn{ep: e}

	assert.Equal(t, DefaultSendTimeout, c.effTimeout())

	require.NoError(t, c.SetSendTimeout(1234))
	assert.Equal(t, time.Duration(1234), c.effTimeout())

	require.NoError(t, c.SetSendTimeout(0))
	assert.Equal(t, DefaultSendTimeout, c.effTimeout())
}
