package h2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTableAllocateIdsAreOddAndIncreasing(t *testing.T) {
	tbl := newStreamTable()
	tbl.setRemaining(10)

	var ids []uint32
	for i := 0; i < 3; i++ {
		s, err := tbl.allocate(65535, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
		require.NoError(t, err)
		ids = append(ids, s.id)
	}

	assert.Equal(t, []uint32{1, 3, 5}, ids)
	for _, id := range ids {
		assert.Equal(t, uint32(1), id%2)
	}
}

func TestStreamTableAllocateFailsWhenBudgetExhausted(t *testing.T) {
	tbl := newStreamTable()
	tbl.setRemaining(1)

	_, err := tbl.allocate(65535, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	_, err = tbl.allocate(65535, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	assert.ErrorIs(t, err, ErrNoStreamsAvailable)
}

func TestStreamTableReleaseRestoresBudgetAndIsIdempotent(t *testing.T) {
	tbl := newStreamTable()
	tbl.setRemaining(1)

	s, err := tbl.allocate(65535, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tbl.remainingBudget())

	_, ok := tbl.release(s.id)
	assert.True(t, ok)
	assert.Equal(t, int64(1), tbl.remainingBudget())

	_, ok = tbl.release(s.id)
	assert.False(t, ok)
}

func TestStreamTableMaxOpenIDEmptyIsZero(t *testing.T) {
	tbl := newStreamTable()
	assert.Equal(t, uint32(0), tbl.maxOpenID())
}

func TestStreamTableMaxOpenIDScansAllOpenStreams(t *testing.T) {
	tbl := newStreamTable()
	tbl.setRemaining(10)

	s1, err := tbl.allocate(65535, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)
	s2, err := tbl.allocate(65535, 65535, defaultMaxHeaderSize, defaultMaxBodySize)
	require.NoError(t, err)

	assert.Equal(t, s2.id, tbl.maxOpenID())

	_, ok := tbl.release(s2.id)
	require.True(t, ok)
	assert.Equal(t, s1.id, tbl.maxOpenID())
}
