package disk

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

func TestChain_RoundTrip(t *testing.T) {
	bm := NewInMemoryManager()

	data := bytes.Repeat([]byte("carapace"), ChainPayload/3)
	n := ChainBlocks(len(data))
	require.Equal(t, 3, n)

	ids := allocate(t, bm, n)
	first, err := WriteChain(bm, ids, data)
	require.NoError(t, err)
	assert.Equal(t, ids[0], first)

	read, chain, err := ReadChain(bm, first)
	require.NoError(t, err)
	assert.Equal(t, ids, chain)
	assert.Equal(t, data, read)
}

func TestChain_Empty(t *testing.T) {
	bm := NewInMemoryManager()

	first, err := WriteChain(bm, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, common.InvalidBlockID, first)

	data, ids, err := ReadChain(bm, first)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Empty(t, ids)
}

func TestChain_TrailingEmptyBlocks(t *testing.T) {
	bm := NewInMemoryManager()
	ids := allocate(t, bm, 3)

	first, err := WriteChain(bm, ids, []byte("short"))
	require.NoError(t, err)

	data, chain, err := ReadChain(bm, first)
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
	assert.Equal(t, ids, chain)
}

func TestChain_NotEnoughBlocks(t *testing.T) {
	bm := NewInMemoryManager()
	ids := allocate(t, bm, 1)

	_, err := WriteChain(bm, ids, make([]byte, ChainPayload+1))
	require.Error(t, err)
}

func TestChain_Cycle(t *testing.T) {
	bm := NewInMemoryManager()
	ids := allocate(t, bm, 2)

	for i, id := range ids {
		block := NewBlock(id)
		binary.LittleEndian.PutUint64(block.Data()[0:8], uint64(ids[(i+1)%2]))
		binary.LittleEndian.PutUint32(block.Data()[8:12], 1)
		require.NoError(t, bm.Write(block))
	}

	_, _, err := ReadChain(bm, ids[0])
	require.ErrorIs(t, err, ErrCorruptChain)
}

func TestFreeList_Encoding(t *testing.T) {
	ids := []common.BlockID{7, 3, 11}

	data := EncodeFreeList(ids)
	assert.Len(t, data, 4+8*len(ids))

	decoded, err := DecodeFreeList(data)
	require.NoError(t, err)
	assert.Equal(t, ids, decoded)

	_, err = DecodeFreeList(data[:len(data)-1])
	require.ErrorIs(t, err, ErrCorruptChain)

	assert.Nil(t, EncodeFreeList(nil))
	assert.Equal(t, 0, FreeListBlocks(0))
	assert.Equal(t, 1, FreeListBlocks(len(ids)))
}
