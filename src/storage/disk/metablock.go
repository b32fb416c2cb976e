package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/serialize"
)

// Metadata that does not fit into the header (the checkpointed catalog and
// the free list) is stored as a singly linked chain of blocks. Each block
// starts with [next BlockID i64][used u32] followed by the payload.
const (
	chainHeaderSize = 8 + 4
	ChainPayload    = BlockDataSize - chainHeaderSize
)

// ChainBlocks is the number of blocks needed to store n bytes.
func ChainBlocks(n int) int {
	return (n + ChainPayload - 1) / ChainPayload
}

// WriteChain writes data into the given, already allocated blocks and links
// them in order. Every block becomes part of the chain, trailing ones may
// carry no payload. It returns the first block of the chain, or
// InvalidBlockID when there are no blocks.
func WriteChain(bm BlockManager, ids []common.BlockID, data []byte) (common.BlockID, error) {
	if need := ChainBlocks(len(data)); len(ids) < need {
		return common.InvalidBlockID, fmt.Errorf(
			"chain of %d bytes needs %d blocks, got %d",
			len(data),
			need,
			len(ids),
		)
	}
	if len(ids) == 0 {
		return common.InvalidBlockID, nil
	}

	for i, id := range ids {
		block := NewBlock(id)
		next := common.InvalidBlockID
		if i+1 < len(ids) {
			next = ids[i+1]
		}

		lo := min(i*ChainPayload, len(data))
		hi := min((i+1)*ChainPayload, len(data))
		payload := block.Data()
		binary.LittleEndian.PutUint64(payload[0:8], uint64(next))
		binary.LittleEndian.PutUint32(payload[8:12], uint32(hi-lo))
		copy(payload[chainHeaderSize:], data[lo:hi])

		if err := bm.Write(block); err != nil {
			return common.InvalidBlockID, err
		}
	}
	return ids[0], nil
}

// ReadChain follows the chain starting at first and returns its payload and
// the ids of the blocks it occupies.
func ReadChain(bm BlockManager, first common.BlockID) ([]byte, []common.BlockID, error) {
	var (
		data    []byte
		ids     []common.BlockID
		visited = map[common.BlockID]struct{}{}
	)

	for id := first; id != common.InvalidBlockID; {
		if _, ok := visited[id]; ok {
			return nil, nil, fmt.Errorf("%w: block %d visited twice", ErrCorruptChain, id)
		}
		visited[id] = struct{}{}

		block := NewBlock(id)
		if err := bm.Read(block); err != nil {
			return nil, nil, err
		}

		payload := block.Data()
		next := common.BlockID(binary.LittleEndian.Uint64(payload[0:8]))
		used := binary.LittleEndian.Uint32(payload[8:12])
		if used > ChainPayload {
			return nil, nil, fmt.Errorf(
				"%w: block %d claims %d payload bytes",
				ErrCorruptChain,
				id,
				used,
			)
		}

		data = append(data, payload[chainHeaderSize:chainHeaderSize+int(used)]...)
		ids = append(ids, id)
		id = next
	}
	return data, ids, nil
}

func EncodeFreeList(ids []common.BlockID) []byte {
	if len(ids) == 0 {
		return nil
	}

	s := serialize.NewSerializer()
	_ = serialize.WriteList(s, ids, func(s *serialize.Serializer, id common.BlockID) error {
		s.WriteInt64(int64(id))
		return nil
	})
	return s.Bytes()
}

func DecodeFreeList(data []byte) ([]common.BlockID, error) {
	if len(data) == 0 {
		return nil, nil
	}

	d := serialize.NewDeserializer(data)
	ids, err := serialize.ReadList(d, func(d *serialize.Deserializer) (common.BlockID, error) {
		v, err := d.ReadInt64()
		return common.BlockID(v), err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: free list: %v", ErrCorruptChain, err)
	}
	return ids, nil
}

// FreeListBlocks is the number of chain blocks needed to persist n free ids.
func FreeListBlocks(n int) int {
	if n == 0 {
		return 0
	}
	return ChainBlocks(4 + 8*n)
}
