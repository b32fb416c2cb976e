package disk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/ncw/directio"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

var ErrBlockChecksum = errors.New("block checksum mismatch")

// Block is one BlockSize buffer. The buffer is aligned so that it can be
// handed to a file opened for direct I/O.
type Block struct {
	ID  common.BlockID
	buf []byte
}

func NewBlock(id common.BlockID) *Block {
	return &Block{
		ID:  id,
		buf: directio.AlignedBlock(BlockSize),
	}
}

// Data is the usable part of the block, without the checksum.
func (b *Block) Data() []byte {
	return b.buf[BlockHeaderSize:]
}

// Buffer is the raw on-disk image of the block.
func (b *Block) Buffer() []byte {
	return b.buf
}

func (b *Block) Clear() {
	clear(b.buf)
}

func (b *Block) seal() {
	binary.LittleEndian.PutUint64(b.buf[:BlockHeaderSize], xxhash.Sum64(b.Data()))
}

func (b *Block) verify() error {
	stored := binary.LittleEndian.Uint64(b.buf[:BlockHeaderSize])
	if actual := xxhash.Sum64(b.Data()); stored != actual {
		return fmt.Errorf(
			"%w: block %d stores %#x, computed %#x",
			ErrBlockChecksum,
			b.ID,
			stored,
			actual,
		)
	}
	return nil
}

func blockOffset(id common.BlockID) int64 {
	return HeaderSize + int64(id)*BlockSize
}
