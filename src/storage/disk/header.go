package disk

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/serialize"
)

// VersionNumber is the version of the storage format.
const VersionNumber uint64 = 1

const (
	// BlockSize is the quantum of allocation of the storage file.
	BlockSize = 262144
	// HeaderSize is the size of the header region in front of the first
	// block. It holds the main header and both database header slots.
	HeaderSize = 4096

	// Every block starts with the xxhash64 of its payload.
	BlockHeaderSize = 8
	BlockDataSize   = BlockSize - BlockHeaderSize

	headerSlotSize   = 1024
	mainHeaderOffset = 0
)

var databaseHeaderOffsets = [2]int{headerSlotSize, 2 * headerSlotSize}

var mainHeaderMagic = [8]byte{'C', 'A', 'R', 'A', 'P', 'A', 'C', 'E'}

var (
	ErrCorruptHeader   = errors.New("corrupt database header")
	ErrVersionMismatch = errors.New("unsupported storage version")
)

// MainHeader is written once, when the database file is created.
type MainHeader struct {
	VersionNumber uint64
	Flags         [4]uint64
	DatabaseID    uuid.UUID
}

// DatabaseHeader describes the state of the file as of one checkpoint.
// Both slots are kept on disk; the one with the higher iteration is active.
type DatabaseHeader struct {
	Iteration uint64
	// First block of the checkpointed catalog chain.
	MetaBlock common.BlockID
	// First block of the free list chain.
	FreeList common.BlockID
	// Blocks past BlockCount are implicitly free.
	BlockCount uint64
}

func NewMainHeader() MainHeader {
	return MainHeader{
		VersionNumber: VersionNumber,
		DatabaseID:    uuid.New(),
	}
}

func EmptyDatabaseHeader() DatabaseHeader {
	return DatabaseHeader{
		Iteration:  0,
		MetaBlock:  common.InvalidBlockID,
		FreeList:   common.InvalidBlockID,
		BlockCount: 0,
	}
}

func sealSlot(s *serialize.Serializer) []byte {
	body := s.Bytes()
	s.WriteUint64(xxhash.Sum64(body))

	slot := make([]byte, headerSlotSize)
	copy(slot, s.Bytes())
	return slot
}

func openSlot(slot []byte, bodySize int) (*serialize.Deserializer, error) {
	if len(slot) < bodySize+8 {
		return nil, fmt.Errorf("%w: slot of %d bytes", ErrCorruptHeader, len(slot))
	}

	body := slot[:bodySize]
	sum := serialize.NewDeserializer(slot[bodySize : bodySize+8])
	expected, err := sum.ReadUint64()
	if err != nil {
		return nil, err
	}

	if xxhash.Sum64(body) != expected {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptHeader)
	}
	return serialize.NewDeserializer(body), nil
}

const mainHeaderBodySize = 8 + 8 + 4*8 + 16

func (h MainHeader) encode() []byte {
	s := serialize.NewSerializer()
	s.WriteData(mainHeaderMagic[:])
	s.WriteUint64(h.VersionNumber)
	for _, f := range h.Flags {
		s.WriteUint64(f)
	}
	s.WriteData(h.DatabaseID[:])
	return sealSlot(s)
}

func decodeMainHeader(slot []byte) (MainHeader, error) {
	d, err := openSlot(slot, mainHeaderBodySize)
	if err != nil {
		return MainHeader{}, fmt.Errorf("main header: %w", err)
	}

	var magic [8]byte
	if err := d.ReadData(magic[:]); err != nil {
		return MainHeader{}, err
	}
	if magic != mainHeaderMagic {
		return MainHeader{}, fmt.Errorf("%w: not a database file", ErrCorruptHeader)
	}

	var h MainHeader
	if h.VersionNumber, err = d.ReadUint64(); err != nil {
		return MainHeader{}, err
	}
	for i := range h.Flags {
		if h.Flags[i], err = d.ReadUint64(); err != nil {
			return MainHeader{}, err
		}
	}
	if err := d.ReadData(h.DatabaseID[:]); err != nil {
		return MainHeader{}, err
	}

	if h.VersionNumber != VersionNumber {
		return MainHeader{}, fmt.Errorf(
			"%w: file has version %d, expected %d",
			ErrVersionMismatch,
			h.VersionNumber,
			VersionNumber,
		)
	}
	return h, nil
}

const databaseHeaderBodySize = 4 * 8

func (h DatabaseHeader) encode() []byte {
	s := serialize.NewSerializer()
	s.WriteUint64(h.Iteration)
	s.WriteInt64(int64(h.MetaBlock))
	s.WriteInt64(int64(h.FreeList))
	s.WriteUint64(h.BlockCount)
	return sealSlot(s)
}

func decodeDatabaseHeader(slot []byte) (DatabaseHeader, error) {
	d, err := openSlot(slot, databaseHeaderBodySize)
	if err != nil {
		return DatabaseHeader{}, err
	}

	var h DatabaseHeader
	var meta, free int64
	if h.Iteration, err = d.ReadUint64(); err != nil {
		return DatabaseHeader{}, err
	}
	if meta, err = d.ReadInt64(); err != nil {
		return DatabaseHeader{}, err
	}
	if free, err = d.ReadInt64(); err != nil {
		return DatabaseHeader{}, err
	}
	if h.BlockCount, err = d.ReadUint64(); err != nil {
		return DatabaseHeader{}, err
	}
	h.MetaBlock = common.BlockID(meta)
	h.FreeList = common.BlockID(free)

	if err := h.validate(); err != nil {
		return DatabaseHeader{}, err
	}
	return h, nil
}

func (h DatabaseHeader) validate() error {
	for _, id := range []common.BlockID{h.MetaBlock, h.FreeList} {
		if id == common.InvalidBlockID {
			continue
		}
		if !id.IsValid() || uint64(id) >= h.BlockCount {
			return fmt.Errorf(
				"%w: block %d outside of %d blocks",
				ErrCorruptHeader,
				id,
				h.BlockCount,
			)
		}
	}
	return nil
}

// headerRegion is the in-memory image of the first HeaderSize bytes of the
// file. Header writes always rewrite the whole region so that they stay
// aligned for direct I/O; the active slot is rewritten with identical bytes.
type headerRegion struct {
	buf    []byte
	main   MainHeader
	slots  [2]DatabaseHeader
	active int
}

func newHeaderRegion(buf []byte, main MainHeader) *headerRegion {
	r := &headerRegion{buf: buf, main: main}
	clear(r.buf)
	copy(r.buf[mainHeaderOffset:], main.encode())

	empty := EmptyDatabaseHeader()
	for i, off := range databaseHeaderOffsets {
		r.slots[i] = empty
		copy(r.buf[off:off+headerSlotSize], empty.encode())
	}
	r.active = 0
	return r
}

// loadHeaderRegion picks the valid slot with the higher iteration. A torn
// write of one slot is survivable, losing both is not.
func loadHeaderRegion(buf []byte) (*headerRegion, error) {
	main, err := decodeMainHeader(buf[mainHeaderOffset : mainHeaderOffset+headerSlotSize])
	if err != nil {
		return nil, err
	}

	r := &headerRegion{buf: buf, main: main, active: -1}

	var errs []error
	for i, off := range databaseHeaderOffsets {
		h, err := decodeDatabaseHeader(buf[off : off+headerSlotSize])
		if err != nil {
			errs = append(errs, fmt.Errorf("header slot %d: %w", i, err))
			continue
		}

		r.slots[i] = h
		if r.active == -1 || h.Iteration > r.slots[r.active].Iteration {
			r.active = i
		}
	}

	if r.active == -1 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func (r *headerRegion) Active() DatabaseHeader {
	return r.slots[r.active]
}

// stage encodes h into the inactive slot with the next iteration count and
// returns the slot index. The switch becomes effective with commit.
func (r *headerRegion) stage(h DatabaseHeader) (int, DatabaseHeader) {
	inactive := 1 - r.active
	h.Iteration = r.slots[r.active].Iteration + 1

	off := databaseHeaderOffsets[inactive]
	copy(r.buf[off:off+headerSlotSize], h.encode())
	return inactive, h
}

func (r *headerRegion) commit(slot int, h DatabaseHeader) {
	r.slots[slot] = h
	r.active = slot
}

// rollback restores the staged slot's bytes after a failed write.
func (r *headerRegion) rollback(slot int) {
	off := databaseHeaderOffsets[slot]
	copy(r.buf[off:off+headerSlotSize], r.slots[slot].encode())
}
