package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/serialize"
)

const (
	// Version of the log file format.
	Version uint64 = 1

	// [magic 8][version u64][database uuid 16][iteration u64][xxhash64 u64]
	HeaderSize = 8 + 8 + 16 + 8 + 8

	// [type u8][len u32][xxhash64 u64], followed by len payload bytes
	recordHeaderSize = 1 + 4 + 8
)

var walMagic = [8]byte{'C', 'R', 'P', 'C', 'W', 'A', 'L', 0}

var (
	ErrWALCorrupt  = errors.New("corrupt write-ahead log")
	ErrWALMismatch = errors.New("write-ahead log belongs to another database")
	ErrReadOnly    = errors.New("write-ahead log is read-only")
	// the log ends inside a record: the append was cut short by a crash
	ErrWALTruncated = errors.New("write-ahead log ends inside a record")
	ErrWALClosed    = errors.New("write-ahead log is closed")
)

// ReplayError reports where in the log reading failed.
type ReplayError struct {
	Offset int64
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("wal offset %d: %v", e.Offset, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Header identifies the database and the checkpoint a log belongs to. Records
// of a log are only meaningful on top of the checkpoint with the same
// iteration.
type Header struct {
	Version    uint64
	DatabaseID uuid.UUID
	Iteration  uint64
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], walMagic[:])
	binary.LittleEndian.PutUint64(buf[8:16], h.Version)
	copy(buf[16:32], h.DatabaseID[:])
	binary.LittleEndian.PutUint64(buf[32:40], h.Iteration)
	binary.LittleEndian.PutUint64(buf[40:48], checksum(buf[:40]))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header of %d bytes", ErrWALCorrupt, len(buf))
	}
	if [8]byte(buf[0:8]) != walMagic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrWALCorrupt, buf[0:8])
	}
	if stored, actual := binary.LittleEndian.Uint64(buf[40:48]), checksum(buf[:40]); stored != actual {
		return Header{}, fmt.Errorf("%w: header checksum mismatch", ErrWALCorrupt)
	}

	h := Header{
		Version:   binary.LittleEndian.Uint64(buf[8:16]),
		Iteration: binary.LittleEndian.Uint64(buf[32:40]),
	}
	id, err := uuid.FromBytes(buf[16:32])
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrWALCorrupt, err)
	}
	h.DatabaseID = id

	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrWALCorrupt, h.Version)
	}
	return h, nil
}

func encodeRecordHeader(r common.LogRecord) []byte {
	buf := make([]byte, recordHeaderSize)
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(r.Payload)))
	binary.LittleEndian.PutUint64(buf[5:13], checksum(r.Payload))
	return buf
}

func recordString(r common.LogRecord) string {
	switch r.Type {
	case common.LogRecordBlockWrite:
		id, data, err := DecodeBlockWrite(r.Payload)
		if err != nil {
			return fmt.Sprintf("%s <%v>", r.Type, err)
		}
		return fmt.Sprintf("%s block=%d bytes=%d", r.Type, id, len(data))
	case common.LogRecordBlockFree:
		id, err := DecodeBlockFree(r.Payload)
		if err != nil {
			return fmt.Sprintf("%s <%v>", r.Type, err)
		}
		return fmt.Sprintf("%s block=%d", r.Type, id)
	case common.LogRecordCommit:
		ts, err := DecodeCommit(r.Payload)
		if err != nil {
			return fmt.Sprintf("%s <%v>", r.Type, err)
		}
		return fmt.Sprintf("%s %s", r.Type, ts)
	default:
		return fmt.Sprintf("%s bytes=%d", r.Type, len(r.Payload))
	}
}

func EncodeBlockWrite(id common.BlockID, data []byte) common.LogRecord {
	s := serialize.NewSerializer()
	s.WriteInt64(int64(id))
	_ = s.WriteBytes(data)
	return common.LogRecord{Type: common.LogRecordBlockWrite, Payload: s.Bytes()}
}

func DecodeBlockWrite(payload []byte) (common.BlockID, []byte, error) {
	d := serialize.NewDeserializer(payload)
	id, err := d.ReadInt64()
	if err != nil {
		return common.InvalidBlockID, nil, err
	}
	data, err := d.ReadBytes()
	if err != nil {
		return common.InvalidBlockID, nil, err
	}
	return common.BlockID(id), data, nil
}

func EncodeBlockFree(id common.BlockID) common.LogRecord {
	s := serialize.NewSerializer()
	s.WriteInt64(int64(id))
	return common.LogRecord{Type: common.LogRecordBlockFree, Payload: s.Bytes()}
}

func DecodeBlockFree(payload []byte) (common.BlockID, error) {
	id, err := serialize.NewDeserializer(payload).ReadInt64()
	return common.BlockID(id), err
}

func encodeCommit(ts common.Timestamp) common.LogRecord {
	s := serialize.NewSerializer()
	s.WriteUint64(uint64(ts))
	return common.LogRecord{Type: common.LogRecordCommit, Payload: s.Bytes()}
}

func DecodeCommit(payload []byte) (common.Timestamp, error) {
	ts, err := serialize.NewDeserializer(payload).ReadUint64()
	return common.Timestamp(ts), err
}
