// Package serialize implements the binary codec shared by the storage layer,
// the write-ahead log and the catalog checkpoint format.
//
// Every multi-byte primitive is little-endian regardless of the host.
// Strings are a uint32 byte length followed by UTF-8 bytes, lists are a
// uint32 element count followed by the elements, optionals are a one-byte
// presence tag followed by the value when present.
package serialize

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidUTF8 = errors.New("string is not valid UTF-8")
	ErrTooLarge    = errors.New("value does not fit into a uint32 length prefix")
	ErrInvalidBool = errors.New("invalid boolean tag")
)

var byteOrder = binary.LittleEndian

type Serializer struct {
	buf []byte
}

func NewSerializer() *Serializer {
	return &Serializer{}
}

func (s *Serializer) Bytes() []byte {
	return s.buf
}

func (s *Serializer) Len() int {
	return len(s.buf)
}

func (s *Serializer) Reset() {
	s.buf = s.buf[:0]
}

func (s *Serializer) WriteData(data []byte) {
	s.buf = append(s.buf, data...)
}

func (s *Serializer) WriteUint8(v uint8) {
	s.buf = append(s.buf, v)
}

func (s *Serializer) WriteBool(v bool) {
	if v {
		s.WriteUint8(1)
		return
	}
	s.WriteUint8(0)
}

func (s *Serializer) WriteUint16(v uint16) {
	s.buf = byteOrder.AppendUint16(s.buf, v)
}

func (s *Serializer) WriteUint32(v uint32) {
	s.buf = byteOrder.AppendUint32(s.buf, v)
}

func (s *Serializer) WriteUint64(v uint64) {
	s.buf = byteOrder.AppendUint64(s.buf, v)
}

func (s *Serializer) WriteInt64(v int64) {
	s.WriteUint64(uint64(v))
}

func (s *Serializer) WriteString(v string) error {
	if uint64(len(v)) > math.MaxUint32 {
		return fmt.Errorf("string of %d bytes: %w", len(v), ErrTooLarge)
	}

	s.WriteUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
	return nil
}

// WriteBytes writes a length-prefixed byte slice.
func (s *Serializer) WriteBytes(v []byte) error {
	if uint64(len(v)) > math.MaxUint32 {
		return fmt.Errorf("byte slice of %d bytes: %w", len(v), ErrTooLarge)
	}

	s.WriteUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
	return nil
}

func WriteList[T any](s *Serializer, items []T, write func(*Serializer, T) error) error {
	if uint64(len(items)) > math.MaxUint32 {
		return fmt.Errorf("list of %d items: %w", len(items), ErrTooLarge)
	}

	s.WriteUint32(uint32(len(items)))
	for i, item := range items {
		if err := write(s, item); err != nil {
			return fmt.Errorf("list item %d: %w", i, err)
		}
	}
	return nil
}

func WriteOptional[T any](s *Serializer, v *T, write func(*Serializer, T) error) error {
	s.WriteBool(v != nil)
	if v == nil {
		return nil
	}
	return write(s, *v)
}

// WriteStringValue adapts WriteString to the WriteList/WriteOptional callbacks.
func WriteStringValue(s *Serializer, v string) error {
	return s.WriteString(v)
}

func WriteStringList(s *Serializer, items []string) error {
	return WriteList(s, items, WriteStringValue)
}

func WriteOptionalString(s *Serializer, v *string) error {
	return WriteOptional(s, v, WriteStringValue)
}
