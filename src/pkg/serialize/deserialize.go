package serialize

import (
	"fmt"
	"io"
	"unicode/utf8"
)

type Deserializer struct {
	data []byte
	off  int
}

func NewDeserializer(data []byte) *Deserializer {
	return &Deserializer{data: data}
}

func (d *Deserializer) Remaining() int {
	return len(d.data) - d.off
}

func (d *Deserializer) Offset() int {
	return d.off
}

// ReadData fills buf completely or fails with io.ErrUnexpectedEOF.
func (d *Deserializer) ReadData(buf []byte) error {
	if d.Remaining() < len(buf) {
		return fmt.Errorf(
			"need %d bytes at offset %d, %d left: %w",
			len(buf),
			d.off,
			d.Remaining(),
			io.ErrUnexpectedEOF,
		)
	}

	copy(buf, d.data[d.off:d.off+len(buf)])
	d.off += len(buf)
	return nil
}

func (d *Deserializer) next(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, fmt.Errorf(
			"need %d bytes at offset %d, %d left: %w",
			n,
			d.off,
			d.Remaining(),
			io.ErrUnexpectedEOF,
		)
	}

	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Deserializer) ReadUint8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Deserializer) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	if err != nil {
		return false, err
	}

	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("tag %d at offset %d: %w", v, d.off-1, ErrInvalidBool)
	}
}

func (d *Deserializer) ReadUint16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b), nil
}

func (d *Deserializer) ReadUint32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b), nil
}

func (d *Deserializer) ReadUint64() (uint64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b), nil
}

func (d *Deserializer) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

func (d *Deserializer) ReadString() (string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return "", err
	}

	b, err := d.next(int(n))
	if err != nil {
		return "", err
	}

	if !utf8.Valid(b) {
		return "", fmt.Errorf("string at offset %d: %w", d.off-int(n), ErrInvalidUTF8)
	}
	return string(b), nil
}

// ReadBytes reads a length-prefixed byte slice. The result is a copy.
func (d *Deserializer) ReadBytes() ([]byte, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}

	b, err := d.next(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func ReadList[T any](d *Deserializer, read func(*Deserializer) (T, error)) ([]T, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}

	// every element takes at least one byte, a larger count is corrupt
	if int(n) > d.Remaining() && n > 0 {
		return nil, fmt.Errorf(
			"list of %d items with %d bytes left: %w",
			n,
			d.Remaining(),
			io.ErrUnexpectedEOF,
		)
	}

	items := make([]T, 0, n)
	for i := range n {
		item, err := read(d)
		if err != nil {
			return nil, fmt.Errorf("list item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func ReadOptional[T any](d *Deserializer, read func(*Deserializer) (T, error)) (*T, error) {
	present, err := d.ReadBool()
	if err != nil {
		return nil, err
	}

	if !present {
		return nil, nil
	}

	v, err := read(d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func ReadStringValue(d *Deserializer) (string, error) {
	return d.ReadString()
}

func ReadStringList(d *Deserializer) ([]string, error) {
	return ReadList(d, ReadStringValue)
}

func ReadOptionalString(d *Deserializer) (*string, error) {
	return ReadOptional(d, ReadStringValue)
}
