// Package binreader provides the little-endian, bounds-checked binary
// primitives shared by the P4K, CryXmlB and DataCore decoders (spec.md
// §4.1). It generalizes the ReadUint64/ReadUint32/... boundary-checked
// style of saferwall/pe's helper.go from methods on a single PE file into
// a standalone reader over an arbitrary byte slice.
package binreader

import (
	"encoding/binary"
	"math"

	"github.com/19h/svarog/ferr"
	"github.com/19h/svarog/guid"
)

// Reader is a bounds-checked little-endian cursor over a byte slice. It
// never copies the underlying slice; every returned string or sub-slice
// borrows from it.
type Reader struct {
	data []byte
}

// New wraps data for bounds-checked little-endian reads.
func New(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the total length of the wrapped buffer.
func (r *Reader) Len() uint32 { return uint32(len(r.data)) }

// Bytes returns the entire wrapped buffer.
func (r *Reader) Bytes() []byte { return r.data }

func (r *Reader) bounds(offset uint64, n uint64) error {
	if offset+n < offset {
		return ferr.Newf(ferr.TruncatedInput, "offset overflow at %d+%d", offset, n)
	}
	if offset+n > uint64(len(r.data)) {
		return ferr.Newf(ferr.TruncatedInput, "read of %d bytes at offset %d exceeds buffer of %d bytes", n, offset, len(r.data))
	}
	return nil
}

// Uint8 reads an unsigned byte at offset.
func (r *Reader) Uint8(offset uint32) (uint8, error) {
	if err := r.bounds(uint64(offset), 1); err != nil {
		return 0, err
	}
	return r.data[offset], nil
}

// Int8 reads a signed byte at offset.
func (r *Reader) Int8(offset uint32) (int8, error) {
	v, err := r.Uint8(offset)
	return int8(v), err
}

// Uint16 reads a little-endian uint16 at offset.
func (r *Reader) Uint16(offset uint32) (uint16, error) {
	if err := r.bounds(uint64(offset), 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.data[offset:]), nil
}

// Int16 reads a little-endian int16 at offset.
func (r *Reader) Int16(offset uint32) (int16, error) {
	v, err := r.Uint16(offset)
	return int16(v), err
}

// Uint32 reads a little-endian uint32 at offset.
func (r *Reader) Uint32(offset uint32) (uint32, error) {
	if err := r.bounds(uint64(offset), 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[offset:]), nil
}

// Int32 reads a little-endian int32 at offset.
func (r *Reader) Int32(offset uint32) (int32, error) {
	v, err := r.Uint32(offset)
	return int32(v), err
}

// Uint64 reads a little-endian uint64 at offset.
func (r *Reader) Uint64(offset uint32) (uint64, error) {
	if err := r.bounds(uint64(offset), 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.data[offset:]), nil
}

// Int64 reads a little-endian int64 at offset.
func (r *Reader) Int64(offset uint32) (int64, error) {
	v, err := r.Uint64(offset)
	return int64(v), err
}

// Float32 reads a little-endian IEEE-754 single at offset.
func (r *Reader) Float32(offset uint32) (float32, error) {
	v, err := r.Uint32(offset)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// Float64 reads a little-endian IEEE-754 double at offset.
func (r *Reader) Float64(offset uint32) (float64, error) {
	v, err := r.Uint64(offset)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// Fixed returns a borrowed slice of n bytes starting at offset.
func (r *Reader) Fixed(offset, n uint32) ([]byte, error) {
	if err := r.bounds(uint64(offset), uint64(n)); err != nil {
		return nil, err
	}
	return r.data[offset : offset+n], nil
}

// GUID reads a 16-byte mixed-endian GUID at offset.
func (r *Reader) GUID(offset uint32) (guid.GUID, error) {
	b, err := r.Fixed(offset, guid.Size)
	if err != nil {
		return guid.Zero, err
	}
	return guid.FromBytes(b)
}

// CString reads bytes from offset up to (but not including) the first
// 0x00, returning the decoded string and the offset one past the NUL. It
// fails with ferr.InvalidString if no NUL is found before the end of the
// buffer.
func (r *Reader) CString(offset uint32) (string, uint32, error) {
	if offset > r.Len() {
		return "", 0, ferr.Newf(ferr.TruncatedInput, "cstring offset %d past end of %d-byte buffer", offset, r.Len())
	}
	end := offset
	for end < r.Len() && r.data[end] != 0 {
		end++
	}
	if end >= r.Len() {
		return "", 0, ferr.Newf(ferr.InvalidString, "no NUL terminator found from offset %d", offset)
	}
	return string(r.data[offset:end]), end + 1, nil
}
