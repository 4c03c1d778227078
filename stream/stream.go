// Package stream serialises typed values into the byte buffers moved by
// package transport.
//
// Values wider than one byte are written at an offset that is a multiple of
// their size, measured from the start of the buffer, so a receiver can view
// contiguous runs in place. Numbers use the host byte order: a worker group
// is assumed to run on one architecture.
package stream

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Contiguous is the set of fixed-width types whose values can be copied as
// raw bytes.
type Contiguous interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

func sizeOf[T Contiguous]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

func valueBytes[T Contiguous](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

func sliceBytes[T Contiguous](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*sizeOf[T]())
}

// Buffer is a growable byte buffer with a read cursor.
type Buffer struct {
	data []byte
	pos  int
}

func NewBuffer(data []byte) *Buffer { return &Buffer{data: data} }

func (b *Buffer) Bytes() []byte  { return b.data }
func (b *Buffer) Len() int       { return len(b.data) }
func (b *Buffer) Pos() int       { return b.pos }
func (b *Buffer) Remaining() int { return len(b.data) - b.pos }

// Reset empties the buffer and rewinds the cursor, keeping the storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
}

func pad(n, align int) int {
	if align <= 1 {
		return 0
	}
	return (align - n%align) % align
}

// OStream appends values to a Buffer.
type OStream struct {
	buf Buffer
}

func NewOStream() *OStream { return &OStream{} }

func (o *OStream) Bytes() []byte { return o.buf.Bytes() }
func (o *OStream) Len() int      { return o.buf.Len() }
func (o *OStream) Reset()        { o.buf.Reset() }

func (o *OStream) align(n int) {
	for p := pad(len(o.buf.data), n); p > 0; p-- {
		o.buf.data = append(o.buf.data, 0)
	}
}

// WriteRaw appends b after padding to align.
func (o *OStream) WriteRaw(b []byte, align int) {
	o.align(align)
	o.buf.data = append(o.buf.data, b...)
}

func put[T Contiguous](o *OStream, v T) {
	o.WriteRaw(valueBytes(&v), sizeOf[T]())
}

func (o *OStream) WriteBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	o.buf.data = append(o.buf.data, b)
}

func (o *OStream) WriteInt32(v int32)     { put(o, v) }
func (o *OStream) WriteInt64(v int64)     { put(o, v) }
func (o *OStream) WriteUint64(v uint64)   { put(o, v) }
func (o *OStream) WriteFloat32(v float32) { put(o, v) }
func (o *OStream) WriteFloat64(v float64) { put(o, v) }

// WriteString stores the length including a trailing NUL, then the bytes
// and the NUL.
func (o *OStream) WriteString(s string) {
	o.WriteInt64(int64(len(s) + 1))
	o.buf.data = append(o.buf.data, s...)
	o.buf.data = append(o.buf.data, 0)
}

// IStream reads values back in the order an OStream wrote them.
type IStream struct {
	buf Buffer
}

func NewIStream(data []byte) *IStream { return &IStream{buf: Buffer{data: data}} }

func (i *IStream) Remaining() int { return i.buf.Remaining() }
func (i *IStream) EOF() bool      { return i.buf.Remaining() == 0 }

// ReadRaw returns the next n bytes after skipping the padding for align. The
// result aliases the stream's buffer.
func (i *IStream) ReadRaw(n, align int) ([]byte, error) {
	p := pad(i.buf.pos, align)
	if n < 0 || p+n > i.buf.Remaining() {
		return nil, errors.Wrapf(utils.ErrEndOfStream, "read of %d bytes at offset %d of %d",
			n, i.buf.pos, len(i.buf.data))
	}
	start := i.buf.pos + p
	i.buf.pos = start + n
	return i.buf.data[start:i.buf.pos:i.buf.pos], nil
}

func get[T Contiguous](i *IStream) (v T, err error) {
	n := sizeOf[T]()
	b, err := i.ReadRaw(n, n)
	if err != nil {
		return
	}
	copy(valueBytes(&v), b)
	return
}

func (i *IStream) ReadBool() (bool, error) {
	b, err := i.ReadRaw(1, 1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(utils.ErrMalformedStream, "bool byte %d at offset %d", b[0], i.buf.pos-1)
}

func (i *IStream) ReadInt32() (int32, error)     { return get[int32](i) }
func (i *IStream) ReadInt64() (int64, error)     { return get[int64](i) }
func (i *IStream) ReadUint64() (uint64, error)   { return get[uint64](i) }
func (i *IStream) ReadFloat32() (float32, error) { return get[float32](i) }
func (i *IStream) ReadFloat64() (float64, error) { return get[float64](i) }

func (i *IStream) ReadString() (string, error) {
	n, err := i.ReadInt64()
	if err != nil {
		return "", err
	}
	if n < 1 || n > int64(i.buf.Remaining()) {
		return "", errors.Wrapf(utils.ErrMalformedStream, "string length %d with %d bytes left",
			n, i.buf.Remaining())
	}
	b, _ := i.ReadRaw(int(n), 1)
	if b[n-1] != 0 {
		return "", errors.Wrap(utils.ErrMalformedStream, "string is not NUL terminated")
	}
	return string(b[:n-1]), nil
}

// readCount reads a length prefix and checks that count items of elemSize
// bytes can still be present.
func (i *IStream) readCount(elemSize int) (int, error) {
	n, err := i.ReadInt64()
	if err != nil {
		return 0, err
	}
	if n < 0 || (elemSize > 0 && n > int64(i.buf.Remaining()/elemSize)) {
		return 0, errors.Wrapf(utils.ErrMalformedStream, "count %d of %d-byte items with %d bytes left",
			n, elemSize, i.buf.Remaining())
	}
	return int(n), nil
}
