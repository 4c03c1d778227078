package stream

import (
	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Codec writes and reads values of one type. Size is the exact encoded size
// of every value for contiguous codecs and 0 for the rest; collectives use it
// to check payload lengths.
type Codec[T any] interface {
	Encode(o *OStream, v T)
	Decode(i *IStream) (T, error)
	Size() int
}

// Streamable is implemented by types that serialise themselves through the
// same streams.
type Streamable interface {
	EncodeTo(o *OStream)
	DecodeFrom(i *IStream) error
}

// Raw copies the bytes of a fixed-width value.
type Raw[T Contiguous] struct{}

func (Raw[T]) Encode(o *OStream, v T)       { put(o, v) }
func (Raw[T]) Decode(i *IStream) (T, error) { return get[T](i) }
func (Raw[T]) Size() int                    { return sizeOf[T]() }

// Bool is a one byte codec.
type Bool struct{}

func (Bool) Encode(o *OStream, v bool)       { o.WriteBool(v) }
func (Bool) Decode(i *IStream) (bool, error) { return i.ReadBool() }
func (Bool) Size() int                       { return 1 }

type String struct{}

func (String) Encode(o *OStream, v string)       { o.WriteString(v) }
func (String) Decode(i *IStream) (string, error) { return i.ReadString() }
func (String) Size() int                         { return 0 }

// Streamed delegates to the value's own EncodeTo and DecodeFrom. PT is the
// pointer type carrying the methods, e.g. Streamed[Point, *Point].
type Streamed[T any, PT interface {
	*T
	Streamable
}] struct{}

func (Streamed[T, PT]) Encode(o *OStream, v T) { PT(&v).EncodeTo(o) }

func (Streamed[T, PT]) Decode(i *IStream) (v T, err error) {
	err = PT(&v).DecodeFrom(i)
	return
}

func (Streamed[T, PT]) Size() int { return 0 }

// Slice is a length-prefixed list encoded one element at a time.
type Slice[T any, C Codec[T]] struct{}

func (Slice[T, C]) Encode(o *OStream, v []T) {
	var elem C
	o.WriteInt64(int64(len(v)))
	for _, x := range v {
		elem.Encode(o, x)
	}
}

func (Slice[T, C]) Decode(i *IStream) (v []T, err error) {
	var (
		elem C
		n    int
	)
	if n, err = i.readCount(elem.Size()); err != nil {
		return
	}
	v = make([]T, 0, min(n, i.Remaining()))
	for k := 0; k < n; k++ {
		var x T
		if x, err = elem.Decode(i); err != nil {
			return nil, errors.Wrapf(err, "element %d of %d", k, n)
		}
		v = append(v, x)
	}
	return
}

func (Slice[T, C]) Size() int { return 0 }

// RawSlice is a length-prefixed list of fixed-width values copied in one
// block.
type RawSlice[T Contiguous] struct{}

func (RawSlice[T]) Encode(o *OStream, v []T) {
	o.WriteInt64(int64(len(v)))
	o.WriteRaw(sliceBytes(v), sizeOf[T]())
}

func (RawSlice[T]) Decode(i *IStream) ([]T, error) {
	size := sizeOf[T]()
	n, err := i.readCount(size)
	if err != nil {
		return nil, err
	}
	b, err := i.ReadRaw(n*size, size)
	if err != nil {
		return nil, err
	}
	v := make([]T, n)
	copy(sliceBytes(v), b)
	return v, nil
}

func (RawSlice[T]) Size() int { return 0 }

// Marshal encodes one value into a fresh buffer.
func Marshal[T any, C Codec[T]](codec C, v T) []byte {
	o := NewOStream()
	codec.Encode(o, v)
	return o.Bytes()
}

// Unmarshal decodes one value and requires that it consumes the buffer. A
// contiguous codec also requires the exact payload size.
func Unmarshal[T any, C Codec[T]](codec C, b []byte) (v T, err error) {
	if size := codec.Size(); size > 0 && len(b) != size {
		return v, errors.Wrapf(utils.ErrScheduleMismatch, "payload of %d bytes for a %d-byte value", len(b), size)
	}
	i := NewIStream(b)
	if v, err = codec.Decode(i); err != nil {
		return
	}
	if !i.EOF() {
		return v, errors.Wrapf(utils.ErrMalformedStream, "%d bytes left after decoding", i.Remaining())
	}
	return
}

// Map is a count-prefixed sequence of key/value pairs in map iteration
// order.
type Map[K comparable, V any, KC Codec[K], VC Codec[V]] struct{}

func (Map[K, V, KC, VC]) Encode(o *OStream, m map[K]V) {
	var (
		kc KC
		vc VC
	)
	o.WriteInt64(int64(len(m)))
	for k, v := range m {
		kc.Encode(o, k)
		vc.Encode(o, v)
	}
}

func (Map[K, V, KC, VC]) Decode(i *IStream) (m map[K]V, err error) {
	var (
		kc KC
		vc VC
		n  int
	)
	if n, err = i.readCount(kc.Size() + vc.Size()); err != nil {
		return
	}
	m = make(map[K]V, min(n, i.Remaining()))
	for e := 0; e < n; e++ {
		var (
			k K
			v V
		)
		if k, err = kc.Decode(i); err != nil {
			return nil, errors.Wrapf(err, "key %d of %d", e, n)
		}
		if v, err = vc.Decode(i); err != nil {
			return nil, errors.Wrapf(err, "value %d of %d", e, n)
		}
		m[k] = v
	}
	return
}

func (Map[K, V, KC, VC]) Size() int { return 0 }
