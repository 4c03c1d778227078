package stream

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

type point struct {
	Name string
	X, Y float64
}

func (p *point) EncodeTo(o *OStream) {
	o.WriteString(p.Name)
	o.WriteFloat64(p.X)
	o.WriteFloat64(p.Y)
}

func (p *point) DecodeFrom(i *IStream) (err error) {
	if p.Name, err = i.ReadString(); err != nil {
		return
	}
	if p.X, err = i.ReadFloat64(); err != nil {
		return
	}
	p.Y, err = i.ReadFloat64()
	return
}

func TestStreamAlignment(t *testing.T) {
	o := NewOStream()
	o.WriteBool(true)
	assert.Equal(t, 1, o.Len())
	o.WriteInt32(7)
	assert.Equal(t, 8, o.Len()) // 3 bytes of padding
	o.WriteBool(false)
	o.WriteFloat64(2.5)
	assert.Equal(t, 24, o.Len())
	o.WriteRaw([]byte{9}, 1)
	assert.Equal(t, 25, o.Len())

	i := NewIStream(o.Bytes())
	b, err := i.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)
	n, err := i.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(7), n)
	b, err = i.ReadBool()
	require.NoError(t, err)
	assert.False(t, b)
	f, err := i.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)
	raw, err := i.ReadRaw(1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, raw)
	assert.True(t, i.EOF())
}

func TestStreamRoundTrip(t *testing.T) {
	o := NewOStream()
	o.WriteInt64(-3)
	o.WriteUint64(1 << 60)
	o.WriteFloat32(1.5)
	o.WriteString("processor0")
	o.WriteString("")

	i := NewIStream(o.Bytes())
	i64, err := i.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-3), i64)
	u64, err := i.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<60), u64)
	f32, err := i.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), f32)
	s, err := i.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "processor0", s)
	s, err = i.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "", s)
	assert.True(t, i.EOF())

	_, err = i.ReadInt32()
	assert.True(t, errors.Is(err, utils.ErrEndOfStream))
}

func TestStreamCorruption(t *testing.T) {
	{ // Truncated value
		_, err := NewIStream([]byte{1, 2}).ReadInt64()
		assert.True(t, errors.Is(err, utils.ErrEndOfStream))
	}
	{ // String length past the end
		o := NewOStream()
		o.WriteInt64(1 << 40)
		o.WriteRaw([]byte("abc"), 1)
		_, err := NewIStream(o.Bytes()).ReadString()
		assert.True(t, errors.Is(err, utils.ErrMalformedStream))
	}
	{ // Negative string length
		o := NewOStream()
		o.WriteInt64(-1)
		_, err := NewIStream(o.Bytes()).ReadString()
		assert.True(t, errors.Is(err, utils.ErrMalformedStream))
	}
	{ // Missing terminator
		o := NewOStream()
		o.WriteInt64(2)
		o.WriteRaw([]byte("ab"), 1)
		_, err := NewIStream(o.Bytes()).ReadString()
		assert.True(t, errors.Is(err, utils.ErrMalformedStream))
	}
	{ // Bad bool
		_, err := NewIStream([]byte{2}).ReadBool()
		assert.True(t, errors.Is(err, utils.ErrMalformedStream))
	}
	{ // Absurd element count
		o := NewOStream()
		o.WriteInt64(1 << 50)
		_, err := RawSlice[float64]{}.Decode(NewIStream(o.Bytes()))
		assert.True(t, errors.Is(err, utils.ErrMalformedStream))
	}
}

func TestCodecs(t *testing.T) {
	{ // Contiguous
		assert.Equal(t, 8, Raw[float64]{}.Size())
		assert.Equal(t, 4, Raw[int32]{}.Size())
		b := Marshal(Raw[int64]{}, int64(42))
		assert.Len(t, b, 8)
		v, err := Unmarshal[int64](Raw[int64]{}, b)
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
		_, err = Unmarshal[int64](Raw[int64]{}, b[:4])
		assert.True(t, errors.Is(err, utils.ErrScheduleMismatch))
	}
	{ // Streamed
		c := Streamed[point, *point]{}
		assert.Equal(t, 0, c.Size())
		p := point{Name: "cell", X: 1, Y: -2}
		got, err := Unmarshal[point](c, Marshal(c, p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	{ // Lists: element-wise and bulk encodings carry the same values
		pts := []point{{"a", 1, 2}, {"b", 3, 4}}
		lc := Slice[point, Streamed[point, *point]]{}
		got, err := Unmarshal[[]point](lc, Marshal(lc, pts))
		require.NoError(t, err)
		assert.Equal(t, pts, got)

		xs := []float64{1, 2, 3.5}
		perElem := Slice[float64, Raw[float64]]{}
		bulk := RawSlice[float64]{}
		a, err := Unmarshal[[]float64](perElem, Marshal(perElem, xs))
		require.NoError(t, err)
		b, err := Unmarshal[[]float64](bulk, Marshal(bulk, xs))
		require.NoError(t, err)
		assert.Equal(t, xs, a)
		assert.Equal(t, a, b)

		empty, err := Unmarshal[[]float64](bulk, Marshal[[]float64](bulk, nil))
		require.NoError(t, err)
		assert.Len(t, empty, 0)
	}
	{ // Trailing bytes
		b := append(Marshal(String{}, "x"), 0)
		_, err := Unmarshal[string](String{}, b)
		assert.True(t, errors.Is(err, utils.ErrMalformedStream))
	}
}

func TestWithOStreamSendsOnEveryPath(t *testing.T) {
	errs := transport.RunWorld(2, transport.Options{}, func(r *transport.Registry) error {
		if r.IsMaster(transport.WorldComm) {
			err := WithOStream(r, transport.Blocking, 1, 5, transport.WorldComm, func(o *OStream) error {
				o.WriteString("partial")
				return errors.New("stopped early")
			})
			assert.EqualError(t, err, "stopped early")
			assert.Panics(t, func() {
				_ = WithOStream(r, transport.Blocking, 1, 5, transport.WorldComm, func(o *OStream) error {
					o.WriteInt32(3)
					panic("boom")
				})
			})
			return WithOStream(r, transport.Blocking, 1, 5, transport.WorldComm, func(o *OStream) error {
				return nil
			})
		}
		i, err := ReceiveIStream(r, transport.Blocking, 0, 5, transport.WorldComm)
		if err != nil {
			return err
		}
		s, err := i.ReadString()
		if err != nil {
			return err
		}
		assert.Equal(t, "partial", s)
		if i, err = ReceiveIStream(r, transport.NonBlocking, 0, 5, transport.WorldComm); err != nil {
			return err
		}
		n, err := i.ReadInt32()
		if err != nil {
			return err
		}
		assert.Equal(t, int32(3), n)
		if i, err = ReceiveIStream(r, transport.Scheduled, 0, 5, transport.WorldComm); err != nil {
			return err
		}
		assert.True(t, i.EOF())
		return nil
	})
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestExchange(t *testing.T) {
	for _, ct := range []transport.CommsType{transport.Blocking, transport.NonBlocking} {
		errs := transport.RunWorld(3, transport.Options{}, func(r *transport.Registry) error {
			var (
				me   = r.MyProcNo(transport.WorldComm)
				next = (me + 1) % 3
				prev = (me + 2) % 3
				ex   = NewExchange(r, 11, transport.WorldComm)
			)
			for round := 0; round < 2; round++ {
				ex.To(next).WriteString(fmt.Sprintf("%d->%d round %d", me, next, round))
				ex.To(me).WriteInt64(int64(me))
				if err := ex.Finish(ct); err != nil {
					return err
				}
				s, err := ex.From(prev).ReadString()
				if err != nil {
					return err
				}
				assert.Equal(t, fmt.Sprintf("%d->%d round %d", prev, me, round), s)
				self, err := ex.From(me).ReadInt64()
				if err != nil {
					return err
				}
				assert.Equal(t, int64(me), self)
				assert.True(t, ex.From(next).EOF())
				assert.Equal(t, 0, ex.RecvSizes()[next])
				assert.Equal(t, 0, ex.To(next).Len())
			}
			return nil
		})
		for rank, err := range errs {
			assert.NoError(t, err, "%s rank %d", ct, rank)
		}
	}
}
