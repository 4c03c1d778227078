package globalindex

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

func TestFromSizes(t *testing.T) {
	gi, err := NewFromSizes([]int{3, 0, 2, 5}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 3, 5, 10}, gi.Offsets())
	assert.Equal(t, 10, gi.Size())
	assert.Equal(t, 4, gi.NProcs())
	assert.Equal(t, 2, gi.LocalSize())
	assert.Equal(t, 0, gi.LocalSizeOf(1))
	assert.Equal(t, 5, gi.MaxLocalSize())
	assert.Equal(t, 6, gi.ToGlobalOf(3, 1))
	assert.Equal(t, 4, gi.ToGlobal(1))
	start, end := gi.Range(3)
	assert.Equal(t, [2]int{5, 10}, [2]int{start, end})
	assert.True(t, gi.IsLocal(3))
	assert.False(t, gi.IsLocal(5))
	assert.False(t, gi.IsLocalOf(1, 3))

	want := []int{0, 0, 0, 2, 2, 3, 3, 3, 3, 3}
	for i, w := range want {
		p, err := gi.WhichProcID(i)
		require.NoError(t, err)
		assert.Equal(t, w, p, "global index %d", i)
		assert.True(t, gi.IsLocalOf(p, i))
	}
	_, err = gi.WhichProcID(10)
	assert.True(t, errors.Is(err, utils.ErrOutOfRange))
	_, err = gi.WhichProcID(-1)
	assert.True(t, errors.Is(err, utils.ErrOutOfRange))

	// toLocal inverts toGlobal for every worker and local index
	sizes := []int{3, 0, 2, 5}
	for p, n := range sizes {
		for i := 0; i < n; i++ {
			l, err := gi.ToLocalOf(p, gi.ToGlobalOf(p, i))
			require.NoError(t, err)
			assert.Equal(t, i, l)
		}
	}
	_, err = gi.ToLocal(0)
	assert.True(t, errors.Is(err, utils.ErrOutOfRange))

	_, err = NewFromSizes([]int{1, -1}, 0)
	assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
	_, err = NewFromSizes([]int{1, 1}, 2)
	assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
}

func TestFourWorkerScenario(t *testing.T) {
	sizes := []int{3, 0, 2, 5}
	errs := transport.RunWorld(4, transport.Options{}, func(r *transport.Registry) error {
		me := r.MyProcNo(transport.WorldComm)
		g := collective.NewGroup(r, transport.WorldComm, collective.DefaultTag)
		gi, err := New(g, sizes[me])
		if err != nil {
			return err
		}
		assert.Equal(t, []int{0, 3, 3, 5, 10}, gi.Offsets())
		p, err := gi.WhichProcID(4)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, p)
		assert.Equal(t, 6, gi.ToGlobalOf(3, 1))

		for _, s := range []struct {
			name string
			g    *collective.Group
		}{
			{"linear", g.WithSchedule(r.LinearSchedule(transport.WorldComm))},
			{"tree", g.WithSchedule(r.TreeSchedule(transport.WorldComm))},
		} {
			total := int64(sizes[me])
			if err = collective.CombineGather(s.g, &total, collective.Sum[int64], stream.Raw[int64]{}); err != nil {
				return err
			}
			if s.g.IsMaster() {
				assert.Equal(t, int64(10), total, s.name)
			}
		}

		{ // Gather a field into global order and scatter it back
			local := make([]float64, gi.LocalSize())
			for i := range local {
				local[i] = float64(gi.ToGlobal(i))
			}
			global, err := Gather(gi, g, local, stream.Raw[float64]{})
			if err != nil {
				return err
			}
			if g.IsMaster() {
				assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, global)
				for i := range global {
					global[i] *= 2
				}
			} else {
				assert.Nil(t, global)
			}
			back, err := Scatter(gi, g, global, stream.Raw[float64]{})
			if err != nil {
				return err
			}
			if !assert.Len(t, back, sizes[me]) {
				return errors.New("scatter returned the wrong block")
			}
			for i := range back {
				assert.Equal(t, 2*float64(gi.ToGlobal(i)), back[i])
			}
		}
		{ // Misuse
			_, err = Gather(gi, g, make([]float64, sizes[me]+1), stream.Raw[float64]{})
			assert.True(t, errors.Is(err, utils.ErrSizeMismatch))
		}
		{ // Reset renumbers in place
			if err = gi.Reset(g, 1); err != nil {
				return err
			}
			assert.Equal(t, []int{0, 1, 2, 3, 4}, gi.Offsets())
			assert.Equal(t, me, gi.ToGlobal(0))
		}
		return nil
	})
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
}
