// Package globalindex numbers items held in pieces across workers. Each
// worker owns a contiguous block of the global numbering, in rank order, and
// every worker keeps the offsets of all blocks so ownership lookups need no
// communication.
package globalindex

import (
	"slices"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/utils"
)

type GlobalIndex struct {
	myProc  int
	offsets atomic.Pointer[[]int] // len nProcs+1, offsets[0] == 0
}

// New exchanges localSize with every worker of the group.
func New(g *collective.Group, localSize int) (*GlobalIndex, error) {
	gi := &GlobalIndex{}
	if err := gi.Reset(g, localSize); err != nil {
		return nil, err
	}
	return gi, nil
}

// NewFromSizes builds the index from sizes known on every worker.
func NewFromSizes(sizes []int, myProc int) (*GlobalIndex, error) {
	offsets, err := prefixSum(sizes)
	if err != nil {
		return nil, err
	}
	if myProc < 0 || myProc >= len(sizes) {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "worker %d of %d", myProc, len(sizes))
	}
	gi := &GlobalIndex{myProc: myProc}
	gi.offsets.Store(&offsets)
	return gi, nil
}

// Reset renumbers for a new local size. Readers see either the old or the
// new offsets, never a mix.
func (gi *GlobalIndex) Reset(g *collective.Group, localSize int) error {
	if localSize < 0 {
		return errors.Wrapf(utils.ErrInvalidArgument, "negative local size %d", localSize)
	}
	sizes := make([]int64, g.NProcs())
	me := max(g.MyProcNo(), 0)
	sizes[me] = int64(localSize)
	if err := collective.AllGatherList(g, sizes, stream.Raw[int64]{}); err != nil {
		return errors.Wrap(err, "global index sizes")
	}
	ints := make([]int, len(sizes))
	for i, s := range sizes {
		ints[i] = int(s)
	}
	offsets, err := prefixSum(ints)
	if err != nil {
		return err
	}
	gi.myProc = me
	gi.offsets.Store(&offsets)
	return nil
}

func prefixSum(sizes []int) ([]int, error) {
	offsets := make([]int, len(sizes)+1)
	for p, s := range sizes {
		if s < 0 {
			return nil, errors.Wrapf(utils.ErrInvalidArgument, "worker %d has negative size %d", p, s)
		}
		offsets[p+1] = offsets[p] + s
	}
	return offsets, nil
}

func (gi *GlobalIndex) off() []int { return *gi.offsets.Load() }

// Offsets returns a copy of the nProcs+1 block boundaries.
func (gi *GlobalIndex) Offsets() []int { return slices.Clone(gi.off()) }

func (gi *GlobalIndex) NProcs() int { return len(gi.off()) - 1 }

// Size is the global item count.
func (gi *GlobalIndex) Size() int {
	o := gi.off()
	return o[len(o)-1]
}

func (gi *GlobalIndex) LocalSize() int { return gi.LocalSizeOf(gi.myProc) }

func (gi *GlobalIndex) LocalSizeOf(p int) int {
	o := gi.off()
	return o[p+1] - o[p]
}

func (gi *GlobalIndex) Offset(p int) int { return gi.off()[p] }

// Range is the half-open global interval owned by p.
func (gi *GlobalIndex) Range(p int) (start, end int) {
	o := gi.off()
	return o[p], o[p+1]
}

func (gi *GlobalIndex) MaxLocalSize() (n int) {
	o := gi.off()
	for p := 0; p+1 < len(o); p++ {
		n = max(n, o[p+1]-o[p])
	}
	return
}

func (gi *GlobalIndex) IsLocal(i int) bool { return gi.IsLocalOf(gi.myProc, i) }

func (gi *GlobalIndex) IsLocalOf(p, i int) bool {
	o := gi.off()
	return i >= o[p] && i < o[p+1]
}

func (gi *GlobalIndex) ToGlobal(i int) int { return gi.ToGlobalOf(gi.myProc, i) }

func (gi *GlobalIndex) ToGlobalOf(p, i int) int { return gi.off()[p] + i }

// ToLocal maps a global index owned by this worker to its local index.
func (gi *GlobalIndex) ToLocal(i int) (int, error) { return gi.ToLocalOf(gi.myProc, i) }

func (gi *GlobalIndex) ToLocalOf(p, i int) (int, error) {
	o := gi.off()
	if i < o[p] || i >= o[p+1] {
		return -1, errors.Wrapf(utils.ErrOutOfRange, "global index %d not in [%d,%d) of worker %d",
			i, o[p], o[p+1], p)
	}
	return i - o[p], nil
}

// WhichProcID returns the worker owning global index i. Empty blocks own
// nothing, so the search finds the last worker whose block starts at or
// before i.
func (gi *GlobalIndex) WhichProcID(i int) (int, error) {
	o := gi.off()
	if i < 0 || i >= o[len(o)-1] {
		return -1, errors.Wrapf(utils.ErrOutOfRange, "global index %d not in [0,%d)", i, o[len(o)-1])
	}
	return sort.SearchInts(o, i+1) - 1, nil
}
