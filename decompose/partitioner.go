package decompose

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/pstream/utils"
)

// Partitioner splits a whole graph, given in CSR form with int32 ids, into
// nParts. vwgt may be nil for unit weights and tpwgts nil for equal target
// fractions. The result holds the part of every vertex.
type Partitioner interface {
	Partition(xadj, adjncy, vwgt []int32, nParts int32, tpwgts []float32) ([]int32, error)
}

// PartitionerFunc adapts a function to the Partitioner interface.
type PartitionerFunc func(xadj, adjncy, vwgt []int32, nParts int32, tpwgts []float32) ([]int32, error)

func (f PartitionerFunc) Partition(xadj, adjncy, vwgt []int32, nParts int32, tpwgts []float32) ([]int32, error) {
	return f(xadj, adjncy, vwgt, nParts, tpwgts)
}

// Block ignores the edges and cuts the vertex sequence into contiguous runs,
// one per part, sized by weight to the target fractions. It is deterministic
// and needs no external library.
type Block struct{}

func (Block) Partition(xadj, _, vwgt []int32, nParts int32, tpwgts []float32) ([]int32, error) {
	n := max(len(xadj)-1, 0)
	if err := checkPartitionArgs(n, vwgt, nParts, tpwgts); err != nil {
		return nil, err
	}
	parts := make([]int32, n)
	if vwgt == nil && tpwgts == nil {
		pm := utils.NewPartitionMap(int(nParts), n)
		for p := 0; p < int(nParts); p++ {
			lo, hi := pm.GetBucketRange(p)
			for i := lo; i < hi; i++ {
				parts[i] = int32(p)
			}
		}
		return parts, nil
	}

	w := make([]float64, n)
	for i := range w {
		w[i] = 1
		if vwgt != nil {
			w[i] = float64(vwgt[i])
		}
	}
	frac := make([]float64, nParts)
	for p := range frac {
		frac[p] = 1
		if tpwgts != nil {
			frac[p] = float64(tpwgts[p])
		}
	}
	floats.Scale(floats.Sum(w)/floats.Sum(frac), frac)
	floats.CumSum(frac, frac)

	// A vertex belongs to the part whose cumulative target its midpoint
	// has not yet passed
	var acc float64
	p := 0
	for i, wi := range w {
		mid := acc + wi/2
		for p < int(nParts)-1 && mid > frac[p] {
			p++
		}
		parts[i] = int32(p)
		acc += wi
	}
	return parts, nil
}

func checkPartitionArgs(n int, vwgt []int32, nParts int32, tpwgts []float32) error {
	if nParts < 1 {
		return errors.Wrapf(utils.ErrInvalidArgument, "%d parts", nParts)
	}
	if vwgt != nil && len(vwgt) != n {
		return errors.Wrapf(utils.ErrSizeMismatch, "%d weights for %d vertices", len(vwgt), n)
	}
	if tpwgts == nil {
		return nil
	}
	if len(tpwgts) != int(nParts) {
		return errors.Wrapf(utils.ErrSizeMismatch, "%d target fractions for %d parts", len(tpwgts), nParts)
	}
	var sum float32
	for p, f := range tpwgts {
		if f < 0 {
			return errors.Wrapf(utils.ErrInvalidArgument, "negative target fraction %g for part %d", f, p)
		}
		sum += f
	}
	if sum <= 0 {
		return errors.Wrap(utils.ErrInvalidArgument, "target fractions sum to zero")
	}
	return nil
}
