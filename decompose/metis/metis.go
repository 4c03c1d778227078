// Package metis partitions graphs with the METIS library through cgo.
package metis

import (
	metis "github.com/notargets/go-metis"
	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Partitioner is a k-way METIS partitioner. It satisfies
// decompose.Partitioner.
type Partitioner struct {
	Objective       string  // "cut" or "vol"
	ImbalanceFactor float32 // e.g., 1.05 for 5% imbalance
	Seed            int32   // equal graphs and seeds give equal partitions
}

// DefaultSeed is the METIS random seed of New.
const DefaultSeed = 42

// New returns the default configuration: minimise communication volume
// within 5% imbalance.
func New() *Partitioner {
	return &Partitioner{
		Objective:       "vol",
		ImbalanceFactor: 1.05,
		Seed:            DefaultSeed,
	}
}

func (p *Partitioner) Partition(xadj, adjncy, vwgt []int32, nParts int32, tpwgts []float32) ([]int32, error) {
	n := max(len(xadj)-1, 0)
	if nParts < 1 {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "%d parts", nParts)
	}
	// METIS rejects a single part and has nothing to do for an empty graph
	if nParts == 1 || n == 0 {
		return make([]int32, n), nil
	}

	opts, err := p.options()
	if err != nil {
		return nil, err
	}
	imbalance := p.ImbalanceFactor
	if imbalance == 0 {
		imbalance = 1.05
	}
	ubvec := []float32{imbalance}

	part, _, err := metis.PartGraphKwayWeighted(xadj, adjncy, vwgt, nil, nParts, tpwgts, ubvec, opts)
	if err != nil {
		return nil, errors.Wrap(err, "METIS partitioning failed")
	}
	return part, nil
}

// options are the METIS defaults with the objective and seed applied.
func (p *Partitioner) options() ([]int32, error) {
	opts := make([]int32, metis.NoOptions)
	if err := metis.SetDefaultOptions(opts); err != nil {
		return nil, errors.Wrap(err, "failed to set METIS options")
	}
	switch p.Objective {
	case "vol", "":
		opts[metis.OptionObjType] = metis.ObjTypeVol
	case "cut":
		opts[metis.OptionObjType] = metis.ObjTypeCut
	default:
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "unknown METIS objective %q", p.Objective)
	}
	opts[metis.OptionSeed] = p.Seed
	return opts, nil
}
