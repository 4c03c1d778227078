package globalindex

import (
	"github.com/pkg/errors"

	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/utils"
)

// Gather assembles every worker's local field into one list in global order
// on the master. Other workers get nil.
func Gather[T any, C stream.Codec[T]](gi *GlobalIndex, g *collective.Group, local []T, _ C) ([]T, error) {
	if len(local) != gi.LocalSize() {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "gather: %d local values for local size %d",
			len(local), gi.LocalSize())
	}
	if gi.NProcs() != g.NProcs() {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "gather: index over %d workers, group of %d",
			gi.NProcs(), g.NProcs())
	}
	pieces := make([][]T, g.NProcs())
	pieces[gi.myProc] = local
	if err := collective.GatherList(g, pieces, stream.Slice[T, C]{}); err != nil {
		return nil, errors.Wrap(err, "gather")
	}
	if !g.IsMaster() {
		return nil, nil
	}
	global := make([]T, 0, gi.Size())
	for p, piece := range pieces {
		if len(piece) != gi.LocalSizeOf(p) {
			return nil, errors.Wrapf(utils.ErrSizeMismatch, "gather: worker %d sent %d values for size %d",
				p, len(piece), gi.LocalSizeOf(p))
		}
		global = append(global, piece...)
	}
	return global, nil
}

// Scatter hands each worker its block of the master's global list. Only the
// master's global argument is read.
func Scatter[T any, C stream.Codec[T]](gi *GlobalIndex, g *collective.Group, global []T, _ C) ([]T, error) {
	if gi.NProcs() != g.NProcs() {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "scatter: index over %d workers, group of %d",
			gi.NProcs(), g.NProcs())
	}
	pieces := make([][]T, g.NProcs())
	if g.IsMaster() {
		if len(global) != gi.Size() {
			return nil, errors.Wrapf(utils.ErrSizeMismatch, "scatter: %d values for global size %d",
				len(global), gi.Size())
		}
		for p := range pieces {
			start, end := gi.Range(p)
			pieces[p] = global[start:end]
		}
	}
	if err := collective.ScatterList(g, pieces, stream.Slice[T, C]{}); err != nil {
		return nil, errors.Wrap(err, "scatter")
	}
	local := pieces[gi.myProc]
	if len(local) != gi.LocalSize() {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "scatter: received %d values for local size %d",
			len(local), gi.LocalSize())
	}
	return local, nil
}
