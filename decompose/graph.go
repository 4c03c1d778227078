// Package decompose assigns the cells of a distributed mesh to workers by
// partitioning its dual graph. Each worker holds the rows of the graph for
// the cells it owns, numbered with a globalindex.GlobalIndex; the graph is
// gathered on the master, handed to a Partitioner, and the answer scattered
// back.
package decompose

import (
	"slices"

	"github.com/james-bowman/sparse"
	"github.com/pkg/errors"

	"github.com/notargets/pstream/globalindex"
	"github.com/notargets/pstream/utils"
)

// Graph is the local block of a distributed graph in CSR form. Row i holds
// the global ids of the neighbours of local vertex i in Adjncy[Xadj[i]:Xadj[i+1]].
type Graph struct {
	Xadj          []int
	Adjncy        []int
	VertexWeights []float64 // optional, one per local vertex
}

func (g *Graph) NVertices() int {
	if len(g.Xadj) == 0 {
		return 0
	}
	return len(g.Xadj) - 1
}

func (g *Graph) NEdges() int { return len(g.Adjncy) }

// Neighbours returns the row of local vertex i. The result aliases Adjncy.
func (g *Graph) Neighbours(i int) []int { return g.Adjncy[g.Xadj[i]:g.Xadj[i+1]] }

// Validate checks the CSR structure against a global vertex count.
func (g *Graph) Validate(nGlobal int) error {
	if len(g.Xadj) == 0 {
		if len(g.Adjncy) != 0 {
			return errors.Wrapf(utils.ErrInvalidArgument, "%d adjacency entries without xadj", len(g.Adjncy))
		}
		return nil
	}
	if g.Xadj[0] != 0 {
		return errors.Wrapf(utils.ErrInvalidArgument, "xadj[0] = %d", g.Xadj[0])
	}
	for i := 1; i < len(g.Xadj); i++ {
		if g.Xadj[i] < g.Xadj[i-1] {
			return errors.Wrapf(utils.ErrInvalidArgument, "xadj decreases at %d: %d < %d",
				i, g.Xadj[i], g.Xadj[i-1])
		}
	}
	if last := g.Xadj[len(g.Xadj)-1]; last != len(g.Adjncy) {
		return errors.Wrapf(utils.ErrInvalidArgument, "xadj ends at %d for %d adjacency entries",
			last, len(g.Adjncy))
	}
	for k, nbr := range g.Adjncy {
		if nbr < 0 || nbr >= nGlobal {
			return errors.Wrapf(utils.ErrInvalidArgument, "adjncy[%d] = %d outside [0,%d)", k, nbr, nGlobal)
		}
	}
	if g.VertexWeights != nil && len(g.VertexWeights) != g.NVertices() {
		return errors.Wrapf(utils.ErrInvalidArgument, "%d weights for %d vertices",
			len(g.VertexWeights), g.NVertices())
	}
	return nil
}

// FromCellCells builds the local graph from the global neighbour ids of each
// local cell. Rows come out sorted with duplicates and self-loops dropped.
func FromCellCells(cellCells [][]int, gi *globalindex.GlobalIndex) (*Graph, error) {
	n, nGlobal := len(cellCells), gi.Size()
	if n != gi.LocalSize() {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "%d cells for local size %d", n, gi.LocalSize())
	}
	g := &Graph{Xadj: make([]int, n+1)}
	if n == 0 || nGlobal == 0 {
		return g, nil
	}
	for i, nbrs := range cellCells {
		for _, nbr := range nbrs {
			if nbr < 0 || nbr >= nGlobal {
				return nil, errors.Wrapf(utils.ErrInvalidArgument, "cell %d: neighbour %d outside [0,%d)",
					i, nbr, nGlobal)
			}
		}
	}

	// The DOK keeps one entry per (row, column), which removes duplicates
	dok := sparse.NewDOK(n, nGlobal)
	for i, nbrs := range cellCells {
		self := gi.ToGlobal(i)
		for _, nbr := range nbrs {
			if nbr != self {
				dok.Set(i, nbr, 1)
			}
		}
	}
	raw := dok.ToCSR().RawMatrix()
	g.Adjncy = make([]int, 0, len(raw.Ind))
	for i := 0; i < n; i++ {
		row := slices.Clone(raw.Ind[raw.Indptr[i]:raw.Indptr[i+1]])
		slices.Sort(row)
		g.Adjncy = append(g.Adjncy, row...)
		g.Xadj[i+1] = len(g.Adjncy)
	}
	return g, nil
}

// FromFaces builds the local dual graph of a mesh from its faces. Internal
// faces connect the local cells owner[f] and neighbour[f]; processor
// boundary faces connect the local cell boundaryCells[b] to the remote
// global cell boundaryNbrGlobal[b].
func FromFaces(nCells int, owner, neighbour, boundaryCells, boundaryNbrGlobal []int,
	gi *globalindex.GlobalIndex) (*Graph, error) {
	if len(owner) != len(neighbour) {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "%d owners for %d neighbours", len(owner), len(neighbour))
	}
	if len(boundaryCells) != len(boundaryNbrGlobal) {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "%d boundary cells for %d remote neighbours",
			len(boundaryCells), len(boundaryNbrGlobal))
	}
	local := func(c int) error {
		if c < 0 || c >= nCells {
			return errors.Wrapf(utils.ErrInvalidArgument, "cell %d outside [0,%d)", c, nCells)
		}
		return nil
	}
	cellCells := make([][]int, nCells)
	for f := range owner {
		o, nb := owner[f], neighbour[f]
		if err := local(o); err != nil {
			return nil, errors.Wrapf(err, "owner of face %d", f)
		}
		if err := local(nb); err != nil {
			return nil, errors.Wrapf(err, "neighbour of face %d", f)
		}
		cellCells[o] = append(cellCells[o], gi.ToGlobal(nb))
		cellCells[nb] = append(cellCells[nb], gi.ToGlobal(o))
	}
	for b, c := range boundaryCells {
		if err := local(c); err != nil {
			return nil, errors.Wrapf(err, "boundary face %d", b)
		}
		cellCells[c] = append(cellCells[c], boundaryNbrGlobal[b])
	}
	return FromCellCells(cellCells, gi)
}
