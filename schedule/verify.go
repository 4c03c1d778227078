package schedule

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/notargets/pstream/utils"
)

// Verify checks the structural invariants every schedule must satisfy:
// rank 0 is the only root, the Below sets partition the non-root ranks,
// Above/Below agree, AllBelow is the transitive closure of Below, and
// AllNotBelow is its complement.
func Verify(s Schedule) error {
	n := len(s)
	if n == 0 {
		return nil
	}
	if root := s.Root(); root != 0 {
		return errors.Wrapf(utils.ErrScheduleMismatch, "schedule root is %d, want 0", root)
	}
	seen := make([]int, n)
	for rank, node := range s {
		if !slices.IsSorted(node.Below) {
			return errors.Wrapf(utils.ErrScheduleMismatch, "rank %d: below %v not ascending", rank, node.Below)
		}
		for _, b := range node.Below {
			if b <= 0 || b >= n {
				return errors.Wrapf(utils.ErrScheduleMismatch, "rank %d: child %d out of range", rank, b)
			}
			if s[b].Above != rank {
				return errors.Wrapf(utils.ErrScheduleMismatch, "rank %d: child %d has above %d", rank, b, s[b].Above)
			}
			seen[b]++
		}
	}
	for rank := 1; rank < n; rank++ {
		if seen[rank] != 1 {
			return errors.Wrapf(utils.ErrScheduleMismatch, "rank %d appears %d times in below sets", rank, seen[rank])
		}
	}

	g := Graph(s)
	if _, err := topo.Sort(g); err != nil {
		return errors.Wrapf(utils.ErrScheduleMismatch, "schedule has a cycle: %v", err)
	}
	for rank, node := range s {
		var reached []int
		bf := traverse.BreadthFirst{
			Visit: func(v graph.Node) {
				if id := int(v.ID()); id != rank {
					reached = append(reached, id)
				}
			},
		}
		bf.Walk(g, simple.Node(rank), nil)
		slices.Sort(reached)
		if !slices.Equal(reached, node.AllBelow) {
			return errors.Wrapf(utils.ErrScheduleMismatch, "rank %d: allBelow %v, reachable %v", rank, node.AllBelow, reached)
		}
		if want := complement(n, rank, reached); !slices.Equal(want, node.AllNotBelow) {
			return errors.Wrapf(utils.ErrScheduleMismatch, "rank %d: allNotBelow %v, want %v", rank, node.AllNotBelow, want)
		}
	}
	return nil
}

// Graph returns the schedule as a directed graph with an edge from every
// rank to each of its direct children.
func Graph(s Schedule) *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	for rank := range s {
		g.AddNode(simple.Node(rank))
	}
	for rank, node := range s {
		for _, b := range node.Below {
			g.SetEdge(g.NewEdge(simple.Node(rank), simple.Node(b)))
		}
	}
	return g
}
