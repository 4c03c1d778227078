// Package schedule builds the "to-master" communication topologies used by
// the collective operations. A Schedule is an immutable value computed from
// the worker count alone, so every worker derives the same one without a
// handshake.
package schedule

import (
	"fmt"
	"slices"
	"strings"

	"github.com/notargets/pstream/utils"
)

// None marks the absent parent of the schedule root.
const None = -1

// Node describes one worker's place in a schedule.
type Node struct {
	Above       int   // parent rank, None for the root
	Below       []int // direct children, ascending
	AllBelow    []int // every descendant, ascending
	AllNotBelow []int // every rank that is neither self nor a descendant, ascending
}

// Schedule holds one Node per worker rank.
type Schedule []Node

func (n Node) Equal(o Node) bool {
	return n.Above == o.Above &&
		slices.Equal(n.Below, o.Below) &&
		slices.Equal(n.AllBelow, o.AllBelow) &&
		slices.Equal(n.AllNotBelow, o.AllNotBelow)
}

func (s Schedule) Equal(o Schedule) bool {
	return slices.EqualFunc(s, o, Node.Equal)
}

// Root returns the rank whose Above is None, or None if there is not
// exactly one such rank.
func (s Schedule) Root() (root int) {
	root = None
	for rank, n := range s {
		if n.Above == None {
			if root != None {
				return None
			}
			root = rank
		}
	}
	return
}

// Depth is the number of edges on the longest root-to-leaf path.
func (s Schedule) Depth() (depth int) {
	for rank := range s {
		d := 0
		for r := rank; s[r].Above != None; r = s[r].Above {
			d++
		}
		depth = max(depth, d)
	}
	return
}

func (s Schedule) String() string {
	var sb strings.Builder
	for rank, n := range s {
		fmt.Fprintf(&sb, "%4d: above=%d below=%v allBelow=%v allNotBelow=%v\n",
			rank, n.Above, n.Below, n.AllBelow, n.AllNotBelow)
	}
	return sb.String()
}

// Linear has every non-zero rank report directly to rank 0.
func Linear(nProcs int) (s Schedule) {
	if nProcs < 1 {
		return nil
	}
	s = make(Schedule, nProcs)
	others := rangeInts(1, nProcs)
	s[0] = Node{
		Above:       None,
		Below:       others,
		AllBelow:    others,
		AllNotBelow: []int{},
	}
	for rank := 1; rank < nProcs; rank++ {
		s[rank] = Node{
			Above:       0,
			Below:       []int{},
			AllBelow:    []int{},
			AllNotBelow: complement(nProcs, rank, nil),
		}
	}
	return
}

// Tree builds a balanced spanning tree rooted at rank 0. Each subtree root
// owns a contiguous rank range; the rest of that range is cut into at most
// fanOut contiguous groups whose sizes differ by at most one, and the first
// rank of each group becomes a child.
func Tree(nProcs, fanOut int) (s Schedule) {
	if nProcs < 1 {
		return nil
	}
	if fanOut < 2 {
		fanOut = 2
	}
	s = make(Schedule, nProcs)
	s[0].Above = None
	var build func(lo, hi int)
	build = func(lo, hi int) {
		s[lo].Below = []int{}
		s[lo].AllBelow = rangeInts(lo+1, hi)
		rest := hi - lo - 1
		if rest == 0 {
			return
		}
		pm := utils.NewPartitionMap(min(fanOut, rest), rest)
		for bn := 0; bn < pm.ParallelDegree; bn++ {
			kMin, kMax := pm.GetBucketRange(bn)
			child := lo + 1 + kMin
			s[lo].Below = append(s[lo].Below, child)
			s[child].Above = lo
			build(child, lo+1+kMax)
		}
	}
	build(0, nProcs)
	for rank := range s {
		s[rank].AllNotBelow = complement(nProcs, rank, s[rank].AllBelow)
	}
	return
}

func rangeInts(lo, hi int) (r []int) {
	r = make([]int, 0, max(hi-lo, 0))
	for i := lo; i < hi; i++ {
		r = append(r, i)
	}
	return
}

// complement returns {0..n-1} minus self and the (sorted) below set.
func complement(n, self int, below []int) (r []int) {
	r = make([]int, 0, max(n-1-len(below), 0))
	j := 0
	for i := 0; i < n; i++ {
		if j < len(below) && below[j] == i {
			j++
			continue
		}
		if i != self {
			r = append(r, i)
		}
	}
	return
}
