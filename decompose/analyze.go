package decompose

import (
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// PartStats describes one part of a partition.
type PartStats struct {
	ID           int
	NumVertices  int
	Load         float64
	NumNeighbors map[int]int // neighbour part -> cut edges shared with it
}

// Stats summarises the quality of a partition.
type Stats struct {
	NParts    int
	CutEdges  int
	Imbalance float64 // max load over mean load, minus one
	MinLoad   float64
	MaxLoad   float64
	Parts     []PartStats
}

// Analyze computes partition quality for a whole graph in CSR form. vwgt
// may be nil for unit loads. An edge is counted once, from its lower
// numbered end.
func Analyze(xadj, adjncy, vwgt, parts []int32, nParts int) (s Stats) {
	s.NParts = nParts
	s.Parts = make([]PartStats, nParts)
	for p := range s.Parts {
		s.Parts[p].ID = p
		s.Parts[p].NumNeighbors = make(map[int]int)
	}
	loads := make([]float64, nParts)
	for v, p := range parts {
		s.Parts[p].NumVertices++
		if vwgt != nil {
			loads[p] += float64(vwgt[v])
		} else {
			loads[p]++
		}
	}
	for v := 0; v+1 < len(xadj); v++ {
		pv := int(parts[v])
		for _, nbr := range adjncy[xadj[v]:xadj[v+1]] {
			if int(nbr) <= v {
				continue
			}
			if pn := int(parts[nbr]); pn != pv {
				s.CutEdges++
				s.Parts[pv].NumNeighbors[pn]++
				s.Parts[pn].NumNeighbors[pv]++
			}
		}
	}
	for p := range s.Parts {
		s.Parts[p].Load = loads[p]
	}
	if nParts == 0 {
		return
	}
	s.MinLoad, s.MaxLoad = floats.Min(loads), floats.Max(loads)
	if avg := floats.Sum(loads) / float64(nParts); avg > 0 {
		s.Imbalance = s.MaxLoad/avg - 1
	}
	return
}

// Log reports the summary at info and each part at debug.
func (s Stats) Log(log *zerolog.Logger) {
	log.Info().
		Int("parts", s.NParts).
		Int("cutEdges", s.CutEdges).
		Float64("imbalancePct", s.Imbalance*100).
		Float64("minLoad", s.MinLoad).
		Float64("maxLoad", s.MaxLoad).
		Msg("partition analysis")
	for _, ps := range s.Parts {
		log.Debug().
			Int("part", ps.ID).
			Int("vertices", ps.NumVertices).
			Float64("load", ps.Load).
			Int("neighbors", len(ps.NumNeighbors)).
			Msg("partition")
	}
}
