package decompose

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/utils"
)

// DefaultWeightSafety leaves room for the partitioner to add up weights
// without overflowing int32.
const DefaultWeightSafety = 2

// Slots of the weight statistics record. It is reduced across the group as
// one value so every worker takes the same decision from it.
const (
	statMin = iota
	statSum
	statBad
	statCount
	nStats
)

func combineStats(a, b []float64) []float64 {
	return []float64{
		min(a[statMin], b[statMin]),
		a[statSum] + b[statSum],
		a[statBad] + b[statBad],
		a[statCount] + b[statCount],
	}
}

// NormalizeWeights converts positive real vertex weights to the integers a
// partitioner takes. The smallest weight across the group maps to 1. When
// the global sum times safety would pass the int32 range, the weights are
// instead scaled to fit it, and none drops below 1. Every worker of the group
// must call it; a nil result means no worker supplied weights.
func NormalizeWeights(g *collective.Group, weights []float64, safety float64) ([]int32, error) {
	if safety < 1 {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "weight safety factor %g < 1", safety)
	}
	local := make([]float64, nStats)
	local[statMin] = math.Inf(1)
	for _, w := range weights {
		if !(w > 0) || math.IsInf(w, 1) {
			local[statBad]++
		}
	}
	if len(weights) > 0 && local[statBad] == 0 {
		local[statMin] = floats.Min(weights)
		local[statSum] = floats.Sum(weights)
	}
	local[statCount] = float64(len(weights))

	if err := collective.CombineReduce(g, &local, combineStats, stream.RawSlice[float64]{}); err != nil {
		return nil, errors.Wrap(err, "weight statistics")
	}
	if local[statBad] > 0 {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "%d vertex weights are not positive and finite",
			int(local[statBad]))
	}
	if local[statCount] == 0 {
		return nil, nil
	}

	scale := 1 / local[statMin]
	if local[statSum]*scale*safety > math.MaxInt32 {
		scale = math.MaxInt32 / (local[statSum] * safety)
		g.Registry().Log().Info().
			Float64("sum", local[statSum]).
			Float64("scale", scale).
			Msg("vertex weights rescaled into the int32 range")
	}
	out := make([]int32, len(weights))
	for i, w := range weights {
		out[i] = int32(max(1, math.Round(w*scale)))
	}
	return out, nil
}
