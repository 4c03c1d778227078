/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"slices"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/pstream/InputParameters"
	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/globalindex"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

// exerciseCells is the global item count spread over the workers.
const exerciseCells = 1009

// runExercise drives every layer once on a worker: world split, global
// index, reductions, gather and scatter through the master, and a ring
// exchange with the configured CommsType. Each step checks its result.
func runExercise(reg *transport.Registry, rp *InputParameters.RunParameters) (err error) {
	var (
		start = time.Now()
		comm  = transport.WorldComm
		log   = reg.Log()
	)
	ct, err := transport.ParseCommsType(rp.CommsType)
	if err != nil {
		return err
	}
	if len(rp.Worlds) != 0 {
		if err = reg.SetWorlds(rp.Worlds); err != nil {
			return err
		}
		comm, _ = reg.WorldComm(reg.MyWorld())
	}
	g := collective.NewGroup(reg, comm, collective.DefaultTag)
	n, me := g.NProcs(), g.MyProcNo()

	pm := utils.NewPartitionMap(n, exerciseCells)
	gi, err := globalindex.New(g, pm.GetBucketDimension(me))
	if err != nil {
		return err
	}
	if err = checkIndex(gi, pm); err != nil {
		return err
	}
	local := make([]float64, gi.LocalSize())
	for i := range local {
		local[i] = float64(gi.ToGlobal(i))
	}

	{ // Reductions
		sum := floats.Sum(local)
		if err = collective.CombineReduce(g, &sum, collective.Sum[float64], stream.Raw[float64]{}); err != nil {
			return err
		}
		size := gi.Size()
		if want := float64(size * (size - 1) / 2); sum != want {
			return errors.Errorf("global sum %g, want %g", sum, want)
		}
		biggest := int64(gi.LocalSize())
		if err = collective.CombineReduce(g, &biggest, collective.Max[int64], stream.Raw[int64]{}); err != nil {
			return err
		}
		if int(biggest) != gi.MaxLocalSize() {
			return errors.Errorf("largest block %d, want %d", biggest, gi.MaxLocalSize())
		}
	}
	{ // Through the master and back
		global, err := globalindex.Gather(gi, g, local, stream.Raw[float64]{})
		if err != nil {
			return err
		}
		for i := range global {
			global[i] = -global[i]
		}
		back, err := globalindex.Scatter(gi, g, global, stream.Raw[float64]{})
		if err != nil {
			return err
		}
		for i, v := range back {
			if v != -local[i] {
				return errors.Errorf("scatter returned %g for local %d", v, i)
			}
		}
	}
	if n > 1 { // Ring exchange
		next, prev := (me+1)%n, (me+n-1)%n
		ex := stream.NewExchange(reg, collective.DefaultTag+1, comm)
		o := ex.To(next)
		o.WriteInt64(int64(gi.Offset(me)))
		stream.RawSlice[float64]{}.Encode(o, local)
		if err = ex.Finish(ct); err != nil {
			return err
		}
		in := ex.From(prev)
		off, err := in.ReadInt64()
		if err != nil {
			return err
		}
		vals, err := stream.RawSlice[float64]{}.Decode(in)
		if err != nil {
			return err
		}
		if int(off) != gi.Offset(prev) || len(vals) != gi.LocalSizeOf(prev) {
			return errors.Errorf("worker %d sent offset %d and %d values", prev, off, len(vals))
		}
	}
	if err = collective.Barrier(g); err != nil {
		return err
	}
	log.Info().
		Str("world", reg.MyWorld()).
		Str("commsType", ct.String()).
		Int("workers", n).
		Int("localSize", gi.LocalSize()).
		Dur("elapsed", time.Since(start)).
		Msg("exercise complete")
	return nil
}

// checkIndex compares the collectively built index with the block split
// every worker computes on its own.
func checkIndex(gi *globalindex.GlobalIndex, pm *utils.PartitionMap) error {
	if gi.Size() != pm.MaxIndex || gi.MaxLocalSize() != slices.Max(pm.Sizes()) {
		return errors.Errorf("index holds %d items, %d at most per worker; the block split has %d and %d",
			gi.Size(), gi.MaxLocalSize(), pm.MaxIndex, slices.Max(pm.Sizes()))
	}
	for k := 0; k < gi.Size(); k++ {
		bn, _, _ := pm.GetBucket(k)
		kLocal, _, _ := pm.GetLocalK(k)
		p, err := gi.WhichProcID(k)
		if err != nil {
			return err
		}
		i, err := gi.ToLocalOf(p, k)
		if err != nil {
			return err
		}
		if p != bn || i != kLocal || pm.GetGlobalK(kLocal, bn) != k {
			return errors.Errorf("item %d: worker %d local %d, block split has worker %d local %d",
				k, p, i, bn, kLocal)
		}
	}
	return nil
}
