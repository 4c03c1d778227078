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
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/notargets/pstream/InputParameters"
	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/decompose"
	"github.com/notargets/pstream/decompose/metis"
	"github.com/notargets/pstream/globalindex"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

type gridCase struct {
	NX, NY   int
	Weighted bool
	Output   string
}

// DecomposeCmd represents the decompose command
var DecomposeCmd = &cobra.Command{
	Use:   "decompose",
	Short: "Partition a structured grid distributed over in-process workers",
	Long: `
Spreads the cells of an nx by ny grid over NumProcs workers in contiguous
blocks, builds the distributed dual graph from the grid faces and decomposes
it with the configured partitioner. The master reports the part sizes and
can write the cell to part map.

pstream decompose --nx 64 --ny 32 -n 4 --partitioner metis -o parts.txt`,
	Run: func(cmd *cobra.Command, args []string) {
		rp, err := loadParameters()
		exitOnError("decompose", err)
		flags := cmd.Flags()
		if flags.Changed("np") {
			rp.NumProcs, _ = flags.GetInt("np")
		}
		if flags.Changed("partitioner") {
			rp.Decomposition.Partitioner, _ = flags.GetString("partitioner")
		}
		if flags.Changed("parts") {
			rp.Decomposition.NumPartitions, _ = flags.GetInt("parts")
		}
		rp.Transport = "inproc"
		exitOnError("decompose", rp.Validate())
		gc := &gridCase{}
		gc.NX, _ = flags.GetInt("nx")
		gc.NY, _ = flags.GetInt("ny")
		gc.Weighted, _ = flags.GetBool("weighted")
		gc.Output, _ = flags.GetString("output")
		if gc.NX < 1 || gc.NY < 1 {
			exitOnError("decompose", errors.Wrapf(utils.ErrInvalidArgument, "grid %d x %d", gc.NX, gc.NY))
		}
		rp.Print()
		errs := transport.RunWorld(rp.NumProcs, registryOptions(rp), func(r *transport.Registry) error {
			return runDecompose(r, rp, gc)
		})
		exitOnError("decompose", rootCauses(errs)...)
	},
}

func init() {
	rootCmd.AddCommand(DecomposeCmd)
	DecomposeCmd.Flags().IntP("np", "n", 4, "number of workers")
	DecomposeCmd.Flags().Int("nx", 32, "grid cells in x")
	DecomposeCmd.Flags().Int("ny", 32, "grid cells in y")
	DecomposeCmd.Flags().Int("parts", 0, "number of parts, 0 for one per worker")
	DecomposeCmd.Flags().StringP("partitioner", "p", "block", "partitioner: block or metis")
	DecomposeCmd.Flags().BoolP("weighted", "w", false, "weight cells by their x position")
	DecomposeCmd.Flags().StringP("output", "o", "", "file for the cell to part map")
}

func newPartitioner(d InputParameters.Decomposition) decompose.Partitioner {
	if d.Partitioner == "metis" {
		return &metis.Partitioner{
			Objective:       d.Objective,
			ImbalanceFactor: d.ImbalanceFactor,
			Seed:            metis.DefaultSeed,
		}
	}
	return decompose.Block{}
}

// gridFaces returns the faces of the nx by ny grid that touch the cells
// [lo,hi), split the way decompose.FromFaces takes them. Cell k sits at
// column k%nx of row k/nx.
func gridFaces(nx, ny, lo, hi int) (owner, neighbour, bCells, bNbrs []int) {
	for k := lo; k < hi; k++ {
		i, j := k%nx, k/nx
		var nbrs []int
		if i > 0 {
			nbrs = append(nbrs, k-1)
		}
		if i < nx-1 {
			nbrs = append(nbrs, k+1)
		}
		if j > 0 {
			nbrs = append(nbrs, k-nx)
		}
		if j < ny-1 {
			nbrs = append(nbrs, k+nx)
		}
		for _, m := range nbrs {
			switch {
			case m < lo || m >= hi:
				bCells = append(bCells, k-lo)
				bNbrs = append(bNbrs, m)
			case m > k:
				owner = append(owner, k-lo)
				neighbour = append(neighbour, m-lo)
			}
		}
	}
	return
}

func runDecompose(r *transport.Registry, rp *InputParameters.RunParameters, gc *gridCase) error {
	g := collective.NewGroup(r, transport.WorldComm, collective.DefaultTag)
	pm := utils.NewPartitionMap(g.NProcs(), gc.NX*gc.NY)
	lo, hi := pm.GetBucketRange(g.MyProcNo())
	gi, err := globalindex.New(g, hi-lo)
	if err != nil {
		return err
	}
	owner, neighbour, bCells, bNbrs := gridFaces(gc.NX, gc.NY, lo, hi)
	graph, err := decompose.FromFaces(hi-lo, owner, neighbour, bCells, bNbrs, gi)
	if err != nil {
		return err
	}
	var weights []float64
	if gc.Weighted {
		weights = make([]float64, hi-lo)
		for c := range weights {
			weights[c] = 1 + float64((lo+c)%gc.NX)/float64(gc.NX)
		}
	}

	d := &decompose.Decomposer{
		Group:       g,
		Index:       gi,
		Partitioner: newPartitioner(rp.Decomposition),
		Config: decompose.Config{
			NumPartitions: rp.Decomposition.NumPartitions,
			WeightSafety:  rp.Decomposition.WeightSafetyFactor,
			DumpFile:      rp.Decomposition.DumpGraph,
		},
	}
	parts, err := d.Decompose(context.Background(), graph, weights, nil)
	if err != nil {
		return err
	}
	local := make([]int32, len(parts))
	for c, p := range parts {
		local[c] = int32(p)
	}
	global, err := globalindex.Gather(gi, g, local, stream.Raw[int32]{})
	if err != nil || !g.IsMaster() {
		return err
	}

	nParts := rp.Decomposition.NumPartitions
	if nParts == 0 {
		nParts = g.NProcs()
	}
	counts := make([]int, nParts)
	for _, p := range global {
		counts[p]++
	}
	for p, c := range counts {
		fmt.Printf("part %4d: %d cells\n", p, c)
	}
	if gc.Output != "" {
		return writeParts(gc.Output, global)
	}
	return nil
}

func writeParts(name string, parts []int32) error {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "parts output")
	}
	w := bufio.NewWriter(f)
	for c, p := range parts {
		fmt.Fprintf(w, "%d %d\n", c, p)
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "parts output")
	}
	return f.Close()
}
