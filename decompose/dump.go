package decompose

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/globalindex"
	"github.com/notargets/pstream/utils"
)

const graphHeader = "# pstream-graph 1"

// WriteGraph dumps the local graph as text: a header line, then
// "nTotalVertices nLocalVertices nLocalEdges", then one line per local
// vertex holding its degree and neighbours.
func WriteGraph(w io.Writer, g *Graph, gi *globalindex.GlobalIndex) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, graphHeader)
	fmt.Fprintf(bw, "%d %d %d\n", gi.Size(), g.NVertices(), g.NEdges())
	for i := 0; i < g.NVertices(); i++ {
		row := g.Neighbours(i)
		bw.WriteString(strconv.Itoa(len(row)))
		for _, nbr := range row {
			bw.WriteByte(' ')
			bw.WriteString(strconv.Itoa(nbr))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadGraph reads a dump written by WriteGraph. It returns the graph and
// the global vertex count recorded with it.
func ReadGraph(r io.Reader) (g *Graph, nTotal int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<30)
	line := 0
	next := func() ([]int, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, err
			}
			return nil, errors.Wrapf(utils.ErrEndOfStream, "graph dump ends at line %d", line)
		}
		line++
		fields := strings.Fields(sc.Text())
		vals := make([]int, len(fields))
		for k, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, errors.Wrapf(utils.ErrMalformedStream, "line %d: %v", line, err)
			}
			vals[k] = v
		}
		return vals, nil
	}

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != graphHeader {
		return nil, 0, errors.Wrapf(utils.ErrMalformedStream, "graph dump does not start with %q", graphHeader)
	}
	line++
	sizes, err := next()
	if err != nil {
		return nil, 0, err
	}
	if len(sizes) != 3 || sizes[0] < 0 || sizes[1] < 0 || sizes[2] < 0 {
		return nil, 0, errors.Wrapf(utils.ErrMalformedStream, "line %d: bad sizes %v", line, sizes)
	}
	nTotal, nLocal, nEdges := sizes[0], sizes[1], sizes[2]
	g = &Graph{
		Xadj:   make([]int, nLocal+1),
		Adjncy: make([]int, 0, min(nEdges, 1<<20)),
	}
	for i := 0; i < nLocal; i++ {
		row, err := next()
		if err != nil {
			return nil, 0, err
		}
		if len(row) == 0 || row[0] != len(row)-1 {
			return nil, 0, errors.Wrapf(utils.ErrMalformedStream, "line %d: degree does not match the row", line)
		}
		g.Adjncy = append(g.Adjncy, row[1:]...)
		g.Xadj[i+1] = len(g.Adjncy)
	}
	if len(g.Adjncy) != nEdges {
		return nil, 0, errors.Wrapf(utils.ErrMalformedStream, "%d edges for a declared %d", len(g.Adjncy), nEdges)
	}
	if err = g.Validate(nTotal); err != nil {
		return nil, 0, errors.Wrap(utils.ErrMalformedStream, err.Error())
	}
	return g, nTotal, nil
}
