package decompose

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/notargets/pstream/collective"
	"github.com/notargets/pstream/globalindex"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/utils"
)

const tracerName = "github.com/notargets/pstream/decompose"

// Config holds the decomposition settings shared by every worker.
type Config struct {
	NumPartitions int     // 0 means one part per worker
	WeightSafety  float64 // see NormalizeWeights, 0 means DefaultWeightSafety
	DumpFile      string  // when set, each worker writes its graph to DumpFile.<rank>
}

// Decomposer runs a Partitioner over a graph distributed across a group.
type Decomposer struct {
	Group       *collective.Group
	Index       *globalindex.GlobalIndex // numbering of the graph vertices
	Partitioner Partitioner              // nil means Block
	Config      Config
}

const (
	statusOK int32 = iota
	statusInvalid
	statusFailed
)

// piece is one worker's share of the graph on its way to the master.
type piece struct {
	xadj   []int64
	adjncy []int32
	vwgt   []int32
}

func (p *piece) EncodeTo(o *stream.OStream) {
	stream.RawSlice[int64]{}.Encode(o, p.xadj)
	stream.RawSlice[int32]{}.Encode(o, p.adjncy)
	o.WriteBool(p.vwgt != nil)
	if p.vwgt != nil {
		stream.RawSlice[int32]{}.Encode(o, p.vwgt)
	}
}

func (p *piece) DecodeFrom(i *stream.IStream) (err error) {
	if p.xadj, err = (stream.RawSlice[int64]{}).Decode(i); err != nil {
		return
	}
	if p.adjncy, err = (stream.RawSlice[int32]{}).Decode(i); err != nil {
		return
	}
	var weighted bool
	if weighted, err = i.ReadBool(); err != nil || !weighted {
		return
	}
	p.vwgt, err = stream.RawSlice[int32]{}.Decode(i)
	return
}

// outcome is the master's answer to one worker.
type outcome struct {
	status int32
	msg    string
	parts  []int32
}

func (r *outcome) EncodeTo(o *stream.OStream) {
	o.WriteInt32(r.status)
	o.WriteString(r.msg)
	stream.RawSlice[int32]{}.Encode(o, r.parts)
}

func (r *outcome) DecodeFrom(i *stream.IStream) (err error) {
	if r.status, err = i.ReadInt32(); err != nil {
		return
	}
	if r.msg, err = i.ReadString(); err != nil {
		return
	}
	r.parts, err = stream.RawSlice[int32]{}.Decode(i)
	return
}

// Decompose returns the part of each local vertex. weights, when nil, falls
// back to graph.VertexWeights; tpwgts, when nil, asks for equal parts. Every
// worker of the group must call it and every worker gets the same error: a
// partitioner error becomes ErrPartitionerFailure carrying its message.
func (d *Decomposer) Decompose(ctx context.Context, graph *Graph, weights []float64, tpwgts []float32) (parts []int, err error) {
	g := d.Group
	nParts := d.Config.NumPartitions
	if nParts == 0 {
		nParts = g.NProcs()
	}
	_, span := otel.Tracer(tracerName).Start(ctx, "Decompose",
		trace.WithAttributes(
			attribute.Int("workers", g.NProcs()),
			attribute.Int("parts", nParts),
			attribute.Int("local_vertices", graph.NVertices()),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decomposition failed")
		}
		span.End()
	}()

	if weights == nil {
		weights = graph.VertexWeights
	}
	safety := d.Config.WeightSafety
	if safety == 0 {
		safety = DefaultWeightSafety
	}
	localErr := d.check(graph, weights, nParts, tpwgts)
	if localErr == nil && d.Config.DumpFile != "" {
		localErr = d.dump(graph)
	}
	if err = agree(g, localErr); err != nil {
		return nil, err
	}
	vwgt, err := NormalizeWeights(g, weights, safety)
	if err != nil {
		return nil, err
	}

	pieces := make([]piece, g.NProcs())
	pieces[g.MyProcNo()] = toPiece(graph, vwgt)
	if err = collective.GatherList(g, pieces, stream.Streamed[piece, *piece]{}); err != nil {
		return nil, errors.Wrap(err, "decompose: gather graph")
	}
	outcomes := make([]outcome, g.NProcs())
	if g.IsMaster() {
		d.solve(pieces, outcomes, int32(nParts), tpwgts)
	}
	if err = collective.ScatterList(g, outcomes, stream.Streamed[outcome, *outcome]{}); err != nil {
		return nil, errors.Wrap(err, "decompose: scatter parts")
	}

	mine := outcomes[g.MyProcNo()]
	switch mine.status {
	case statusOK:
	case statusInvalid:
		return nil, errors.Wrap(utils.ErrInvalidArgument, mine.msg)
	default:
		return nil, errors.Wrap(utils.ErrPartitionerFailure, mine.msg)
	}
	if len(mine.parts) != graph.NVertices() {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "decompose: %d parts for %d vertices",
			len(mine.parts), graph.NVertices())
	}
	parts = make([]int, len(mine.parts))
	for i, p := range mine.parts {
		parts[i] = int(p)
	}
	return parts, nil
}

func (d *Decomposer) check(graph *Graph, weights []float64, nParts int, tpwgts []float32) error {
	gi := d.Index
	if gi.NProcs() != d.Group.NProcs() {
		return errors.Wrapf(utils.ErrInvalidArgument, "index over %d workers, group of %d",
			gi.NProcs(), d.Group.NProcs())
	}
	if gi.Size() > math.MaxInt32 {
		return errors.Wrapf(utils.ErrInvalidArgument, "%d vertices do not fit int32 ids", gi.Size())
	}
	if graph.NVertices() != gi.LocalSize() {
		return errors.Wrapf(utils.ErrSizeMismatch, "%d vertices for local size %d",
			graph.NVertices(), gi.LocalSize())
	}
	if err := graph.Validate(gi.Size()); err != nil {
		return err
	}
	if weights != nil && len(weights) != graph.NVertices() {
		return errors.Wrapf(utils.ErrSizeMismatch, "%d weights for %d vertices", len(weights), graph.NVertices())
	}
	if nParts < 1 || nParts > math.MaxInt32 {
		return errors.Wrapf(utils.ErrInvalidArgument, "%d partitions", nParts)
	}
	if tpwgts != nil && len(tpwgts) != nParts {
		return errors.Wrapf(utils.ErrSizeMismatch, "%d target fractions for %d parts", len(tpwgts), nParts)
	}
	return nil
}

func (d *Decomposer) dump(graph *Graph) error {
	name := fmt.Sprintf("%s.%d", d.Config.DumpFile, d.Group.MyProcNo())
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "graph dump")
	}
	if err = WriteGraph(f, graph, d.Index); err != nil {
		f.Close()
		return errors.Wrapf(err, "graph dump %s", name)
	}
	return f.Close()
}

// agree turns a local error into a group-wide one. The worker that failed
// keeps its own error; the others learn that someone failed.
func agree(g *collective.Group, err error) error {
	ok := err == nil
	if rerr := collective.CombineReduce(g, &ok, func(a, b bool) bool { return a && b }, stream.Bool{}); rerr != nil {
		return errors.Wrap(rerr, "decompose: agree")
	}
	if err != nil {
		return errors.Wrap(err, "decompose")
	}
	if !ok {
		return errors.Wrap(utils.ErrInvalidArgument, "decompose: input rejected on another worker")
	}
	return nil
}

func toPiece(graph *Graph, vwgt []int32) piece {
	p := piece{
		xadj:   make([]int64, len(graph.Xadj)),
		adjncy: make([]int32, len(graph.Adjncy)),
		vwgt:   vwgt,
	}
	for i, x := range graph.Xadj {
		p.xadj[i] = int64(x)
	}
	for i, a := range graph.Adjncy {
		p.adjncy[i] = int32(a)
	}
	return p
}

// solve runs on the master. It assembles the global graph, calls the
// partitioner and fills one outcome per worker.
func (d *Decomposer) solve(pieces []piece, outcomes []outcome, nParts int32, tpwgts []float32) {
	fail := func(status int32, msg string) {
		for p := range outcomes {
			outcomes[p] = outcome{status: status, msg: msg}
		}
	}
	var (
		gi       = d.Index
		n        = gi.Size()
		xadj     = make([]int32, 1, n+1)
		adjncy   []int32
		vwgt     []int32
		weighted = false
	)
	for _, pc := range pieces {
		weighted = weighted || pc.vwgt != nil
	}
	for p, pc := range pieces {
		nv := max(len(pc.xadj)-1, 0)
		if nv != gi.LocalSizeOf(p) {
			fail(statusInvalid, fmt.Sprintf("worker %d sent %d vertices for local size %d", p, nv, gi.LocalSizeOf(p)))
			return
		}
		if weighted && nv > 0 && len(pc.vwgt) != nv {
			fail(statusInvalid, fmt.Sprintf("worker %d sent %d weights for %d vertices", p, len(pc.vwgt), nv))
			return
		}
		base := int64(len(adjncy))
		if base+int64(len(pc.adjncy)) > math.MaxInt32 {
			fail(statusInvalid, fmt.Sprintf("more than %d edges", math.MaxInt32))
			return
		}
		for _, x := range pc.xadj[min(1, len(pc.xadj)):] {
			xadj = append(xadj, int32(base+x))
		}
		adjncy = append(adjncy, pc.adjncy...)
		if weighted {
			vwgt = append(vwgt, pc.vwgt...)
		}
	}

	part := d.Partitioner
	if part == nil {
		part = Block{}
	}
	result, err := part.Partition(xadj, adjncy, vwgt, nParts, tpwgts)
	if err != nil {
		fail(statusFailed, err.Error())
		return
	}
	if len(result) != n {
		fail(statusFailed, fmt.Sprintf("partitioner returned %d parts for %d vertices", len(result), n))
		return
	}
	for i, p := range result {
		if p < 0 || p >= nParts {
			fail(statusFailed, fmt.Sprintf("partitioner put vertex %d in part %d of %d", i, p, nParts))
			return
		}
	}

	stats := Analyze(xadj, adjncy, vwgt, result, int(nParts))
	stats.Log(d.Group.Registry().Log())
	for p := range outcomes {
		start, end := gi.Range(p)
		outcomes[p] = outcome{status: statusOK, parts: result[start:end]}
	}
}
