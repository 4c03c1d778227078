package collective

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/schedule"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

// slots is the packing order of the sub-list a worker sends up or receives
// down: its own entry, then its descendants' in ascending rank order.
func slots(s schedule.Schedule, rank int) []int {
	return append([]int{rank}, s[rank].AllBelow...)
}

func encodeSlots[T any, C stream.Codec[T]](codec C, list []T, idx []int) []byte {
	o := stream.NewOStream()
	for _, i := range idx {
		codec.Encode(o, list[i])
	}
	return o.Bytes()
}

func decodeSlots[T any, C stream.Codec[T]](codec C, buf []byte, list []T, idx []int) error {
	if size := codec.Size(); size > 0 && len(buf) != size*len(idx) {
		return errors.Wrapf(utils.ErrScheduleMismatch, "payload of %d bytes for %d values of %d bytes",
			len(buf), len(idx), size)
	}
	in := stream.NewIStream(buf)
	for _, i := range idx {
		v, err := codec.Decode(in)
		if err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
		list[i] = v
	}
	if !in.EOF() {
		return errors.Wrapf(utils.ErrMalformedStream, "%d bytes left after %d entries", in.Remaining(), len(idx))
	}
	return nil
}

// GatherList fills list[p] on the master with worker p's list[p]. Workers
// other than the master end with the entries of their own sub-tree.
func GatherList[T any, C stream.Codec[T]](g *Group, list []T, codec C) error {
	if err := g.checkList("gatherList", len(list)); err != nil {
		return err
	}
	if !g.active() {
		return nil
	}
	me, node, err := g.node("gatherList")
	if err != nil {
		return err
	}
	for _, child := range node.Below {
		buf, err := g.receive(child)
		if err != nil {
			return errors.Wrapf(err, "gatherList: receive from %d", child)
		}
		if err = decodeSlots(codec, buf, list, slots(g.sched, child)); err != nil {
			return errors.Wrapf(err, "gatherList: sub-list from %d", child)
		}
	}
	if node.Above != schedule.None {
		buf := encodeSlots(codec, list, slots(g.sched, me))
		if err = g.send(node.Above, buf); err != nil {
			return errors.Wrapf(err, "gatherList: send to %d", node.Above)
		}
		transport.ObserveCollective("gatherList", len(buf))
	}
	return nil
}

// ScatterList sends the master's list[p] to worker p.
func ScatterList[T any, C stream.Codec[T]](g *Group, list []T, codec C) error {
	if err := g.checkList("scatterList", len(list)); err != nil {
		return err
	}
	if !g.active() {
		return nil
	}
	me, node, err := g.node("scatterList")
	if err != nil {
		return err
	}
	if node.Above != schedule.None {
		buf, err := g.receive(node.Above)
		if err != nil {
			return errors.Wrapf(err, "scatterList: receive from %d", node.Above)
		}
		if err = decodeSlots(codec, buf, list, slots(g.sched, me)); err != nil {
			return errors.Wrapf(err, "scatterList: sub-list from %d", node.Above)
		}
	}
	var sent int
	for _, child := range slices.Backward(node.Below) {
		buf := encodeSlots(codec, list, slots(g.sched, child))
		if err = g.send(child, buf); err != nil {
			return errors.Wrapf(err, "scatterList: send to %d", child)
		}
		sent += len(buf)
	}
	if len(node.Below) > 0 {
		transport.ObserveCollective("scatterList", sent)
	}
	return nil
}

// AllGatherList leaves every worker's entry on every worker.
func AllGatherList[T any, C stream.Codec[T]](g *Group, list []T, codec C) error {
	if err := GatherList(g, list, codec); err != nil {
		return err
	}
	return ScatterList(g, list, codec)
}
