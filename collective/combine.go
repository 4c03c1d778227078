package collective

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/schedule"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/transport"
)

// CombineGather folds every worker's value into the master's. Each worker
// applies v = op(v, child) for its children in ascending rank order, then
// passes the result up. Only the master's value is the full combination.
func CombineGather[T any, C stream.Codec[T]](g *Group, v *T, op func(a, b T) T, codec C) error {
	if !g.active() {
		return nil
	}
	_, node, err := g.node("combineGather")
	if err != nil {
		return err
	}
	for _, child := range node.Below {
		buf, err := g.receive(child)
		if err != nil {
			return errors.Wrapf(err, "combineGather: receive from %d", child)
		}
		cv, err := stream.Unmarshal[T](codec, buf)
		if err != nil {
			return errors.Wrapf(err, "combineGather: value from %d", child)
		}
		*v = op(*v, cv)
	}
	if node.Above != schedule.None {
		buf := stream.Marshal(codec, *v)
		if err = g.send(node.Above, buf); err != nil {
			return errors.Wrapf(err, "combineGather: send to %d", node.Above)
		}
		transport.ObserveCollective("combineGather", len(buf))
	}
	return nil
}

// CombineScatter copies the master's value to every worker, down the
// schedule, forwarding to children in descending rank order.
func CombineScatter[T any, C stream.Codec[T]](g *Group, v *T, codec C) error {
	if !g.active() {
		return nil
	}
	_, node, err := g.node("combineScatter")
	if err != nil {
		return err
	}
	if node.Above != schedule.None {
		buf, err := g.receive(node.Above)
		if err != nil {
			return errors.Wrapf(err, "combineScatter: receive from %d", node.Above)
		}
		if *v, err = stream.Unmarshal[T](codec, buf); err != nil {
			return errors.Wrapf(err, "combineScatter: value from %d", node.Above)
		}
	}
	if len(node.Below) == 0 {
		return nil
	}
	buf := stream.Marshal(codec, *v)
	for _, child := range slices.Backward(node.Below) {
		if err = g.send(child, buf); err != nil {
			return errors.Wrapf(err, "combineScatter: send to %d", child)
		}
	}
	transport.ObserveCollective("combineScatter", len(buf)*len(node.Below))
	return nil
}

// CombineReduce leaves the combination of every worker's value on every
// worker.
func CombineReduce[T any, C stream.Codec[T]](g *Group, v *T, op func(a, b T) T, codec C) error {
	if err := CombineGather(g, v, op, codec); err != nil {
		return err
	}
	return CombineScatter(g, v, codec)
}

// Broadcast sends the master's value to every worker.
func Broadcast[T any, C stream.Codec[T]](g *Group, v *T, codec C) error {
	return CombineScatter(g, v, codec)
}

// Barrier returns once every worker of the group has entered it.
func Barrier(g *Group) error {
	ok := true
	return CombineReduce(g, &ok, func(a, b bool) bool { return a && b }, stream.Bool{})
}

// Sum, Max and Min are the usual combine operators for numeric values.
func Sum[T stream.Contiguous](a, b T) T { return a + b }

func Max[T stream.Contiguous](a, b T) T { return max(a, b) }

func Min[T stream.Contiguous](a, b T) T { return min(a, b) }
