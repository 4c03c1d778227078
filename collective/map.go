package collective

import (
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/schedule"
	"github.com/notargets/pstream/stream"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

// mapTarget allocates *m when it is nil so merged entries have a home.
func mapTarget[K comparable, V any](op string, m *map[K]V) error {
	if m == nil {
		return errors.Wrapf(utils.ErrInvalidArgument, "%s: nil map pointer", op)
	}
	if *m == nil {
		*m = make(map[K]V)
	}
	return nil
}

// MapCombineGather merges every worker's map into the master's. A key held
// by both sides is combined as m[k] = op(m[k], child[k]); other keys are
// inserted. A nil *m is allocated.
func MapCombineGather[K comparable, V any, KC stream.Codec[K], VC stream.Codec[V]](
	g *Group, mp *map[K]V, op func(a, b V) V, _ KC, _ VC) error {
	if err := mapTarget("mapCombineGather", mp); err != nil {
		return err
	}
	if !g.active() {
		return nil
	}
	m := *mp
	_, node, err := g.node("mapCombineGather")
	if err != nil {
		return err
	}
	var codec stream.Map[K, V, KC, VC]
	for _, child := range node.Below {
		buf, err := g.receive(child)
		if err != nil {
			return errors.Wrapf(err, "mapCombineGather: receive from %d", child)
		}
		cm, err := stream.Unmarshal[map[K]V](codec, buf)
		if err != nil {
			return errors.Wrapf(err, "mapCombineGather: map from %d", child)
		}
		for k, cv := range cm {
			if v, ok := m[k]; ok {
				m[k] = op(v, cv)
			} else {
				m[k] = cv
			}
		}
	}
	if node.Above != schedule.None {
		buf := stream.Marshal(codec, m)
		if err = g.send(node.Above, buf); err != nil {
			return errors.Wrapf(err, "mapCombineGather: send to %d", node.Above)
		}
		transport.ObserveCollective("mapCombineGather", len(buf))
	}
	return nil
}

// MapCombineScatter replaces the contents of *m on every worker with the
// master's. A nil *m is allocated.
func MapCombineScatter[K comparable, V any, KC stream.Codec[K], VC stream.Codec[V]](
	g *Group, mp *map[K]V, _ KC, _ VC) error {
	if err := mapTarget("mapCombineScatter", mp); err != nil {
		return err
	}
	if !g.active() {
		return nil
	}
	m := *mp
	_, node, err := g.node("mapCombineScatter")
	if err != nil {
		return err
	}
	var codec stream.Map[K, V, KC, VC]
	if node.Above != schedule.None {
		buf, err := g.receive(node.Above)
		if err != nil {
			return errors.Wrapf(err, "mapCombineScatter: receive from %d", node.Above)
		}
		pm, err := stream.Unmarshal[map[K]V](codec, buf)
		if err != nil {
			return errors.Wrapf(err, "mapCombineScatter: map from %d", node.Above)
		}
		clear(m)
		maps.Copy(m, pm)
	}
	if len(node.Below) == 0 {
		return nil
	}
	buf := stream.Marshal(codec, m)
	for _, child := range slices.Backward(node.Below) {
		if err = g.send(child, buf); err != nil {
			return errors.Wrapf(err, "mapCombineScatter: send to %d", child)
		}
	}
	transport.ObserveCollective("mapCombineScatter", len(buf)*len(node.Below))
	return nil
}

// MapCombineReduce leaves the merge of every worker's map on every worker.
func MapCombineReduce[K comparable, V any, KC stream.Codec[K], VC stream.Codec[V]](
	g *Group, m *map[K]V, op func(a, b V) V, kc KC, vc VC) error {
	if err := MapCombineGather(g, m, op, kc, vc); err != nil {
		return err
	}
	return MapCombineScatter(g, m, kc, vc)
}
