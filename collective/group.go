// Package collective implements gather, scatter and reduce operations over a
// communicator by walking a schedule.Schedule with point-to-point messages.
//
// Every worker of the communicator must make the same sequence of collective
// calls. Each collective is generic over a stream.Codec, so whether a payload
// travels as raw bytes or as a token stream is fixed at compile time.
package collective

import (
	"github.com/pkg/errors"

	"github.com/notargets/pstream/schedule"
	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

// DefaultTag is used by the command line and tests. Concurrent collectives
// on one communicator need distinct tags.
const DefaultTag = 1

// Group binds a communicator, a message tag and the schedule collectives
// follow on it.
type Group struct {
	reg   *transport.Registry
	comm  int
	tag   int
	sched schedule.Schedule
}

// NewGroup selects the schedule with the registry's policy: linear below
// NProcsSimpleSum workers, tree above.
func NewGroup(reg *transport.Registry, comm, tag int) *Group {
	return &Group{
		reg:   reg,
		comm:  comm,
		tag:   tag,
		sched: reg.WhichSchedule(comm),
	}
}

// WithSchedule returns a copy of g that follows s.
func (g *Group) WithSchedule(s schedule.Schedule) *Group {
	ng := *g
	ng.sched = s
	return &ng
}

func (g *Group) Registry() *transport.Registry { return g.reg }
func (g *Group) Comm() int                     { return g.comm }
func (g *Group) Tag() int                      { return g.tag }
func (g *Group) Schedule() schedule.Schedule   { return g.sched }
func (g *Group) NProcs() int                   { return g.reg.NProcs(g.comm) }
func (g *Group) MyProcNo() int                 { return g.reg.MyProcNo(g.comm) }
func (g *Group) IsMaster() bool                { return g.reg.IsMaster(g.comm) }

// active reports whether there is anyone to talk to. Collectives are no-ops
// otherwise.
func (g *Group) active() bool {
	return g.reg.Parallel() && g.NProcs() > 1
}

// node returns this worker's schedule entry after checking that the
// schedule fits the communicator.
func (g *Group) node(op string) (me int, n schedule.Node, err error) {
	me = g.MyProcNo()
	if me < 0 {
		err = errors.Wrapf(utils.ErrInvalidArgument, "%s: rank %d is not a member of communicator %d",
			op, g.reg.Transport().Rank(), g.comm)
		return
	}
	if len(g.sched) != g.NProcs() {
		err = errors.Wrapf(utils.ErrScheduleMismatch, "%s: schedule for %d workers on communicator of %d",
			op, len(g.sched), g.NProcs())
		return
	}
	n = g.sched[me]
	return
}

func (g *Group) send(to int, buf []byte) error {
	return g.reg.Send(transport.Scheduled, to, buf, g.tag, g.comm)
}

func (g *Group) receive(from int) ([]byte, error) {
	return g.reg.Receive(transport.Scheduled, from, g.tag, g.comm)
}

func (g *Group) checkList(op string, n int) error {
	if n != g.NProcs() {
		return errors.Wrapf(utils.ErrInvalidArgument, "%s: list of %d entries on communicator of %d workers",
			op, n, g.NProcs())
	}
	return nil
}
