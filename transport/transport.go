// Package transport is the bottom of the communication stack: it identifies
// a worker within a group of cooperating workers, keeps the communicator
// table, and moves byte buffers between workers.
//
// Every worker owns exactly one Registry, created at group start-up over a
// Transport and closed at shutdown. Nothing in the Registry is shared with
// other workers; communicator allocation and release must nevertheless be
// performed in the same order on every member, which is a calling
// convention and is not checked.
//
// Two transports are provided: an in-process Fabric whose workers are
// goroutines, and a TCP Network whose workers are separate processes.
package transport

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Transport moves tagged byte payloads between world ranks.
type Transport interface {
	// Size is the number of workers in the group.
	Size() int
	// Rank is this worker's world rank, 0 <= Rank() < Size().
	Rank() int
	// Send queues payload for dest. It returns once the payload may be
	// reused by the caller and does not wait for the matching receive.
	Send(dest, comm, tag int, payload []byte) error
	// Recv blocks until a payload from src with the same (comm, tag) is
	// available. Messages between one pair on one (comm, tag) arrive in
	// send order.
	Recv(src, comm, tag int) ([]byte, error)
	// Abort tears down the whole group; blocked and later operations on
	// every reachable worker fail with utils.ErrAborted.
	Abort(err error)
	Close() error
}

// CommsType selects how a point-to-point operation completes.
type CommsType uint8

const (
	// Blocking completes before returning.
	Blocking CommsType = iota
	// Scheduled is Blocking under the promise that the caller follows a
	// deadlock-free ordering, such as a schedule.Schedule.
	Scheduled
	// NonBlocking posts the operation and registers a request to be
	// completed with WaitRequest or WaitAllRequests.
	NonBlocking
)

func (ct CommsType) String() string {
	switch ct {
	case Blocking:
		return "blocking"
	case Scheduled:
		return "scheduled"
	case NonBlocking:
		return "nonBlocking"
	}
	return fmt.Sprintf("CommsType(%d)", uint8(ct))
}

// ParseCommsType is the inverse of CommsType.String.
func ParseCommsType(s string) (CommsType, error) {
	for _, ct := range []CommsType{Blocking, Scheduled, NonBlocking} {
		if ct.String() == s {
			return ct, nil
		}
	}
	return Blocking, errors.Wrapf(utils.ErrInvalidArgument, "unknown comms type %q", s)
}

// envelope is one message in flight.
type envelope struct {
	Source  int
	Comm    int
	Tag     int
	Payload []byte
}

func matchEnvelope(src, comm, tag int) func(envelope) bool {
	return func(e envelope) bool {
		return e.Source == src && e.Comm == comm && e.Tag == tag
	}
}
