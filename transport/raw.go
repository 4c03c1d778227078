package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Tags below zero are reserved for the raw collectives so they never match
// user traffic.
const (
	tagAllToAll = -1 - iota
	tagAllToAllv
	tagGatherRaw
	tagScatterRaw
)

func checkLayout(op string, nProcs int, buf []byte, sizes, offsets []int) error {
	if len(sizes) != nProcs || len(offsets) != nProcs {
		return errors.Wrapf(utils.ErrSizeMismatch, "%s: %d sizes and %d offsets for %d workers",
			op, len(sizes), len(offsets), nProcs)
	}
	for p := range sizes {
		if sizes[p] < 0 || offsets[p] < 0 || offsets[p]+sizes[p] > len(buf) {
			return errors.Wrapf(utils.ErrSizeMismatch, "%s: slot %d [%d,+%d) outside buffer of %d bytes",
				op, p, offsets[p], sizes[p], len(buf))
		}
	}
	return nil
}

// AllToAll exchanges one count per pair: worker p receives sendSizes[p] from
// every worker, indexed by sender.
func (r *Registry) AllToAll(sendSizes []int, comm int) (recvSizes []int, err error) {
	nProcs, myProc, err := r.member(comm)
	if err != nil {
		return
	}
	if len(sendSizes) != nProcs {
		return nil, errors.Wrapf(utils.ErrSizeMismatch, "allToAll: %d sizes for %d workers", len(sendSizes), nProcs)
	}
	recvSizes = make([]int, nProcs)
	recvSizes[myProc] = sendSizes[myProc]
	if !r.Parallel() {
		return
	}
	var sent int
	for p := 0; p < nProcs; p++ {
		if p == myProc {
			continue
		}
		buf := binary.LittleEndian.AppendUint64(nil, uint64(sendSizes[p]))
		if err = r.Send(Blocking, p, buf, tagAllToAll, comm); err != nil {
			return nil, err
		}
		sent += len(buf)
	}
	for p := 0; p < nProcs; p++ {
		if p == myProc {
			continue
		}
		var buf []byte
		if buf, err = r.Receive(Blocking, p, tagAllToAll, comm); err != nil {
			return nil, err
		}
		if len(buf) != 8 {
			return nil, errors.Wrapf(utils.ErrSizeMismatch, "allToAll: %d bytes from worker %d", len(buf), p)
		}
		recvSizes[p] = int(binary.LittleEndian.Uint64(buf))
	}
	ObserveCollective("allToAll", sent)
	return
}

// AllToAllv sends send[sendOffsets[p]:+sendSizes[p]] to every worker p and
// places what worker p sent into recv[recvOffsets[p]:+recvSizes[p]]. The
// receive layout is usually computed from AllToAll.
func (r *Registry) AllToAllv(send []byte, sendSizes, sendOffsets []int,
	recv []byte, recvSizes, recvOffsets []int, comm int) (err error) {
	nProcs, myProc, err := r.member(comm)
	if err != nil {
		return
	}
	if err = checkLayout("allToAllv send", nProcs, send, sendSizes, sendOffsets); err != nil {
		return
	}
	if err = checkLayout("allToAllv receive", nProcs, recv, recvSizes, recvOffsets); err != nil {
		return
	}
	if sendSizes[myProc] != recvSizes[myProc] {
		return errors.Wrapf(utils.ErrSizeMismatch, "allToAllv: self send %d bytes, receive %d bytes",
			sendSizes[myProc], recvSizes[myProc])
	}
	copy(recv[recvOffsets[myProc]:recvOffsets[myProc]+recvSizes[myProc]],
		send[sendOffsets[myProc]:sendOffsets[myProc]+sendSizes[myProc]])
	var sent int
	for p := 0; p < nProcs; p++ {
		if p == myProc {
			continue
		}
		if err = r.Send(Blocking, p, send[sendOffsets[p]:sendOffsets[p]+sendSizes[p]], tagAllToAllv, comm); err != nil {
			return
		}
		sent += sendSizes[p]
	}
	for p := 0; p < nProcs; p++ {
		if p == myProc {
			continue
		}
		if err = r.receiveInto(p, tagAllToAllv, comm, recv[recvOffsets[p]:recvOffsets[p]+recvSizes[p]]); err != nil {
			return
		}
	}
	ObserveCollective("allToAllv", sent)
	return
}

// GatherRaw collects every worker's send bytes on the master into
// recv[recvOffsets[p]:+recvSizes[p]]. The layout arguments are only read on
// the master.
func (r *Registry) GatherRaw(send, recv []byte, recvSizes, recvOffsets []int, comm int) (err error) {
	nProcs, myProc, err := r.member(comm)
	if err != nil {
		return
	}
	if myProc != MasterNo {
		if err = r.Send(Blocking, MasterNo, send, tagGatherRaw, comm); err == nil {
			ObserveCollective("gatherRaw", len(send))
		}
		return
	}
	if err = checkLayout("gatherRaw", nProcs, recv, recvSizes, recvOffsets); err != nil {
		return
	}
	if len(send) != recvSizes[MasterNo] {
		return errors.Wrapf(utils.ErrSizeMismatch, "gatherRaw: master sends %d bytes into a slot of %d",
			len(send), recvSizes[MasterNo])
	}
	copy(recv[recvOffsets[MasterNo]:], send)
	for p := 1; p < nProcs; p++ {
		if err = r.receiveInto(p, tagGatherRaw, comm, recv[recvOffsets[p]:recvOffsets[p]+recvSizes[p]]); err != nil {
			return
		}
	}
	return
}

// ScatterRaw sends send[sendOffsets[p]:+sendSizes[p]] from the master to
// every worker p, which receives it into recv. The layout arguments are only
// read on the master.
func (r *Registry) ScatterRaw(send []byte, sendSizes, sendOffsets []int, recv []byte, comm int) (err error) {
	nProcs, myProc, err := r.member(comm)
	if err != nil {
		return
	}
	if myProc != MasterNo {
		return r.receiveInto(MasterNo, tagScatterRaw, comm, recv)
	}
	if err = checkLayout("scatterRaw", nProcs, send, sendSizes, sendOffsets); err != nil {
		return
	}
	if len(recv) != sendSizes[MasterNo] {
		return errors.Wrapf(utils.ErrSizeMismatch, "scatterRaw: master slot of %d bytes into %d",
			sendSizes[MasterNo], len(recv))
	}
	copy(recv, send[sendOffsets[MasterNo]:])
	var sent int
	for p := 1; p < nProcs; p++ {
		if err = r.Send(Blocking, p, send[sendOffsets[p]:sendOffsets[p]+sendSizes[p]], tagScatterRaw, comm); err != nil {
			return
		}
		sent += sendSizes[p]
	}
	ObserveCollective("scatterRaw", sent)
	return
}

func (r *Registry) member(comm int) (nProcs, myProc int, err error) {
	c, err := r.Comm(comm)
	if err != nil {
		return 0, -1, err
	}
	if c.MyRank < 0 {
		return 0, -1, errors.Wrapf(utils.ErrInvalidArgument, "rank %d is not a member of communicator %d",
			r.t.Rank(), comm)
	}
	return len(c.Ranks), c.MyRank, nil
}

func (r *Registry) receiveInto(from, tag, comm int, dst []byte) error {
	buf, err := r.Receive(Blocking, from, tag, comm)
	if err != nil {
		return err
	}
	if len(buf) != len(dst) {
		return errors.Wrapf(utils.ErrSizeMismatch, "received %d bytes from worker %d, expected %d",
			len(buf), from, len(dst))
	}
	copy(dst, buf)
	return nil
}
