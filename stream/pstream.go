package stream

import (
	"github.com/pkg/errors"

	"github.com/notargets/pstream/transport"
	"github.com/notargets/pstream/utils"
)

// WithOStream hands fn a fresh stream and sends whatever it holds to toProc
// when fn finishes, whether fn returns normally, returns an error or panics.
// A send error is returned only when fn itself succeeded.
func WithOStream(reg *transport.Registry, ct transport.CommsType, toProc, tag, comm int,
	fn func(o *OStream) error) (err error) {
	o := NewOStream()
	defer func() {
		p := recover()
		if serr := reg.Send(ct, toProc, o.Bytes(), tag, comm); err == nil {
			err = serr
		}
		if p != nil {
			panic(p)
		}
	}()
	return fn(o)
}

// ReceiveIStream receives one message as a stream. A NonBlocking receive is
// posted and then waited for.
func ReceiveIStream(reg *transport.Registry, ct transport.CommsType, fromProc, tag, comm int) (*IStream, error) {
	if ct != transport.NonBlocking {
		buf, err := reg.Receive(ct, fromProc, tag, comm)
		if err != nil {
			return nil, err
		}
		return NewIStream(buf), nil
	}
	i, err := reg.PostReceive(fromProc, tag, comm)
	if err != nil {
		return nil, err
	}
	buf, err := reg.RequestData(i)
	if err != nil {
		return nil, err
	}
	return NewIStream(buf), nil
}

// Exchange holds one output stream per destination and, after Finish, one
// input stream per source. It lives for one round of neighbour exchange.
type Exchange struct {
	reg       *transport.Registry
	tag, comm int
	myProc    int
	out       []*OStream
	in        []*IStream
	recvSizes []int
}

func NewExchange(reg *transport.Registry, tag, comm int) *Exchange {
	nProcs := reg.NProcs(comm)
	e := &Exchange{
		reg:    reg,
		tag:    tag,
		comm:   comm,
		myProc: reg.MyProcNo(comm),
		out:    make([]*OStream, nProcs),
		in:     make([]*IStream, nProcs),
	}
	for p := range e.out {
		e.out[p] = NewOStream()
	}
	return e
}

// To is the stream carrying data for worker p.
func (e *Exchange) To(p int) *OStream { return e.out[p] }

// From is the stream received from worker p; empty until Finish.
func (e *Exchange) From(p int) *IStream {
	if e.in[p] == nil {
		return NewIStream(nil)
	}
	return e.in[p]
}

// RecvSizes are the byte counts received from each worker in the last round.
func (e *Exchange) RecvSizes() []int { return e.recvSizes }

// Finish swaps the byte counts with AllToAll, then moves every non-empty
// buffer. Only pairs with data exchange messages. The output streams are
// reset for another round.
func (e *Exchange) Finish(ct transport.CommsType) (err error) {
	sendSizes := make([]int, len(e.out))
	for p, o := range e.out {
		sendSizes[p] = o.Len()
	}
	if e.recvSizes, err = e.reg.AllToAll(sendSizes, e.comm); err != nil {
		return errors.Wrap(err, "exchange sizes")
	}
	start := e.reg.NRequests()
	for p, o := range e.out {
		if p == e.myProc || o.Len() == 0 {
			continue
		}
		if err = e.reg.Send(ct, p, o.Bytes(), e.tag, e.comm); err != nil {
			return
		}
	}
	var posted, reqs []int
	for p, size := range e.recvSizes {
		if p == e.myProc {
			e.in[p] = NewIStream(append([]byte(nil), e.out[p].Bytes()...))
			continue
		}
		if size == 0 {
			e.in[p] = nil
			continue
		}
		if ct == transport.NonBlocking {
			var i int
			if i, err = e.reg.PostReceive(p, e.tag, e.comm); err != nil {
				return
			}
			posted = append(posted, p)
			reqs = append(reqs, i)
			continue
		}
		var buf []byte
		if buf, err = e.reg.Receive(ct, p, e.tag, e.comm); err != nil {
			return
		}
		if err = e.setInput(p, buf); err != nil {
			return
		}
	}
	if ct == transport.NonBlocking {
		if err = e.reg.WaitAllRequests(start); err != nil {
			return
		}
		for k, p := range posted {
			var buf []byte
			if buf, err = e.reg.RequestData(reqs[k]); err != nil {
				return
			}
			if err = e.setInput(p, buf); err != nil {
				return
			}
		}
		e.reg.ResetRequests(start)
	}
	for _, o := range e.out {
		o.Reset()
	}
	return nil
}

func (e *Exchange) setInput(p int, buf []byte) error {
	if len(buf) != e.recvSizes[p] {
		return errors.Wrapf(utils.ErrSizeMismatch, "worker %d announced %d bytes and sent %d",
			p, e.recvSizes[p], len(buf))
	}
	e.in[p] = NewIStream(buf)
	return nil
}
