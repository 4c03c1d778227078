package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Fabric connects NP goroutine workers through one shared mailbox. It is the
// transport used by tests and by single-process runs of the command line.
type Fabric struct {
	NP int
	mb *utils.MailBox[envelope]
}

func NewFabric(NP int) *Fabric {
	return &Fabric{
		NP: NP,
		mb: utils.NewMailBox[envelope](NP),
	}
}

// Endpoint returns the Transport seen by the worker with the given rank.
func (f *Fabric) Endpoint(rank int) Transport {
	return &fabricEndpoint{fabric: f, rank: rank}
}

type fabricEndpoint struct {
	fabric *Fabric
	rank   int
}

func (e *fabricEndpoint) Size() int { return e.fabric.NP }
func (e *fabricEndpoint) Rank() int { return e.rank }

func (e *fabricEndpoint) Send(dest, comm, tag int, payload []byte) error {
	if dest < 0 || dest >= e.fabric.NP {
		return errors.Wrapf(utils.ErrInvalidArgument, "send to rank %d of %d", dest, e.fabric.NP)
	}
	msg := envelope{
		Source:  e.rank,
		Comm:    comm,
		Tag:     tag,
		Payload: append([]byte(nil), payload...),
	}
	return e.fabric.mb.PostMessage(dest, msg)
}

func (e *fabricEndpoint) Recv(src, comm, tag int) ([]byte, error) {
	if src < 0 || src >= e.fabric.NP {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "receive from rank %d of %d", src, e.fabric.NP)
	}
	msg, err := e.fabric.mb.ReceiveMessage(e.rank, matchEnvelope(src, comm, tag))
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func (e *fabricEndpoint) Abort(err error) {
	e.fabric.mb.Abort(errors.Wrapf(utils.ErrAborted, "rank %d: %v", e.rank, err))
}

func (e *fabricEndpoint) Close() error { return nil }

// RunWorld runs fn on NP goroutine workers, each with its own Registry over
// a shared Fabric, and returns once all have finished. The returned slice
// holds each worker's error by rank. A worker that fails aborts the fabric so
// its peers cannot hang waiting for it.
func RunWorld(NP int, opts Options, fn func(r *Registry) error) []error {
	var (
		fabric = NewFabric(NP)
		errs   = make([]error, NP)
		wg     sync.WaitGroup
	)
	for rank := 0; rank < NP; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[rank] = errors.Errorf("rank %d panicked: %v", rank, p)
					fabric.mb.Abort(errors.Wrap(utils.ErrAborted, errs[rank].Error()))
				}
			}()
			r := NewRegistry(fabric.Endpoint(rank), opts)
			defer r.Close()
			if err := fn(r); err != nil {
				errs[rank] = err
				r.Abort(err)
				return
			}
			if n := fabric.mb.Pending(rank); n > 0 {
				r.Log().Warn().Int("pending", n).Msg("unmatched messages at shutdown")
			}
		}(rank)
	}
	wg.Wait()
	return errs
}
