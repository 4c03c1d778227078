package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// request is one outstanding non-blocking operation. A receive posted
// without threads keeps its work in run until someone waits on it.
type request struct {
	done  chan struct{}
	start sync.Once
	run   func()
	data  []byte
	err   error
}

// wait blocks until rq completes, running a deferred receive on the
// caller's goroutine.
func (rq *request) wait() {
	if rq.run != nil {
		rq.start.Do(rq.run)
	}
	<-rq.done
}

func completedRequest(err error) *request {
	rq := &request{done: make(chan struct{}), err: err}
	close(rq.done)
	return rq
}

func (r *Registry) addRequest(rq *request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, rq)
	return len(r.requests) - 1
}

func (r *Registry) route(comm, proc int) (world int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c *Communicator
	if c, err = r.lookup(comm); err != nil {
		return -1, err
	}
	if c.MyRank < 0 {
		return -1, errors.Wrapf(utils.ErrInvalidArgument, "rank %d is not a member of communicator %d",
			r.t.Rank(), comm)
	}
	if proc < 0 || proc >= len(c.Ranks) {
		return -1, errors.Wrapf(utils.ErrInvalidArgument, "rank %d not in communicator %d of size %d",
			proc, comm, len(c.Ranks))
	}
	return c.Ranks[proc], nil
}

// Send transmits buf to toProc, a rank within comm. Blocking and Scheduled
// sends return once buf may be reused. NonBlocking sends register a request;
// the payload is copied eagerly so sends between one pair of workers are
// never reordered.
func (r *Registry) Send(ct CommsType, toProc int, buf []byte, tag, comm int) error {
	dest, err := r.route(comm, toProc)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	if ct == Scheduled {
		r.log.Trace().Int("to", toProc).Int("tag", tag).Int("comm", comm).Int("bytes", len(buf)).Msg("scheduled send")
	}
	err = r.t.Send(dest, comm, tag, buf)
	if err == nil {
		recordSend(ct, len(buf))
	}
	if ct == NonBlocking {
		r.addRequest(completedRequest(err))
		return nil
	}
	return err
}

// recvKey is the matching key of a receive. Receives sharing a key are
// matched in the order they were posted.
type recvKey struct{ src, comm, tag int }

// Receive returns the next message from fromProc on (tag, comm). For
// NonBlocking it returns nil at once and posts a request as PostReceive
// does; the data is retrieved with RequestData after completion.
func (r *Registry) Receive(ct CommsType, fromProc, tag, comm int) ([]byte, error) {
	if ct == NonBlocking {
		_, err := r.PostReceive(fromProc, tag, comm)
		return nil, err
	}
	src, err := r.route(comm, fromProc)
	if err != nil {
		return nil, errors.Wrap(err, "receive")
	}
	if ct == Scheduled {
		r.log.Trace().Int("from", fromProc).Int("tag", tag).Int("comm", comm).Msg("scheduled receive")
	}
	// Earlier non-blocking receives on the same key take their messages first
	r.mu.Lock()
	prev := r.pendingRecv[recvKey{src, comm, tag}]
	r.mu.Unlock()
	if prev != nil {
		prev.wait()
	}
	buf, err := r.t.Recv(src, comm, tag)
	if err == nil {
		recordReceive(ct, len(buf))
	}
	return buf, err
}

// PostReceive posts a non-blocking receive from fromProc on (tag, comm) and
// returns its request index. A request waits for the one posted before it on
// the same source, tag and communicator, so messages complete requests in
// send order. With threads the receive progresses in the background;
// otherwise it runs when the request is waited on.
func (r *Registry) PostReceive(fromProc, tag, comm int) (int, error) {
	src, err := r.route(comm, fromProc)
	if err != nil {
		return -1, errors.Wrap(err, "receive")
	}
	var (
		key  = recvKey{src, comm, tag}
		rq   = &request{done: make(chan struct{})}
		prev *request
	)
	recv := func() {
		defer close(rq.done)
		if prev != nil {
			prev.wait()
		}
		rq.data, rq.err = r.t.Recv(src, comm, tag)
		if rq.err == nil {
			recordReceive(NonBlocking, len(rq.data))
		}
		r.mu.Lock()
		if r.pendingRecv[key] == rq {
			delete(r.pendingRecv, key)
		}
		r.mu.Unlock()
	}
	threads := r.HaveThreads()
	if !threads {
		rq.run = recv
	}
	r.mu.Lock()
	prev = r.pendingRecv[key]
	r.pendingRecv[key] = rq
	r.requests = append(r.requests, rq)
	i := len(r.requests) - 1
	r.mu.Unlock()
	if threads {
		go recv()
	}
	return i, nil
}

// NRequests is the number of registered non-blocking requests; it is the
// index the next request will receive.
func (r *Registry) NRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *Registry) request(i int) (*request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.requests) {
		return nil, errors.Wrapf(utils.ErrOutOfRange, "request %d of %d", i, len(r.requests))
	}
	return r.requests[i], nil
}

// RequestFinished polls request i without blocking. A receive posted
// without threads reports unfinished until it is waited on.
func (r *Registry) RequestFinished(i int) (bool, error) {
	rq, err := r.request(i)
	if err != nil {
		return false, err
	}
	select {
	case <-rq.done:
		return true, nil
	default:
		return false, nil
	}
}

// WaitRequest blocks until request i completes and returns its error.
func (r *Registry) WaitRequest(i int) error {
	rq, err := r.request(i)
	if err != nil {
		return err
	}
	rq.wait()
	return rq.err
}

// RequestData is the payload of a completed non-blocking receive.
func (r *Registry) RequestData(i int) ([]byte, error) {
	if err := r.WaitRequest(i); err != nil {
		return nil, err
	}
	rq, _ := r.request(i)
	return rq.data, nil
}

// WaitAllRequests waits for every request from index start onwards and
// returns the first error met. The requests stay registered until
// ResetRequests.
func (r *Registry) WaitAllRequests(start int) (err error) {
	n := r.NRequests()
	for i := max(start, 0); i < n; i++ {
		if e := r.WaitRequest(i); e != nil && err == nil {
			err = e
		}
	}
	return
}

// ResetRequests drops every request from index n onwards.
func (r *Registry) ResetRequests(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= 0 && n < len(r.requests) {
		clear(r.requests[n:])
		r.requests = r.requests[:n]
	}
}
