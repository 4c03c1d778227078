package transport

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/pstream/utils"
)

func noErrors(t *testing.T, errs []error) {
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestRegistryCommunicators(t *testing.T) {
	r := NewRegistry(NewFabric(4).Endpoint(2), Options{})
	defer r.Close()
	{ // World
		assert.True(t, r.Parallel())
		assert.Equal(t, 4, r.NProcs(WorldComm))
		assert.Equal(t, 2, r.MyProcNo(WorldComm))
		assert.Equal(t, NoParent, r.Parent(WorldComm))
		assert.False(t, r.IsMaster(WorldComm))
		assert.Equal(t, []int{1, 2, 3}, r.SubProcs(WorldComm))
		assert.Equal(t, []int{0, 1, 2, 3}, r.ProcIDs(WorldComm))
	}
	{ // Nested allocation translates ranks through the parent
		a, err := r.AllocateCommunicator(WorldComm, []int{3, 2, 1})
		require.NoError(t, err)
		assert.Equal(t, 1, a)
		assert.Equal(t, 1, r.MyProcNo(a))
		assert.Equal(t, 3, r.WorldRank(a, 0))
		b, err := r.AllocateCommunicator(a, []int{0, 1})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, r.ProcIDs(b))
		assert.Equal(t, a, r.Parent(b))
		assert.Equal(t, 1, r.MyProcNo(b))

		c, err := r.AllocateCommunicator(a, []int{0})
		require.NoError(t, err)
		assert.Equal(t, -1, r.MyProcNo(c))

		// A parent with live children cannot go first
		assert.True(t, errors.Is(r.FreeCommunicator(a), utils.ErrInvalidArgument))
		require.NoError(t, r.FreeCommunicator(c))
		require.NoError(t, r.FreeCommunicator(b))
		require.NoError(t, r.FreeCommunicator(a))
		assert.True(t, errors.Is(r.FreeCommunicator(a), utils.ErrInvalidArgument))

		// Freed ids are reused
		d, err := r.AllocateCommunicator(WorldComm, []int{0, 2})
		require.NoError(t, err)
		assert.Contains(t, []int{a, b, c}, d)
	}
	{ // Misuse
		_, err := r.AllocateCommunicator(WorldComm, []int{0, 4})
		assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
		_, err = r.AllocateCommunicator(WorldComm, []int{1, 1})
		assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
		_, err = r.AllocateCommunicator(99, []int{0})
		assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
		assert.True(t, errors.Is(r.FreeCommunicator(WorldComm), utils.ErrInvalidArgument))
		assert.Panics(t, func() { r.NProcs(99) })
	}
}

func TestRegistryWorlds(t *testing.T) {
	r := NewRegistry(NewFabric(5).Endpoint(3), Options{})
	defer r.Close()
	assert.Equal(t, "", r.MyWorld())
	require.NoError(t, r.SetWorlds([]string{"fluid", "solid", "fluid", "solid", "fluid"}))
	assert.Equal(t, "solid", r.MyWorld())
	assert.Equal(t, []string{"fluid", "solid"}, r.AllWorlds())
	id, ok := r.WorldComm("solid")
	require.True(t, ok)
	assert.Equal(t, []int{1, 3}, r.ProcIDs(id))
	assert.Equal(t, 1, r.MyProcNo(id))
	_, ok = r.WorldComm("gas")
	assert.False(t, ok)
	assert.Error(t, r.SetWorlds([]string{"a"}))
}

func TestRegistrySchedules(t *testing.T) {
	r := NewRegistry(NewFabric(20).Endpoint(0), Options{NProcsSimpleSum: 8})
	defer r.Close()
	assert.Equal(t, 8, r.NProcsSimpleSum())
	assert.True(t, r.WhichSchedule(WorldComm).Equal(r.TreeSchedule(WorldComm)))
	small, err := r.AllocateCommunicator(WorldComm, []int{0, 1, 2})
	require.NoError(t, err)
	assert.True(t, r.WhichSchedule(small).Equal(r.LinearSchedule(small)))
}

func TestPointToPoint(t *testing.T) {
	errs := RunWorld(3, Options{}, func(r *Registry) error {
		var (
			me   = r.MyProcNo(WorldComm)
			next = (me + 1) % 3
			prev = (me + 2) % 3
		)
		if err := r.Send(Blocking, next, []byte{byte(me), 1}, 7, WorldComm); err != nil {
			return err
		}
		if err := r.Send(Scheduled, next, []byte{byte(me), 2}, 7, WorldComm); err != nil {
			return err
		}
		// Same pair and tag: arrival follows send order
		first, err := r.Receive(Blocking, prev, 7, WorldComm)
		if err != nil {
			return err
		}
		second, err := r.Receive(Blocking, prev, 7, WorldComm)
		if err != nil {
			return err
		}
		assert.Equal(t, []byte{byte(prev), 1}, first)
		assert.Equal(t, []byte{byte(prev), 2}, second)
		return nil
	})
	noErrors(t, errs)
}

func TestNonBlockingRequests(t *testing.T) {
	errs := RunWorld(4, Options{}, func(r *Registry) error {
		me := r.MyProcNo(WorldComm)
		start := r.NRequests()
		for p := 0; p < 4; p++ {
			if p != me {
				if err := r.Send(NonBlocking, p, []byte{byte(10*me + p)}, 1, WorldComm); err != nil {
					return err
				}
			}
		}
		recvStart := r.NRequests()
		for p := 0; p < 4; p++ {
			if p != me {
				buf, err := r.Receive(NonBlocking, p, 1, WorldComm)
				if err != nil {
					return err
				}
				assert.Nil(t, buf)
			}
		}
		assert.Equal(t, start+6, r.NRequests())
		if err := r.WaitAllRequests(start); err != nil {
			return err
		}
		i := recvStart
		for p := 0; p < 4; p++ {
			if p == me {
				continue
			}
			done, err := r.RequestFinished(i)
			if err != nil {
				return err
			}
			assert.True(t, done)
			data, err := r.RequestData(i)
			if err != nil {
				return err
			}
			assert.Equal(t, []byte{byte(10*p + me)}, data)
			i++
		}
		r.ResetRequests(start)
		assert.Equal(t, start, r.NRequests())
		_, err := r.RequestFinished(start)
		assert.True(t, errors.Is(err, utils.ErrOutOfRange))
		return nil
	})
	noErrors(t, errs)
}

func TestNonBlockingReceiveOrder(t *testing.T) {
	const nMsgs, rounds = 12, 50
	for _, threads := range []bool{false, true} {
		errs := RunWorld(2, Options{HaveThreads: threads}, func(r *Registry) error {
			assert.Equal(t, threads, r.HaveThreads())
			for round := 0; round < rounds; round++ {
				if r.MyProcNo(WorldComm) == 0 {
					// One more than the posted receives, for the blocking receive behind them
					for k := 0; k <= nMsgs; k++ {
						if err := r.Send(Blocking, 1, []byte{byte(k)}, 3, WorldComm); err != nil {
							return err
						}
					}
					continue
				}
				start := r.NRequests()
				reqs := make([]int, nMsgs)
				for k := range reqs {
					i, err := r.PostReceive(0, 3, WorldComm)
					if err != nil {
						return err
					}
					reqs[k] = i
				}
				assert.Equal(t, start, reqs[0])
				last, err := r.Receive(Blocking, 0, 3, WorldComm)
				if err != nil {
					return err
				}
				assert.Equal(t, []byte{nMsgs}, last, "threads %v round %d", threads, round)
				if err = r.WaitAllRequests(start); err != nil {
					return err
				}
				for k, i := range reqs {
					data, err := r.RequestData(i)
					if err != nil {
						return err
					}
					assert.Equal(t, []byte{byte(k)}, data, "threads %v round %d request %d", threads, round, k)
				}
				r.ResetRequests(start)
			}
			return nil
		})
		noErrors(t, errs)
	}
	{ // Without threads a receive only progresses once waited on
		errs := RunWorld(2, Options{}, func(r *Registry) error {
			if r.IsMaster(WorldComm) {
				return r.Send(Blocking, 1, []byte("x"), 4, WorldComm)
			}
			i, err := r.PostReceive(0, 4, WorldComm)
			if err != nil {
				return err
			}
			done, err := r.RequestFinished(i)
			if err != nil {
				return err
			}
			assert.False(t, done)
			data, err := r.RequestData(i)
			if err != nil {
				return err
			}
			assert.Equal(t, "x", string(data))
			done, _ = r.RequestFinished(i)
			assert.True(t, done)
			return nil
		})
		noErrors(t, errs)
	}
}

func TestSubCommunicatorTraffic(t *testing.T) {
	errs := RunWorld(4, Options{}, func(r *Registry) error {
		// Every worker allocates; only odd world ranks are members
		odd, err := r.AllocateCommunicator(WorldComm, []int{1, 3})
		if err != nil {
			return err
		}
		if r.MyProcNo(odd) < 0 {
			_, err = r.Receive(Blocking, 0, 0, odd)
			assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
			return nil
		}
		other := 1 - r.MyProcNo(odd)
		if err = r.Send(Blocking, other, []byte("hi"), 0, odd); err != nil {
			return err
		}
		buf, err := r.Receive(Blocking, other, 0, odd)
		if err != nil {
			return err
		}
		assert.Equal(t, "hi", string(buf))
		// Nothing is left over in this worker's queue
		ep := r.Transport().(*fabricEndpoint)
		assert.Equal(t, 0, ep.fabric.mb.Pending(ep.rank))
		return nil
	})
	noErrors(t, errs)
}

func TestRawCollectives(t *testing.T) {
	errs := RunWorld(3, Options{}, func(r *Registry) error {
		me := r.MyProcNo(WorldComm)
		{ // AllToAll + AllToAllv: worker p sends p+1 bytes of value p to worker q
			sendSizes := []int{me + 1, me + 1, me + 1}
			recvSizes, err := r.AllToAll(sendSizes, WorldComm)
			if err != nil {
				return err
			}
			assert.Equal(t, []int{1, 2, 3}, recvSizes)
			send := bytes.Repeat([]byte{byte(me)}, 3*(me+1))
			sendOffsets := []int{0, me + 1, 2 * (me + 1)}
			recv := make([]byte, 6)
			recvOffsets := []int{0, 1, 3}
			if err = r.AllToAllv(send, sendSizes, sendOffsets, recv, recvSizes, recvOffsets, WorldComm); err != nil {
				return err
			}
			assert.Equal(t, []byte{0, 1, 1, 2, 2, 2}, recv)
		}
		{ // GatherRaw then ScatterRaw back
			send := bytes.Repeat([]byte{byte(me + 5)}, me)
			var (
				all     []byte
				sizes   = []int{0, 1, 2}
				offsets = []int{0, 0, 1}
			)
			if r.IsMaster(WorldComm) {
				all = make([]byte, 3)
			}
			if err := r.GatherRaw(send, all, sizes, offsets, WorldComm); err != nil {
				return err
			}
			if r.IsMaster(WorldComm) {
				assert.Equal(t, []byte{6, 7, 7}, all)
			}
			back := make([]byte, me)
			if err := r.ScatterRaw(all, sizes, offsets, back, WorldComm); err != nil {
				return err
			}
			assert.Equal(t, send, back)
		}
		{ // Inconsistent layouts are rejected before any traffic
			err := r.AllToAllv(nil, []int{1, 1, 1}, []int{0, 1, 2}, nil, []int{0, 0, 0}, []int{0, 0, 0}, WorldComm)
			assert.True(t, errors.Is(err, utils.ErrSizeMismatch))
			_, err = r.AllToAll([]int{1}, WorldComm)
			assert.True(t, errors.Is(err, utils.ErrSizeMismatch))
		}
		return nil
	})
	noErrors(t, errs)
}

func TestAbortReleasesBlockedWorkers(t *testing.T) {
	errs := RunWorld(3, Options{}, func(r *Registry) error {
		if r.MyProcNo(WorldComm) == 2 {
			return errors.New("worker 2 gives up")
		}
		// Nobody ever sends this
		_, err := r.Receive(Blocking, 2, 99, WorldComm)
		assert.True(t, errors.Is(err, utils.ErrAborted))
		return nil
	})
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.EqualError(t, errs[2], "worker 2 gives up")
}

func TestRunWorldRecoversPanics(t *testing.T) {
	errs := RunWorld(2, Options{}, func(r *Registry) error {
		if r.IsMaster(WorldComm) {
			panic("boom")
		}
		_, err := r.Receive(Blocking, 0, 0, WorldComm)
		return err
	})
	assert.Contains(t, errs[0].Error(), "boom")
	assert.True(t, errors.Is(errs[1], utils.ErrAborted))
}

func TestFatal(t *testing.T) {
	var (
		buf  bytes.Buffer
		code = -1
		log  = zerolog.New(&buf)
	)
	exit := utils.Exit
	utils.Exit = func(c int) { code = c }
	defer func() { utils.Exit = exit }()

	fabric := NewFabric(2)
	r := NewRegistry(fabric.Endpoint(1), Options{Logger: &log})
	r.Fatal("gatherList", errors.Wrap(utils.ErrInvalidArgument, "list of 3 for 2 workers"),
		map[string]any{"comm": WorldComm})
	assert.Equal(t, 1, code)
	out := buf.String()
	assert.Contains(t, out, `"level":"fatal"`)
	assert.Contains(t, out, `"op":"gatherList"`)
	assert.Contains(t, out, `"rank":1`)
	assert.Contains(t, out, "list of 3 for 2 workers")
	// The peer is released
	_, err := fabric.Endpoint(0).Recv(1, WorldComm, 0)
	assert.True(t, errors.Is(err, utils.ErrAborted))
}

func TestParseCommsType(t *testing.T) {
	for _, ct := range []CommsType{Blocking, Scheduled, NonBlocking} {
		got, err := ParseCommsType(ct.String())
		require.NoError(t, err)
		assert.Equal(t, ct, got)
	}
	_, err := ParseCommsType("eager")
	assert.True(t, errors.Is(err, utils.ErrInvalidArgument))
}

func freeAddrs(t *testing.T, n int) (addrs []string) {
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs = append(addrs, l.Addr().String())
		require.NoError(t, l.Close())
	}
	return
}

func TestNetwork(t *testing.T) {
	var (
		addrs = freeAddrs(t, 3)
		wg    sync.WaitGroup
		errs  = make([]error, 3)
		ranks = make([]int, 3)
	)
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			nw := &Network{Addr: addr, Addrs: addrs, Password: "pw", Timeout: 10 * time.Second}
			if errs[i] = nw.Init(); errs[i] != nil {
				return
			}
			r := NewRegistry(nw, Options{})
			defer r.Close()
			me := r.MyProcNo(WorldComm)
			ranks[i] = me
			for p := 0; p < 3; p++ {
				if errs[i] = r.Send(Blocking, p, []byte{byte(me), byte(p)}, 3, WorldComm); errs[i] != nil {
					return
				}
			}
			for p := 0; p < 3; p++ {
				var buf []byte
				if buf, errs[i] = r.Receive(Blocking, p, 3, WorldComm); errs[i] != nil {
					return
				}
				assert.Equal(t, []byte{byte(p), byte(me)}, buf)
			}
			sizes, err := r.AllToAll([]int{me, me, me}, WorldComm)
			if errs[i] = err; err != nil {
				return
			}
			assert.Equal(t, []int{0, 1, 2}, sizes)
			// Everyone has received everything before anyone closes
			_, errs[i] = r.AllToAll([]int{0, 0, 0}, WorldComm)
		}(i, addr)
	}
	wg.Wait()
	noErrors(t, errs)
	assert.ElementsMatch(t, []int{0, 1, 2}, ranks)
}

func TestNetworkRejectsBadAddresses(t *testing.T) {
	nw := &Network{Addr: "127.0.0.1:1", Addrs: []string{"127.0.0.1:2", "127.0.0.1:3"}}
	assert.True(t, errors.Is(nw.Init(), utils.ErrInvalidArgument))
	nw = &Network{Addr: "127.0.0.1:2", Addrs: []string{"127.0.0.1:2", "127.0.0.1:2"}}
	assert.True(t, errors.Is(nw.Init(), utils.ErrInvalidArgument))
}
