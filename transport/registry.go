package transport

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/notargets/pstream/schedule"
	"github.com/notargets/pstream/utils"
)

const (
	// WorldComm is the id of the communicator spanning every worker.
	WorldComm = 0
	// MasterNo is the rank of the master within any communicator.
	MasterNo = 0
	// NoParent is the parent id of the world communicator.
	NoParent = -1

	DefaultNProcsSimpleSum = 16
	DefaultTreeFanOut      = 2
)

// Options tunes a Registry. Zero values select the defaults.
type Options struct {
	// NProcsSimpleSum is the crossover below which collectives use the
	// linear schedule instead of the tree.
	NProcsSimpleSum int
	TreeFanOut      int
	HaveThreads     bool
	Logger          *zerolog.Logger
}

// Communicator identifies a subset of the workers.
type Communicator struct {
	ID     int
	Parent int   // NoParent for the world
	Ranks  []int // world ranks; index is the rank within this communicator
	MyRank int   // -1 when this worker is not a member
}

// Registry is one worker's view of the group: the communicator table, the
// outstanding non-blocking requests and the schedule cache. It is created
// once at group start-up and closed at shutdown.
type Registry struct {
	t   Transport
	log zerolog.Logger

	nProcsSimpleSum int
	schedules       *schedule.Cache

	haveThreads bool

	mu          sync.Mutex
	comms       []*Communicator // index is the id; nil once freed
	freeComms   []int
	requests    []*request
	pendingRecv map[recvKey]*request // last posted receive per key
	worldNames  []string
	worldComms  map[string]int
}

func NewRegistry(t Transport, opts Options) *Registry {
	if opts.NProcsSimpleSum <= 0 {
		opts.NProcsSimpleSum = DefaultNProcsSimpleSum
	}
	if opts.TreeFanOut < 2 {
		opts.TreeFanOut = DefaultTreeFanOut
	}
	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.Nop()
	}
	r := &Registry{
		t:               t,
		log:             log.With().Int("rank", t.Rank()).Int("nProcs", t.Size()).Logger(),
		nProcsSimpleSum: opts.NProcsSimpleSum,
		schedules:       schedule.NewCache(opts.TreeFanOut),
		haveThreads:     opts.HaveThreads,
		worldComms:      make(map[string]int),
		pendingRecv:     make(map[recvKey]*request),
	}
	world := &Communicator{
		ID:     WorldComm,
		Parent: NoParent,
		Ranks:  make([]int, t.Size()),
		MyRank: t.Rank(),
	}
	for i := range world.Ranks {
		world.Ranks[i] = i
	}
	r.comms = []*Communicator{world}
	r.log.Debug().Msg("registry initialised")
	return r
}

// Close releases the transport. The registry must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.comms = nil
	r.freeComms = nil
	r.requests = nil
	r.mu.Unlock()
	r.schedules.Clear()
	return r.t.Close()
}

func (r *Registry) Transport() Transport       { return r.t }
func (r *Registry) Log() *zerolog.Logger       { return &r.log }
func (r *Registry) Schedules() *schedule.Cache { return r.schedules }
func (r *Registry) NProcsSimpleSum() int       { return r.nProcsSimpleSum }

// Parallel reports whether more than one worker takes part.
func (r *Registry) Parallel() bool { return r.t.Size() > 1 }

// HaveThreads reports whether non-blocking receives may progress on their
// own goroutines. It is fixed when the registry is created.
func (r *Registry) HaveThreads() bool { return r.haveThreads }

// Comm returns a copy of the communicator's description.
func (r *Registry) Comm(comm int) (c Communicator, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var p *Communicator
	if p, err = r.lookup(comm); err != nil {
		return
	}
	c = *p
	c.Ranks = slices.Clone(p.Ranks)
	return
}

func (r *Registry) lookup(comm int) (*Communicator, error) {
	if comm < 0 || comm >= len(r.comms) || r.comms[comm] == nil {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "communicator %d is not allocated", comm)
	}
	return r.comms[comm], nil
}

// mustLookup is used by the query methods; an unknown id there is a
// programming error.
func (r *Registry) mustLookup(comm int) *Communicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(comm)
	if err != nil {
		panic(err)
	}
	return c
}

// NProcs is the number of workers in comm.
func (r *Registry) NProcs(comm int) int { return len(r.mustLookup(comm).Ranks) }

// MyProcNo is this worker's rank in comm, -1 if not a member.
func (r *Registry) MyProcNo(comm int) int { return r.mustLookup(comm).MyRank }

func (r *Registry) Master(comm int) int { return MasterNo }

func (r *Registry) IsMaster(comm int) bool { return r.MyProcNo(comm) == MasterNo }

func (r *Registry) Parent(comm int) int { return r.mustLookup(comm).Parent }

// ProcIDs lists the world ranks of comm's members.
func (r *Registry) ProcIDs(comm int) []int { return slices.Clone(r.mustLookup(comm).Ranks) }

// WorldRank translates a rank within comm to a world rank.
func (r *Registry) WorldRank(comm, rank int) int {
	c := r.mustLookup(comm)
	if rank < 0 || rank >= len(c.Ranks) {
		panic(errors.Wrapf(utils.ErrInvalidArgument, "rank %d not in communicator %d of size %d",
			rank, comm, len(c.Ranks)))
	}
	return c.Ranks[rank]
}

// SubProcs lists the ranks of comm other than the master.
func (r *Registry) SubProcs(comm int) (procs []int) {
	n := r.NProcs(comm)
	for p := MasterNo + 1; p < n; p++ {
		procs = append(procs, p)
	}
	return
}

// AllocateCommunicator creates a communicator from the given ranks of
// parent. Every worker of parent must make the same call in the same order.
func (r *Registry) AllocateCommunicator(parent int, subRanks []int) (id int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var p *Communicator
	if p, err = r.lookup(parent); err != nil {
		return -1, err
	}
	seen := make(map[int]bool, len(subRanks))
	c := &Communicator{
		Parent: parent,
		Ranks:  make([]int, len(subRanks)),
		MyRank: -1,
	}
	for i, sub := range subRanks {
		if sub < 0 || sub >= len(p.Ranks) {
			return -1, errors.Wrapf(utils.ErrInvalidArgument,
				"rank %d is not in parent communicator %d of size %d", sub, parent, len(p.Ranks))
		}
		if seen[sub] {
			return -1, errors.Wrapf(utils.ErrInvalidArgument, "rank %d listed twice", sub)
		}
		seen[sub] = true
		c.Ranks[i] = p.Ranks[sub]
		if sub == p.MyRank {
			c.MyRank = i
		}
	}
	if n := len(r.freeComms); n > 0 {
		id = r.freeComms[n-1]
		r.freeComms = r.freeComms[:n-1]
		r.comms[id] = c
	} else {
		id = len(r.comms)
		r.comms = append(r.comms, c)
	}
	c.ID = id
	r.log.Debug().Int("comm", id).Int("parent", parent).Ints("ranks", c.Ranks).Msg("allocated communicator")
	return id, nil
}

// FreeCommunicator retires comm so its id can be reused.
func (r *Registry) FreeCommunicator(comm int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if comm == WorldComm {
		return errors.Wrap(utils.ErrInvalidArgument, "the world communicator cannot be freed")
	}
	if _, err := r.lookup(comm); err != nil {
		return errors.Wrap(err, "free communicator")
	}
	for id, c := range r.comms {
		if c != nil && c.Parent == comm {
			return errors.Wrapf(utils.ErrInvalidArgument, "communicator %d still has child %d", comm, id)
		}
	}
	r.comms[comm] = nil
	r.freeComms = append(r.freeComms, comm)
	r.log.Debug().Int("comm", comm).Msg("freed communicator")
	return nil
}

// SetWorlds names the world every worker belongs to and allocates one
// communicator per distinct name, in order of first appearance.
func (r *Registry) SetWorlds(names []string) error {
	if len(names) != r.t.Size() {
		return errors.Wrapf(utils.ErrInvalidArgument, "%d world names for %d workers", len(names), r.t.Size())
	}
	var order []string
	members := make(map[string][]int)
	for rank, name := range names {
		if name == "" {
			return errors.Wrapf(utils.ErrInvalidArgument, "rank %d has an empty world name", rank)
		}
		if _, ok := members[name]; !ok {
			order = append(order, name)
		}
		members[name] = append(members[name], rank)
	}
	comms := make(map[string]int, len(order))
	for _, name := range order {
		id, err := r.AllocateCommunicator(WorldComm, members[name])
		if err != nil {
			return err
		}
		comms[name] = id
	}
	r.mu.Lock()
	r.worldNames = slices.Clone(names)
	r.worldComms = comms
	r.mu.Unlock()
	return nil
}

// MyWorld is the world name of this worker, empty when SetWorlds was not
// called.
func (r *Registry) MyWorld() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.worldNames) == 0 {
		return ""
	}
	return r.worldNames[r.t.Rank()]
}

// AllWorlds lists the distinct world names in order of first appearance.
func (r *Registry) AllWorlds() (names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.worldNames {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return
}

func (r *Registry) WorldComm(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.worldComms[name]
	return id, ok
}

// WhichSchedule applies the selection policy for comm: the linear schedule
// below NProcsSimpleSum workers, the tree schedule otherwise.
func (r *Registry) WhichSchedule(comm int) schedule.Schedule {
	return r.schedules.Select(r.NProcs(comm), r.nProcsSimpleSum)
}

func (r *Registry) LinearSchedule(comm int) schedule.Schedule {
	return r.schedules.LinearSchedule(r.NProcs(comm))
}

func (r *Registry) TreeSchedule(comm int) schedule.Schedule {
	return r.schedules.TreeSchedule(r.NProcs(comm))
}

// Abort tears down the whole worker group.
func (r *Registry) Abort(err error) {
	r.log.Error().Err(err).Msg("aborting worker group")
	r.t.Abort(err)
}

// Fatal prints a structured diagnostic, aborts the whole group and exits.
// It is the end point for every misuse or corruption error.
func (r *Registry) Fatal(op string, err error, fields map[string]any) {
	r.log.WithLevel(zerolog.FatalLevel).
		Str("op", op).
		Fields(fields).
		Err(err).
		Msg("fatal error")
	r.t.Abort(err)
	utils.Exit(1)
}
