package schedule

import "sync"

// Pair holds both schedules for one worker count.
type Pair struct {
	Linear Schedule
	Tree   Schedule
}

// Cache computes schedules the first time a worker count is requested and
// hands out the same values afterwards. Cached schedules must not be
// modified by callers.
type Cache struct {
	fanOut int

	mu    sync.Mutex
	pairs map[int]*Pair
}

func NewCache(fanOut int) *Cache {
	return &Cache{
		fanOut: fanOut,
		pairs:  make(map[int]*Pair),
	}
}

func (c *Cache) Get(nProcs int) *Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pairs[nProcs]; ok {
		return p
	}
	p := &Pair{
		Linear: Linear(nProcs),
		Tree:   Tree(nProcs, c.fanOut),
	}
	c.pairs[nProcs] = p
	return p
}

func (c *Cache) LinearSchedule(nProcs int) Schedule { return c.Get(nProcs).Linear }
func (c *Cache) TreeSchedule(nProcs int) Schedule   { return c.Get(nProcs).Tree }

// Select returns the linear schedule below the simple-sum crossover and the
// tree schedule at or above it.
func (c *Cache) Select(nProcs, nProcsSimpleSum int) Schedule {
	if nProcs < nProcsSimpleSum {
		return c.LinearSchedule(nProcs)
	}
	return c.TreeSchedule(nProcs)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.pairs)
}
