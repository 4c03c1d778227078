package utils

import (
	"fmt"
	"sync"
)

// MailBox delivers messages of type T between NP workers. Each worker owns
// one receive queue; posting never blocks, receiving blocks until a message
// matching the caller's predicate arrives or the box is aborted.
type MailBox[T any] struct {
	NP           int
	receiveMsgQs []*mailQueue[T] // One for each thread

	abortMu  sync.Mutex
	abortErr error
}

type mailQueue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cells []T
}

func NewMailBox[T any](NP int) *MailBox[T] {
	mb := &MailBox[T]{
		NP:           NP,
		receiveMsgQs: make([]*mailQueue[T], NP),
	}
	for n := 0; n < NP; n++ {
		q := &mailQueue[T]{}
		q.cond = sync.NewCond(&q.mu)
		mb.receiveMsgQs[n] = q
	}
	return mb
}

func (mb *MailBox[T]) PostMessage(targetThread int, msg T) error {
	if targetThread < 0 || targetThread > mb.NP-1 {
		panic(fmt.Sprintf("Target thread %d out of bounds", targetThread))
	}
	if err := mb.Aborted(); err != nil {
		return err
	}
	q := mb.receiveMsgQs[targetThread]
	q.mu.Lock()
	q.cells = append(q.cells, msg)
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}

// ReceiveMessage removes and returns the oldest message in myThread's queue
// for which match is true, blocking until one is posted.
func (mb *MailBox[T]) ReceiveMessage(myThread int, match func(T) bool) (msg T, err error) {
	q := mb.receiveMsgQs[myThread]
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if i := q.find(match); i >= 0 {
			msg = q.take(i)
			return
		}
		if err = mb.Aborted(); err != nil {
			return
		}
		q.cond.Wait()
	}
}

// Pending is the number of messages queued for myThread and not yet
// received.
func (mb *MailBox[T]) Pending(myThread int) int {
	q := mb.receiveMsgQs[myThread]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cells)
}

// Abort wakes every blocked receiver; they and all later posts return err.
func (mb *MailBox[T]) Abort(err error) {
	mb.abortMu.Lock()
	if mb.abortErr == nil {
		mb.abortErr = err
	}
	mb.abortMu.Unlock()
	for _, q := range mb.receiveMsgQs {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (mb *MailBox[T]) Aborted() error {
	mb.abortMu.Lock()
	defer mb.abortMu.Unlock()
	return mb.abortErr
}

func (q *mailQueue[T]) find(match func(T) bool) int {
	for i, msg := range q.cells {
		if match == nil || match(msg) {
			return i
		}
	}
	return -1
}

func (q *mailQueue[T]) take(i int) (msg T) {
	msg = q.cells[i]
	copy(q.cells[i:], q.cells[i+1:])
	var zero T
	q.cells[len(q.cells)-1] = zero
	q.cells = q.cells[:len(q.cells)-1]
	return
}

// PartitionMap splits MaxIndex items into ParallelDegree contiguous buckets
// whose sizes differ by at most one.
type PartitionMap struct {
	MaxIndex       int // MaxIndex is partitioned into ParallelDegree partitions
	ParallelDegree int
	Partitions     [][2]int // Beginning and end index of partitions
}

func NewPartitionMap(ParallelDegree, maxIndex int) (pm *PartitionMap) {
	pm = &PartitionMap{
		MaxIndex:       maxIndex,
		ParallelDegree: ParallelDegree,
		Partitions:     make([][2]int, ParallelDegree),
	}
	for n := 0; n < ParallelDegree; n++ {
		pm.Partitions[n] = pm.Split1D(n)
	}
	return
}

func (pm *PartitionMap) GetBucket(kDim int) (bucketNum, min, max int) {
	_, bucketNum, min, max = pm.getBucketWithTryCount(kDim)
	return
}

func (pm *PartitionMap) getBucketWithTryCount(kDim int) (tryCount, bucketNum, min, max int) {
	if kDim < 0 || kDim >= pm.MaxIndex {
		return 0, -1, 0, 0
	}
	// Initial guess, then walk toward the bucket holding kDim
	bucketNum = int(float64(pm.ParallelDegree*kDim) / float64(pm.MaxIndex))
	for !(pm.Partitions[bucketNum][0] <= kDim && pm.Partitions[bucketNum][1] > kDim) {
		if pm.Partitions[bucketNum][0] > kDim {
			bucketNum--
		} else {
			bucketNum++
		}
		if bucketNum == -1 || bucketNum == pm.ParallelDegree {
			return 0, -1, 0, 0
		}
		tryCount++
	}
	min, max = pm.Partitions[bucketNum][0], pm.Partitions[bucketNum][1]
	return
}

func (pm *PartitionMap) GetBucketRange(bucketNum int) (kMin, kMax int) {
	kMin, kMax = pm.Partitions[bucketNum][0], pm.Partitions[bucketNum][1]
	return
}

// GetLocalK maps a global index to (local index, bucket size, bucket).
func (pm *PartitionMap) GetLocalK(baseK int) (k, Kmax, bn int) {
	var (
		kmin, kmax int
	)
	bn, kmin, kmax = pm.GetBucket(baseK)
	Kmax = kmax - kmin
	k = baseK - kmin
	return
}

func (pm *PartitionMap) GetGlobalK(kLocal, bn int) (kGlobal int) {
	if bn == -1 {
		kGlobal = kLocal
		return
	}
	kGlobal = pm.Partitions[bn][0] + kLocal
	return
}

func (pm *PartitionMap) GetBucketDimension(bn int) (kMax int) {
	if bn == -1 {
		kMax = pm.MaxIndex
		return
	}
	var (
		k1, k2 = pm.GetBucketRange(bn)
	)
	kMax = k2 - k1
	return
}

// Sizes returns the bucket dimensions in bucket order.
func (pm *PartitionMap) Sizes() (sizes []int) {
	sizes = make([]int, pm.ParallelDegree)
	for bn := range sizes {
		sizes[bn] = pm.GetBucketDimension(bn)
	}
	return
}

func (pm *PartitionMap) Split1D(threadNum int) (bucket [2]int) {
	// Splits one dimension into ParallelDegree pieces, with a maximum imbalance of one item
	var (
		Npart            = pm.MaxIndex / (pm.ParallelDegree)
		startAdd, endAdd int
		remainder        int
	)
	remainder = pm.MaxIndex % pm.ParallelDegree
	if remainder != 0 { // spread the remainder over the first chunks evenly
		if threadNum+1 > remainder {
			startAdd = remainder
			endAdd = 0
		} else {
			startAdd = threadNum
			endAdd = 1
		}
	}
	bucket[0] = threadNum*Npart + startAdd
	bucket[1] = bucket[0] + Npart + endAdd
	return
}
