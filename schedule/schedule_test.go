package schedule

import (
	"slices"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/pstream/utils"
)

func TestLinear(t *testing.T) {
	s := Linear(4)
	require.Len(t, s, 4)
	assert.Equal(t, None, s[0].Above)
	assert.Equal(t, []int{1, 2, 3}, s[0].Below)
	assert.Equal(t, []int{1, 2, 3}, s[0].AllBelow)
	assert.Empty(t, s[0].AllNotBelow)
	for rank := 1; rank < 4; rank++ {
		assert.Equal(t, 0, s[rank].Above)
		assert.Empty(t, s[rank].Below)
		assert.Empty(t, s[rank].AllBelow)
		assert.NotContains(t, s[rank].AllNotBelow, rank)
		assert.Contains(t, s[rank].AllNotBelow, 0)
		assert.Len(t, s[rank].AllNotBelow, 3)
	}
	assert.Equal(t, 1, s.Depth())
	assert.Nil(t, Linear(0))
}

func TestTreeShape(t *testing.T) {
	{ // Test seven ranks, binary fan-out
		s := Tree(7, 2)
		assert.Equal(t, []int{1, 4}, s[0].Below)
		assert.Equal(t, []int{2, 3}, s[1].Below)
		assert.Equal(t, []int{5, 6}, s[4].Below)
		assert.Equal(t, []int{5, 6}, s[4].AllBelow)
		assert.Equal(t, []int{0, 1, 2, 3}, s[4].AllNotBelow)
		assert.Equal(t, 4, s[6].Above)
		assert.Equal(t, 2, s.Depth())
	}
	{ // Test fan-out bound and subtree balance
		for _, fanOut := range []int{2, 3, 4} {
			for n := 2; n < 70; n++ {
				s := Tree(n, fanOut)
				for rank, node := range s {
					assert.LessOrEqual(t, len(node.Below), fanOut)
					var sizes []int
					for _, b := range node.Below {
						sizes = append(sizes, 1+len(s[b].AllBelow))
					}
					if len(sizes) > 0 {
						assert.LessOrEqual(t, slices.Max(sizes)-slices.Min(sizes), 1,
							"n=%d rank=%d sizes=%v", n, rank, sizes)
					}
				}
			}
		}
	}
	{ // Test depth grows logarithmically
		assert.Equal(t, 9, Tree(1000, 2).Depth())
		assert.Less(t, Tree(1000, 4).Depth(), Tree(1000, 2).Depth())
	}
}

func TestSchedulePartitionInvariant(t *testing.T) {
	for n := 1; n <= 130; n++ {
		for _, s := range []Schedule{Linear(n), Tree(n, 2), Tree(n, 5)} {
			require.NoError(t, Verify(s), "n=%d", n)
			count := make([]int, n)
			count[s.Root()]++
			for _, node := range s {
				for _, b := range node.Below {
					count[b]++
				}
			}
			for rank, c := range count {
				assert.Equal(t, 1, c, "n=%d rank=%d", n, rank)
			}
		}
	}
}

func TestScheduleDeterminism(t *testing.T) {
	for n := 1; n < 100; n++ {
		a, b := Tree(n, 2), Tree(n, 2)
		assert.True(t, a.Equal(b))
		assert.Equal(t, a, b)
		assert.True(t, Linear(n).Equal(Linear(n)))
	}
	assert.True(t, Linear(2).Equal(Tree(2, 2)))
	assert.False(t, Linear(5).Equal(Tree(5, 2)))
}

func TestVerifyRejects(t *testing.T) {
	{ // Test two roots
		s := Linear(3)
		s[2].Above = None
		assert.True(t, errors.Is(Verify(s), utils.ErrScheduleMismatch))
	}
	{ // Test stale allBelow
		s := Tree(6, 2)
		s[1].AllBelow = []int{2}
		assert.True(t, errors.Is(Verify(s), utils.ErrScheduleMismatch))
	}
	{ // Test child listed twice
		s := Linear(3)
		s[0].Below = []int{1, 1, 2}
		assert.Error(t, Verify(s))
	}
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	p1 := c.Get(9)
	p2 := c.Get(9)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Select(9, 16).Equal(Linear(9)))
	assert.True(t, c.Select(9, 9).Equal(Tree(9, 2)))
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
