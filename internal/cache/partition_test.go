package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPartition(t *testing.T, nb int, cbs uint32) *Partition {
	t.Helper()

	buf := make([]byte, int(cbs)*nb)

	p, err := NewPartition(0, buf, cbs, nil)
	require.NoError(t, err)

	return p
}

func Test_NewPartition_Returns_Error_When_Buffer_Yields_Zero_Slots(t *testing.T) {
	t.Parallel()

	_, err := NewPartition(0, make([]byte, 100), 4096, nil)
	require.Error(t, err)
}

func Test_NewPartition_Returns_Error_When_CacheBlockSize_Is_Zero(t *testing.T) {
	t.Parallel()

	_, err := NewPartition(0, make([]byte, 4096), 0, nil)
	require.Error(t, err)
}

func Test_Publish_Then_Lookup_Finds_Same_Slot(t *testing.T) {
	t.Parallel()

	p := newTestPartition(t, 4, 4096)
	id := BlockID{Target: 1, LUN: 2, CacheBlock: 7}

	idx := p.Admit()
	p.Publish(idx, id)

	got, ok := p.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, idx, got)
}

func Test_Invalidate_Removes_Slot_From_Index_And_Returns_It_To_Free_List(t *testing.T) {
	t.Parallel()

	p := newTestPartition(t, 2, 4096)
	id := BlockID{Target: 1, LUN: 1, CacheBlock: 1}

	idx := p.Admit()
	p.Publish(idx, id)

	removed := p.Invalidate(id)
	require.True(t, removed)

	_, ok := p.Lookup(id)
	assert.False(t, ok)

	// The freed slot must be reusable via Admit without evicting anything else.
	reAdmitted := p.Admit()
	assert.Equal(t, idx, reAdmitted)
}

func Test_Invalidate_Reports_False_When_Block_Not_Present(t *testing.T) {
	t.Parallel()

	p := newTestPartition(t, 2, 4096)

	removed := p.Invalidate(BlockID{Target: 9, LUN: 9, CacheBlock: 9})
	assert.False(t, removed)
}

// Filling every slot then admitting one more must evict the least
// recently touched block, not simply the oldest inserted one.
func Test_Admit_Evicts_Least_Recently_Used_Slot_When_Partition_Full(t *testing.T) {
	t.Parallel()

	p := newTestPartition(t, 3, 4096)

	ids := []BlockID{
		{CacheBlock: 0}, {CacheBlock: 1}, {CacheBlock: 2},
	}

	for _, id := range ids {
		idx := p.Admit()
		p.Publish(idx, id)
	}

	// Touch block 0 so block 1 becomes the least recently used.
	idx0, ok := p.Lookup(ids[0])
	require.True(t, ok)
	p.Touch(idx0)

	victim := p.Admit()
	evictedID := p.Slot(victim).id

	assert.Equal(t, ids[1], evictedID)

	// Blocks 0 and 2 must still be resolvable; block 1 must be gone.
	_, stillThere0 := p.Lookup(ids[0])
	_, stillThere2 := p.Lookup(ids[2])
	_, gone1 := p.Lookup(ids[1])

	assert.True(t, stillThere0)
	assert.True(t, stillThere2)
	assert.False(t, gone1)
}

func Test_Admit_Panics_When_Partition_Has_Zero_Slots(t *testing.T) {
	t.Parallel()

	p := &Partition{nb: 0, freeHead: noLink, lruHead: noLink, lruTail: noLink}

	assert.Panics(t, func() {
		p.Admit()
	})
}

// Every valid slot must be reachable from lookup by its own identity, and
// the set of valid slots must equal the set of slots linked into the LRU
// list - no slot is both free and hash-indexed at once.
func Test_Every_Valid_Slot_Is_Lookupable_And_In_LRU(t *testing.T) {
	t.Parallel()

	p := newTestPartition(t, 4, 4096)

	ids := []BlockID{{CacheBlock: 10}, {CacheBlock: 20}, {CacheBlock: 30}}
	for _, id := range ids {
		idx := p.Admit()
		p.Publish(idx, id)
	}

	lruCount := 0
	for idx := p.lruHead; idx != noLink; idx = p.slots[idx].lruNext {
		lruCount++
		assert.True(t, p.slots[idx].valid)
	}

	assert.Equal(t, len(ids), lruCount)

	for _, id := range ids {
		_, ok := p.Lookup(id)
		assert.True(t, ok)
	}
}
