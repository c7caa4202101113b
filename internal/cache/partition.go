package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// FlushFunc synchronously persists a dirty slot's contents to its backing
// file. internal/target installs one on every partition when write-back
// is enabled, so Admit can flush a dirty LRU victim before reusing its
// slot instead of silently discarding an acknowledged write. It is never
// called in write-through mode, since commitWrite there already pushes
// every write to the backing file before the slot could be evicted dirty.
type FlushFunc func(id BlockID, buf []byte) error

// Partition is one NUMA-pinned shard of the host cache: a fixed pool of
// slots backed by one pinned buffer, a hash index over those slots, and
// an LRU list used for eviction. Every mutation of partition state -
// hash index, LRU list, free list, or any slot's metadata - happens
// under mu. There is no cross-partition locking or ordering: partitions
// are fully independent.
type Partition struct {
	node int
	cbs  uint32
	nb   int

	buffer  []byte // pinned, length == nb*cbs
	slots   []slot
	buckets []int32

	freeHead int32
	lruHead  int32
	lruTail  int32

	// Per-LUN dirty chains, local to this partition: write-back leaves a
	// slot's bytes unflushed and links it onto its LUN's chain here,
	// reusing the slot's dirtyNext/dirtyPrev fields. A LUN's full dirty
	// set spans every partition; the write-back flusher polls each
	// partition in turn for its oldest dirty slot belonging to that LUN.
	dirtyHead map[uint32]int32
	dirtyTail map[uint32]int32

	// flush is Admit's last resort for a dirty LRU victim: nil in
	// write-through mode, where it is never consulted.
	flush FlushFunc

	mu  sync.Mutex
	log *zap.Logger

	// hits/misses are diagnostic counters only, sampled by internal/diag;
	// they never feed eviction decisions (spec.md §4.4 fixes pure LRU).
	hits, misses atomic.Uint64
}

// SetFlushFunc installs the callback Admit uses to synchronously persist
// a dirty LRU victim before reusing its slot. Callers must install it
// before the partition serves any traffic if write-back is enabled;
// write-through callers never need to call it, since a slot is never
// marked dirty in that mode.
func (p *Partition) SetFlushFunc(f FlushFunc) {
	p.flush = f
}

// NewPartition builds a partition of nb = len(buffer)/cbs slots over a
// caller-supplied pinned buffer. buffer must already be pinned to node by
// the caller (see internal/numapin); Partition itself does no allocation.
//
// Construction fails if buffer is too small to hold at least one whole
// cbs-sized slot, since admit() on a zero-slot partition is a
// precondition violation, not a recoverable state.
func NewPartition(node int, buffer []byte, cbs uint32, log *zap.Logger) (*Partition, error) {
	if cbs == 0 {
		return nil, fmt.Errorf("cache: cache block size must be > 0")
	}

	nb := len(buffer) / int(cbs)
	if nb < 1 {
		return nil, fmt.Errorf("cache: buffer of %d bytes yields zero %d-byte slots", len(buffer), cbs)
	}

	p := &Partition{
		node:      node,
		cbs:       cbs,
		nb:        nb,
		buffer:    buffer,
		slots:     make([]slot, nb),
		buckets:   make([]int32, nb),
		dirtyHead: make(map[uint32]int32),
		dirtyTail: make(map[uint32]int32),
		log:       log,
	}

	for i := range p.buckets {
		p.buckets[i] = noLink
	}

	for i := range p.slots {
		s := &p.slots[i]
		s.buf = buffer[i*int(cbs) : (i+1)*int(cbs)]
		s.aNext, s.aPrev = noLink, noLink
		s.lruNext, s.lruPrev = noLink, noLink
		s.dirtyNext, s.dirtyPrev = noLink, noLink
	}

	p.lruHead, p.lruTail = noLink, noLink
	p.freeHead = noLink

	for i := nb - 1; i >= 0; i-- {
		p.freePush(int32(i))
	}

	return p, nil
}

// NumSlots reports how many cache blocks this partition holds.
func (p *Partition) NumSlots() int {
	return p.nb
}

// Node reports the NUMA node this partition is pinned to.
func (p *Partition) Node() int {
	return p.node
}

// Lock and Unlock expose the partition mutex so callers (the I/O engine,
// the flusher) can hold it across a whole hit/miss/fill sequence rather
// than re-entering per field access.
func (p *Partition) Lock()   { p.mu.Lock() }
func (p *Partition) Unlock() { p.mu.Unlock() }

// Lookup returns the slot index holding id, if present. Caller must hold
// the partition lock.
func (p *Partition) Lookup(id BlockID) (int32, bool) {
	return p.hashLookup(id)
}

// Slot returns a pointer to the slot at idx for direct buffer access.
// Caller must hold the partition lock for the duration of any use.
func (p *Partition) Slot(idx int32) *slot {
	return &p.slots[idx]
}

// Admit returns a slot ready to be filled with new contents: the free
// list head if one is available, otherwise the LRU tail (evicting
// whatever it currently holds). The returned slot is marked invalid with
// hit_count reset to zero; the caller still must call Publish once the
// fill completes.
//
// A dirty LRU-tail victim is never evicted silently: Admit flushes it
// synchronously through the installed FlushFunc first, honoring the
// read-after-write law for write-back writes that haven't reached the
// backing file yet. A slot that cannot be flushed right now (no
// FlushFunc installed, or the flush failed) is skipped in favor of the
// next least recently used slot, one step from the tail toward the LRU
// head, the same way an in-flight slot is skipped.
//
// Admit panics if the partition has zero slots, which can only happen if
// NewPartition's precondition was bypassed, or if every slot is
// in-flight or unflushable.
func (p *Partition) Admit() int32 {
	if p.nb == 0 {
		panic("cache: admit on a zero-slot partition")
	}

	if p.freeHead != noLink {
		idx := p.freeHead
		p.freePop(idx)
		p.slots[idx].hitCount = 0

		return idx
	}

	// Walk back from the LRU tail until we find a slot that is neither
	// in flight nor dirty-and-unflushable.
	idx := p.lruTail
	for idx != noLink {
		s := &p.slots[idx]

		switch s.dirty {
		case stateInFlight:
			idx = s.lruPrev
		case stateDirty:
			if p.flushVictim(idx) {
				goto evict
			}

			idx = s.lruPrev
		default:
			goto evict
		}
	}

	panic("cache: admit found no evictable slot (every slot is in flight or unflushable)")

evict:
	p.lruRemove(idx)
	p.hashRemove(idx)

	s := &p.slots[idx]
	s.valid = false
	s.dirty = stateClean
	s.hitCount = 0

	return idx
}

// flushVictim synchronously persists slot idx's contents through the
// installed FlushFunc and clears its dirty bookkeeping on success. It
// reports whether the slot is now safe to evict. A nil FlushFunc (no
// write-back configured) or a failed flush leaves the slot dirty and
// linked on its chain, so the caller must try the next slot toward the
// LRU head instead.
func (p *Partition) flushVictim(idx int32) bool {
	s := &p.slots[idx]

	if p.flush == nil {
		return false
	}

	if err := p.flush(s.id, s.buf); err != nil {
		if p.log != nil {
			p.log.Warn("cache: flush of dirty LRU victim failed, skipping eviction",
				zap.Uint32("target", s.id.Target), zap.Uint32("lun", s.id.LUN),
				zap.Uint64("cache_block", s.id.CacheBlock), zap.Error(err))
		}

		return false
	}

	p.ClearDirty(idx, s.id.LUN)

	return true
}

// Touch moves slot idx to the LRU head. Called on every hit or fill.
func (p *Partition) Touch(idx int32) {
	p.lruRemove(idx)
	p.lruPushHead(idx)
}

// Publish installs id as the identity of slot idx, marks it valid, and
// places it at the LRU head with hit_count reset to one. idx must have
// come from Admit and must not already be linked into the hash index or
// LRU list.
func (p *Partition) Publish(idx int32, id BlockID) {
	s := &p.slots[idx]
	s.id = id
	s.valid = true
	s.hitCount = 1

	p.hashInsert(idx)
	p.lruPushHead(idx)
}

// Invalidate removes id from the partition if present, returning it to
// the free list. It reports whether id was found.
func (p *Partition) Invalidate(id BlockID) bool {
	idx, ok := p.hashLookup(id)
	if !ok {
		return false
	}

	p.hashRemove(idx)
	p.lruRemove(idx)

	s := &p.slots[idx]
	s.valid = false
	s.dirty = stateClean

	p.freePush(idx)

	return true
}

// MarkDirty enqueues slot idx onto lun's dirty chain in this partition,
// at the tail, and marks it dirty. A slot already dirty or in flight is
// left alone: write-back coalesces repeated writes to the same block into
// one flush. Caller must hold the partition lock.
func (p *Partition) MarkDirty(idx int32, lun uint32) {
	s := &p.slots[idx]
	if s.dirty != stateClean {
		return
	}

	s.dirty = stateDirty
	s.dirtyNext, s.dirtyPrev = noLink, noLink

	if tail, ok := p.dirtyTail[lun]; ok && tail != noLink {
		p.slots[tail].dirtyNext = idx
		s.dirtyPrev = tail
	} else {
		p.dirtyHead[lun] = idx
	}

	p.dirtyTail[lun] = idx
}

// OldestDirty reports the oldest (head-of-queue) dirty slot for lun in
// this partition without removing it, and marks it in-flight so Admit
// will not evict it and MarkDirty will not re-enqueue it. Caller must
// hold the partition lock.
func (p *Partition) OldestDirty(lun uint32) (int32, bool) {
	idx, ok := p.dirtyHead[lun]
	if !ok || idx == noLink {
		return 0, false
	}

	p.slots[idx].dirty = stateInFlight

	return idx, true
}

// ClearDirty removes idx from lun's dirty chain and marks it clean, once
// its write-back flush has completed successfully. Caller must hold the
// partition lock.
func (p *Partition) ClearDirty(idx int32, lun uint32) {
	s := &p.slots[idx]

	if s.dirtyPrev != noLink {
		p.slots[s.dirtyPrev].dirtyNext = s.dirtyNext
	} else if s.dirtyNext == noLink {
		delete(p.dirtyHead, lun)
	} else {
		p.dirtyHead[lun] = s.dirtyNext
	}

	if s.dirtyNext != noLink {
		p.slots[s.dirtyNext].dirtyPrev = s.dirtyPrev
	} else if s.dirtyPrev == noLink {
		delete(p.dirtyTail, lun)
	} else {
		p.dirtyTail[lun] = s.dirtyPrev
	}

	s.dirtyNext, s.dirtyPrev = noLink, noLink
	s.dirty = stateClean
}

// Requeue reverts slot idx from in-flight back to dirty after a failed
// flush attempt, leaving it at the head of its LUN's dirty queue so the
// next sweep retries it. Caller must hold the partition lock.
func (p *Partition) Requeue(idx int32) {
	p.slots[idx].dirty = stateDirty
}

// BlockIDOf returns the identity currently held by slot idx. Caller must
// hold the partition lock.
func (p *Partition) BlockIDOf(idx int32) BlockID {
	return p.slots[idx].id
}

// BufferOf returns slot idx's pinned buffer, for the flusher's pwrite.
// Caller must hold the partition lock for the duration of any use.
func (p *Partition) BufferOf(idx int32) []byte {
	return p.slots[idx].buf
}

// IncHit and IncMiss tally hit/miss counts for diagnostics. They use
// their own atomics rather than the partition mutex since callers
// already hold it for the surrounding hit/miss protocol and a dedicated
// counter avoids adding contention there.
func (p *Partition) IncHit()  { p.hits.Add(1) }
func (p *Partition) IncMiss() { p.misses.Add(1) }

// HitMissCounts reports the cumulative hit/miss tally for diagnostics.
func (p *Partition) HitMissCounts() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}

// Occupancy reports how many of this partition's slots currently hold a
// valid identity, out of its total slot count. Caller must hold the
// partition lock.
func (p *Partition) Occupancy() (valid, total int) {
	for i := range p.slots {
		if p.slots[i].valid {
			valid++
		}
	}

	return valid, p.nb
}

// DirtyDepth reports how many slots are queued dirty or in-flight for
// lun in this partition. Caller must hold the partition lock.
func (p *Partition) DirtyDepth(lun uint32) int {
	n := 0

	for idx := p.dirtyHead[lun]; idx != noLink; idx = p.slots[idx].dirtyNext {
		n++
	}

	return n
}

// freePush links idx onto the free list head. It reuses the link-set-A
// fields, which are safe to repurpose because a slot is never both free
// and hash-indexed at once.
func (p *Partition) freePush(idx int32) {
	s := &p.slots[idx]
	s.aNext = p.freeHead
	s.aPrev = noLink

	if p.freeHead != noLink {
		p.slots[p.freeHead].aPrev = idx
	}

	p.freeHead = idx
}

// freePop unlinks idx from the free list. idx must currently be the free
// list head or reachable from it; this partition only ever pops the head,
// but the general unlink is kept for symmetry with hashRemove.
func (p *Partition) freePop(idx int32) {
	s := &p.slots[idx]

	if s.aPrev != noLink {
		p.slots[s.aPrev].aNext = s.aNext
	} else {
		p.freeHead = s.aNext
	}

	if s.aNext != noLink {
		p.slots[s.aNext].aPrev = s.aPrev
	}

	s.aNext, s.aPrev = noLink, noLink
}

// lruPushHead links idx at the most-recently-used end of the LRU list.
func (p *Partition) lruPushHead(idx int32) {
	s := &p.slots[idx]
	s.lruNext = p.lruHead
	s.lruPrev = noLink

	if p.lruHead != noLink {
		p.slots[p.lruHead].lruPrev = idx
	}

	p.lruHead = idx

	if p.lruTail == noLink {
		p.lruTail = idx
	}
}

// lruRemove unlinks idx from the LRU list, if it is currently linked.
func (p *Partition) lruRemove(idx int32) {
	s := &p.slots[idx]

	if s.lruPrev == noLink && s.lruNext == noLink && p.lruHead != idx && p.lruTail != idx {
		return // not linked
	}

	if s.lruPrev != noLink {
		p.slots[s.lruPrev].lruNext = s.lruNext
	} else {
		p.lruHead = s.lruNext
	}

	if s.lruNext != noLink {
		p.slots[s.lruNext].lruPrev = s.lruPrev
	} else {
		p.lruTail = s.lruPrev
	}

	s.lruNext, s.lruPrev = noLink, noLink
}
