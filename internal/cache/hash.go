package cache

// The hash index maps (target, LUN, cache-block-id) to a slot within one
// partition. Bucket count always equals the slot count (nb); the bucket
// key is cb_id mod nb. Each bucket is an intrusive doubly-linked chain
// through the slots' link-set-A fields, so lookup is a linear scan within
// one bucket and insert/remove are O(1) given a slot index.
//
// All of these operate on a single partition's state and assume the
// caller holds the partition's mutex.

func bucketOf(id BlockID, nb int) int {
	return int(id.CacheBlock % uint64(nb))
}

// hashLookup scans the bucket chain for cb_id and returns the slot index,
// or (0, false) if absent. Pure: it does not mutate chain order.
func (p *Partition) hashLookup(id BlockID) (int32, bool) {
	b := bucketOf(id, p.nb)

	for idx := p.buckets[b]; idx != noLink; idx = p.slots[idx].aNext {
		s := &p.slots[idx]
		if s.id == id {
			return idx, true
		}
	}

	return 0, false
}

// hashInsert links slot idx into its bucket chain head.
// Precondition: slot idx is not currently in any bucket chain.
func (p *Partition) hashInsert(idx int32) {
	s := &p.slots[idx]
	b := bucketOf(s.id, p.nb)

	head := p.buckets[b]
	s.aNext = head
	s.aPrev = noLink

	if head != noLink {
		p.slots[head].aPrev = idx
	}

	p.buckets[b] = idx
}

// hashRemove unlinks slot idx from its bucket chain.
// Precondition: slot idx is currently in its bucket chain.
func (p *Partition) hashRemove(idx int32) {
	s := &p.slots[idx]
	b := bucketOf(s.id, p.nb)

	if s.aPrev != noLink {
		p.slots[s.aPrev].aNext = s.aNext
	} else {
		p.buckets[b] = s.aNext
	}

	if s.aNext != noLink {
		p.slots[s.aNext].aPrev = s.aPrev
	}

	s.aNext, s.aPrev = noLink, noLink
}
