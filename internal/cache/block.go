// Package cache implements the NUMA-partitioned block cache: fixed-size
// pinned slots, a hash-indexed lookup, LRU eviction, and the per-partition
// mutex that serializes all mutation of a partition's state.
package cache

// BlockID identifies a cache block uniquely within a host: the target and
// LUN it belongs to, plus the cache-block-id (a backing-file offset divided
// by the cache block size B).
type BlockID struct {
	Target     uint32
	LUN        uint32
	CacheBlock uint64
}

// dirtyState tracks the write-back status of a slot's contents.
type dirtyState uint8

const (
	stateClean dirtyState = iota
	stateDirty
	stateInFlight
)

// noLink is the sentinel used in place of a slot index to mean "not linked".
const noLink = -1

// slot is one fixed-size cache block: its identity, its pinned buffer, and
// its intrusive membership in exactly one of {free list, hash-bucket chain},
// at most one LRU list, and at most one per-LUN dirty list.
//
// A slot is created once during partition initialization and recycled for
// the life of the partition; it is never freed until the partition is torn
// down.
type slot struct {
	valid    bool
	dirty    dirtyState
	id       BlockID
	hitCount uint64
	buf      []byte // view into the partition's pinned buffer, length == cbs

	// Link set A: free-list membership (slot invalid) XOR hash-bucket chain
	// membership (slot valid). These are mutually exclusive states so the
	// same pair of fields safely serves both lists; see Partition.freePush.
	aNext, aPrev int32

	// Link set B: LRU list membership. Only meaningful while valid.
	lruNext, lruPrev int32

	// Link set C: per-LUN dirty-list membership, owned by the write-back
	// flusher. Only meaningful while dirty or in-flight.
	dirtyNext, dirtyPrev int32
}
