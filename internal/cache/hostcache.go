package cache

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/numapin"
)

// HostCache is the whole NUMA-aware cache: N nodes times W partitions per
// node, addressed by pure arithmetic with no locking of its own. Every
// read of PartitionOf/NodeOf is lock-free; all mutation lives inside the
// individual Partitions it holds.
type HostCache struct {
	nodes int
	way   int
	group uint64
	cbs   uint32

	partitions []*Partition
	pinner     *numapin.Pinner
	log        *zap.Logger
}

// HostCacheConfig parameterizes host cache construction.
type HostCacheConfig struct {
	// BufferSize is the total pinned byte budget across every partition
	// on every node; it is split evenly across Nodes*Way partitions.
	BufferSize     int
	CacheBlockSize uint32
	Way            int
	Group          uint64
}

// NewHostCache builds one Partition per (node, way) pair, binding and
// allocating each partition's buffer on its node via pinner before
// constructing it. Construction is all-or-nothing: if any partition
// fails to bind or allocate, every buffer allocated so far is released
// and the error is returned.
func NewHostCache(pinner *numapin.Pinner, cfg HostCacheConfig, log *zap.Logger) (*HostCache, error) {
	if cfg.Way < 1 {
		return nil, fmt.Errorf("cache: way must be >= 1, got %d", cfg.Way)
	}

	if cfg.Group < 1 {
		return nil, fmt.Errorf("cache: group must be >= 1, got %d", cfg.Group)
	}

	nodes := pinner.NodeCount()
	total := nodes * cfg.Way

	if total < 1 {
		return nil, fmt.Errorf("cache: nodes*way must be >= 1")
	}

	perPartition := cfg.BufferSize / total
	if perPartition < int(cfg.CacheBlockSize) {
		return nil, fmt.Errorf("cache: buffer size %d split across %d partitions yields %d bytes, "+
			"smaller than one cache block (%d bytes)", cfg.BufferSize, total, perPartition, cfg.CacheBlockSize)
	}

	hc := &HostCache{
		nodes:      nodes,
		way:        cfg.Way,
		group:      cfg.Group,
		cbs:        cfg.CacheBlockSize,
		partitions: make([]*Partition, total),
		pinner:     pinner,
		log:        log,
	}

	for pid := 0; pid < total; pid++ {
		node := pid / cfg.Way

		buf, err := pinner.BindAndAlloc(node, perPartition)
		if err != nil {
			hc.release(pid)
			return nil, fmt.Errorf("cache: partition %d on node %d: %w", pid, node, err)
		}

		p, err := NewPartition(node, buf, cfg.CacheBlockSize, log)
		if err != nil {
			_ = pinner.Free(buf)
			hc.release(pid)

			return nil, fmt.Errorf("cache: partition %d on node %d: %w", pid, node, err)
		}

		hc.partitions[pid] = p
	}

	if log != nil {
		log.Info("host cache constructed",
			zap.Int("nodes", nodes), zap.Int("way", cfg.Way), zap.Int("partitions", total),
			zap.Int("bytes_per_partition", perPartition))
	}

	return hc, nil
}

// release frees every partition buffer already constructed in [0, upTo),
// used to unwind a failed all-or-nothing construction.
func (hc *HostCache) release(upTo int) {
	for i := 0; i < upTo; i++ {
		if hc.partitions[i] != nil {
			_ = hc.pinner.Free(hc.partitions[i].buffer)
		}
	}
}

// Close releases every partition's pinned buffer.
func (hc *HostCache) Close() error {
	var firstErr error

	for _, p := range hc.partitions {
		if p == nil {
			continue
		}

		if err := hc.pinner.Free(p.buffer); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// PartitionOf computes the partition id owning cbID: (cbID/G) mod (N*W).
func (hc *HostCache) PartitionOf(cbID uint64) int {
	return int((cbID / hc.group) % uint64(hc.nodes*hc.way))
}

// NodeOf computes the NUMA node a partition id lives on: partitionID/W.
func (hc *HostCache) NodeOf(partitionID int) int {
	return partitionID / hc.way
}

// Partition returns the partition for a given cache-block id.
func (hc *HostCache) Partition(cbID uint64) *Partition {
	return hc.partitions[hc.PartitionOf(cbID)]
}

// PartitionByID returns the partition with the given partition id directly.
func (hc *HostCache) PartitionByID(pid int) *Partition {
	return hc.partitions[pid]
}

// NumPartitions reports the total partition count (N*W).
func (hc *HostCache) NumPartitions() int {
	return len(hc.partitions)
}

// CacheBlockSize returns the fixed size of every cache block in bytes.
func (hc *HostCache) CacheBlockSize() uint32 {
	return hc.cbs
}
