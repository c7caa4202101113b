// Package splitter decomposes an arbitrary-offset, arbitrary-length SCSI
// command into cache-block-aligned sub-requests, and chooses which NUMA
// node should service the resulting command.
package splitter

import (
	"fmt"

	"github.com/stonybrook/tgt-numacache/internal/scsi"
)

// PartitionRouter is the subset of the host cache the splitter needs: the
// pure, lock-free block-id-to-partition and partition-to-node mapping.
type PartitionRouter interface {
	PartitionOf(cbID uint64) int
	NodeOf(partitionID int) int
}

// Splitter decomposes commands against one host cache's routing.
type Splitter struct {
	cbs    int64 // B, cache block size in bytes
	router PartitionRouter
}

// New builds a Splitter over a cache-block size and a routing table.
func New(cacheBlockSize int64, router PartitionRouter) *Splitter {
	return &Splitter{cbs: cacheBlockSize, router: router}
}

// Split decomposes cmd into cache-block-aligned sub-requests and reports
// the preferred servicing node. It returns scsi.ErrNotSplittable for any
// opcode outside the supported READ/WRITE set, in which case the caller
// should fall back to the plain pread/pwrite path.
func (s *Splitter) Split(cmd *scsi.Command) (int, error) {
	if !cmd.Opcode.Splittable() {
		return 0, scsi.ErrNotSplittable
	}

	B := s.cbs
	offset := cmd.Offset
	length := cmd.Length

	if length <= 0 {
		return 0, fmt.Errorf("%w: zero-length transfer", scsi.ErrInvalidField)
	}

	a := offset - (offset % B)
	lastByte := offset + length - 1
	b := (lastByte - (lastByte % B)) + B
	n := (b - a) / B

	subs := make([]scsi.SubRequest, 0, n)

	for i := int64(0); i < n; i++ {
		cbOffset := a + i*B
		cbID := uint64(cbOffset / B)

		var inBlockOffset, bufOffset, subLen int64

		switch {
		case n == 1:
			inBlockOffset = offset - a
			bufOffset = 0
			subLen = length
		case i == 0:
			inBlockOffset = offset - a
			bufOffset = 0
			subLen = B - (offset - a)
		case i == n-1:
			inBlockOffset = 0
			bufOffset = i*B - (offset - a)
			subLen = B - (b - (offset + length))
		default:
			inBlockOffset = 0
			bufOffset = i*B - (offset - a)
			subLen = B
		}

		pid := s.router.PartitionOf(cbID)

		subs = append(subs, scsi.SubRequest{
			Target:        cmd.Target,
			LUN:           cmd.LUN,
			FileOffset:    cbOffset,
			CacheBlockID:  cbID,
			InBlockOffset: inBlockOffset,
			BufOffset:     bufOffset,
			Length:        subLen,
			PartitionID:   pid,
		})
	}

	cmd.Sub = subs

	return s.preferredNode(subs), nil
}

// preferredNode tallies partition-id occurrences by the node each
// partition lives on and returns the node with the largest tally, ties
// broken by lowest node id.
func (s *Splitter) preferredNode(subs []scsi.SubRequest) int {
	tally := make(map[int]int)

	for _, sub := range subs {
		node := s.router.NodeOf(sub.PartitionID)
		tally[node]++
	}

	best, bestCount := -1, -1

	for node, count := range tally {
		if count > bestCount || (count == bestCount && node < best) {
			best, bestCount = node, count
		}
	}

	return best
}
