package splitter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonybrook/tgt-numacache/internal/scsi"
)

// identityRouter puts every cache block in its own partition (partition
// id == cb id) and every partition on node 0, which is enough to test the
// splitting arithmetic in isolation from routing.
type identityRouter struct {
	nodes map[int]int // partition id -> node id, defaults to 0
}

func (r identityRouter) PartitionOf(cbID uint64) int { return int(cbID) }

func (r identityRouter) NodeOf(pid int) int {
	if r.nodes == nil {
		return 0
	}

	if n, ok := r.nodes[pid]; ok {
		return n
	}

	return 0
}

func Test_Split_Returns_ErrNotSplittable_For_Unsupported_Opcode(t *testing.T) {
	t.Parallel()

	s := New(4096, identityRouter{})
	cmd := &scsi.Command{Opcode: scsi.OpUnmap, Offset: 0, Length: 4096}

	_, err := s.Split(cmd)
	require.ErrorIs(t, err, scsi.ErrNotSplittable)
}

// Scenario 1 from the end-to-end test set: a single, block-aligned
// 4096-byte write produces exactly one sub-request covering the whole
// block.
func Test_Split_Single_Aligned_Block(t *testing.T) {
	t.Parallel()

	s := New(4096, identityRouter{})
	cmd := &scsi.Command{Opcode: scsi.OpWrite10, Offset: 0, Length: 4096}

	_, err := s.Split(cmd)
	require.NoError(t, err)
	require.Len(t, cmd.Sub, 1)

	sub := cmd.Sub[0]
	assert.EqualValues(t, 0, sub.FileOffset)
	assert.EqualValues(t, 0, sub.CacheBlockID)
	assert.EqualValues(t, 0, sub.InBlockOffset)
	assert.EqualValues(t, 0, sub.BufOffset)
	assert.EqualValues(t, 4096, sub.Length)
}

// Scenario 2: a two-block-spanning, block-aligned 8192-byte read
// produces two sub-requests, each covering one whole block.
func Test_Split_Two_Aligned_Blocks(t *testing.T) {
	t.Parallel()

	s := New(4096, identityRouter{})
	cmd := &scsi.Command{Opcode: scsi.OpRead10, Offset: 0, Length: 8192}

	_, err := s.Split(cmd)
	require.NoError(t, err)
	require.Len(t, cmd.Sub, 2)

	assert.EqualValues(t, 0, cmd.Sub[0].CacheBlockID)
	assert.EqualValues(t, 0, cmd.Sub[0].BufOffset)
	assert.EqualValues(t, 4096, cmd.Sub[0].Length)

	assert.EqualValues(t, 1, cmd.Sub[1].CacheBlockID)
	assert.EqualValues(t, 4096, cmd.Sub[1].BufOffset)
	assert.EqualValues(t, 4096, cmd.Sub[1].Length)
}

// An unaligned write of offset=100, length=8100 over B=4096 ends at byte
// 8200, so it covers three cache blocks: sub-requests of length 3996,
// 4096 and 8, with the last one at buffer offset 8092.
func Test_Split_Unaligned_Write_Matches_Worked_Scenario(t *testing.T) {
	t.Parallel()

	s := New(4096, identityRouter{})
	cmd := &scsi.Command{Opcode: scsi.OpWrite16, Offset: 100, Length: 8100}

	_, err := s.Split(cmd)
	require.NoError(t, err)
	require.Len(t, cmd.Sub, 3)

	first, middle, last := cmd.Sub[0], cmd.Sub[1], cmd.Sub[2]

	assert.EqualValues(t, 0, first.FileOffset)
	assert.EqualValues(t, 100, first.InBlockOffset)
	assert.EqualValues(t, 0, first.BufOffset)
	assert.EqualValues(t, 3996, first.Length)

	assert.EqualValues(t, 4096, middle.FileOffset)
	assert.EqualValues(t, 0, middle.InBlockOffset)
	assert.EqualValues(t, 3996, middle.BufOffset)
	assert.EqualValues(t, 4096, middle.Length)

	assert.EqualValues(t, 8192, last.FileOffset)
	assert.EqualValues(t, 0, last.InBlockOffset)
	assert.EqualValues(t, 8092, last.BufOffset)
	assert.EqualValues(t, 8, last.Length)

	total := first.Length + middle.Length + last.Length
	assert.EqualValues(t, 8100, total)
}

// Same worked scenario as Test_Split_Unaligned_Write_Matches_Worked_Scenario,
// but checked as one structural diff over the whole sub-request slice
// rather than field by field, so a regression in any single field (or an
// unexpected extra/missing sub-request) shows up as one readable diff.
func Test_Split_Unaligned_Write_Matches_Worked_Scenario_Structurally(t *testing.T) {
	t.Parallel()

	s := New(4096, identityRouter{})
	cmd := &scsi.Command{Opcode: scsi.OpWrite16, Offset: 100, Length: 8100}

	_, err := s.Split(cmd)
	require.NoError(t, err)

	want := []scsi.SubRequest{
		{FileOffset: 0, CacheBlockID: 0, InBlockOffset: 100, BufOffset: 0, Length: 3996, PartitionID: 0},
		{FileOffset: 4096, CacheBlockID: 1, InBlockOffset: 0, BufOffset: 3996, Length: 4096, PartitionID: 1},
		{FileOffset: 8192, CacheBlockID: 2, InBlockOffset: 0, BufOffset: 8092, Length: 8, PartitionID: 2},
	}

	if diff := cmp.Diff(want, cmd.Sub); diff != "" {
		t.Errorf("sub-requests mismatch (-want +got):\n%s", diff)
	}
}

func Test_PreferredNode_Picks_Largest_Tally(t *testing.T) {
	t.Parallel()

	router := identityRouter{nodes: map[int]int{
		0: 0, // cb 0 -> node 0
		1: 1, // cb 1 -> node 1
		2: 1, // cb 2 -> node 1
	}}
	s := New(4096, router)

	cmd := &scsi.Command{Opcode: scsi.OpRead10, Offset: 0, Length: 3 * 4096}

	node, err := s.Split(cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, node)
}

func Test_PreferredNode_Breaks_Ties_By_Lowest_Node_Id(t *testing.T) {
	t.Parallel()

	router := identityRouter{nodes: map[int]int{
		0: 3,
		1: 1,
	}}
	s := New(4096, router)

	cmd := &scsi.Command{Opcode: scsi.OpRead10, Offset: 0, Length: 2 * 4096}

	node, err := s.Split(cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, node)
}
