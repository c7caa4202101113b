package ioengine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/stonybrook/tgt-numacache/internal/scsi"
)

// unmapDescriptorSize is the length in bytes of one UNMAP block
// descriptor: an 8-byte LBA, a 4-byte block count, and 4 reserved bytes.
const unmapDescriptorSize = 16

// unmapDescriptorsOffset is the byte offset of the first descriptor
// within the UNMAP parameter list.
const unmapDescriptorsOffset = 8

// SyncCache issues a data-sync on the backing file for SYNCHRONIZE_CACHE
// and SYNCHRONIZE_CACHE_16. These bypass the cache and splitter entirely:
// there is nothing cache-block-shaped about flushing a whole LUN.
func (e *Engine) SyncCache(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	if cmd.Offset < 0 || cmd.Length < 0 {
		return fmt.Errorf("%w: negative offset or length", scsi.ErrInvalidField)
	}

	return lun.Store.Sync(ctx, lun.FD)
}

// WriteSame implements WRITE_SAME/WRITE_SAME_16: with the unmap bit set
// it punches a hole over the whole range; otherwise it writes cmd.Buffer
// (one cache-block-sized pattern) repeated block by block, optionally
// substituting each written block's own LBA (LBDATA, 4 bytes) or file
// offset (PBDATA, 8 bytes) into its leading bytes per LBASub/PBData.
func (e *Engine) WriteSame(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	if cmd.Length <= 0 {
		return fmt.Errorf("%w: zero-length WRITE SAME range", scsi.ErrInvalidField)
	}

	if cmd.Unmap {
		return lun.Store.PunchHole(ctx, lun.FD, cmd.Offset, cmd.Length)
	}

	blockLen := int64(len(cmd.Buffer))
	if blockLen == 0 || cmd.Length%blockLen != 0 {
		return fmt.Errorf("%w: WRITE SAME range is not a multiple of the pattern block", scsi.ErrInvalidField)
	}

	pattern := make([]byte, blockLen)
	copy(pattern, cmd.Buffer)

	nblocks := cmd.Length / blockLen

	for i := int64(0); i < nblocks; i++ {
		off := cmd.Offset + i*blockLen

		block := pattern
		if cmd.LBASub {
			block = append([]byte(nil), pattern...)

			if cmd.PBData {
				binary.BigEndian.PutUint64(block[:8], uint64(off))
			} else {
				lba := uint32(off >> cmd.BlockShift)
				binary.BigEndian.PutUint32(block[:4], lba)
			}
		}

		if _, err := lun.Store.WriteAt(ctx, lun.FD, block, off); err != nil {
			return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
		}
	}

	return nil
}

// CompareAndWrite reads the first half of cmd.Buffer's worth of bytes
// from the backing file, compares it to the first half of cmd.Buffer,
// and on any mismatch returns a miscompare error carrying the offset of
// the first differing byte within the compared range (not an absolute
// file offset). On a full match it writes the second half.
func (e *Engine) CompareAndWrite(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	half := len(cmd.Buffer) / 2
	if half == 0 || len(cmd.Buffer)%2 != 0 {
		return fmt.Errorf("%w: COMPARE AND WRITE buffer must be an even split", scsi.ErrInvalidField)
	}

	existing := make([]byte, half)

	if _, err := lun.Store.ReadAt(ctx, lun.FD, existing, cmd.Offset); err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	compareBuf := cmd.Buffer[:half]
	if diff := firstDiff(existing, compareBuf); diff >= 0 {
		return miscompareError(int64(diff))
	}

	writeBuf := cmd.Buffer[half:]
	if _, err := lun.Store.WriteAt(ctx, lun.FD, writeBuf, cmd.Offset); err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	return nil
}

// OrWrite reads the existing bytes at cmd.Offset, bitwise-ORs them with
// cmd.Buffer, and writes the result back, for ORWRITE_16.
func (e *Engine) OrWrite(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	existing := make([]byte, len(cmd.Buffer))

	if _, err := lun.Store.ReadAt(ctx, lun.FD, existing, cmd.Offset); err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	for i := range existing {
		existing[i] |= cmd.Buffer[i]
	}

	if _, err := lun.Store.WriteAt(ctx, lun.FD, existing, cmd.Offset); err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	return nil
}

// Verify reads cmd.Length bytes at cmd.Offset and compares them to
// cmd.Buffer, reporting a miscompare at the first differing byte's offset
// within the compared range (not an absolute file offset).
func (e *Engine) Verify(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	existing := make([]byte, cmd.Length)

	if _, err := lun.Store.ReadAt(ctx, lun.FD, existing, cmd.Offset); err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	if diff := firstDiff(existing, cmd.Buffer); diff >= 0 {
		return miscompareError(int64(diff))
	}

	return nil
}

// PreFetch advises the kernel that cmd's range will be needed soon, for
// PRE_FETCH{_16}.
func (e *Engine) PreFetch(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	return lun.Store.Advise(ctx, lun.FD, cmd.Offset, cmd.Length)
}

// Unmap parses the UNMAP parameter list's 16-byte block descriptors
// starting at offset 8 and punches a hole for each. It requires the LUN
// be thin-provisioned and rejects any descriptor extending past device
// size.
func (e *Engine) Unmap(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	if !lun.Thin {
		return fmt.Errorf("%w: UNMAP requires a thin-provisioned LUN", scsi.ErrInvalidField)
	}

	data := cmd.UnmapDescriptors
	if len(data) <= unmapDescriptorsOffset {
		return nil
	}

	descriptors := data[unmapDescriptorsOffset:]
	if len(descriptors)%unmapDescriptorSize != 0 {
		return fmt.Errorf("%w: UNMAP descriptor list is not a multiple of %d bytes",
			scsi.ErrInvalidField, unmapDescriptorSize)
	}

	for off := 0; off+unmapDescriptorSize <= len(descriptors); off += unmapDescriptorSize {
		d := descriptors[off : off+unmapDescriptorSize]

		lba := binary.BigEndian.Uint64(d[0:8])
		nblocks := binary.BigEndian.Uint32(d[8:12])

		rangeOff := int64(lba) << cmd.BlockShift
		rangeLen := int64(nblocks) << cmd.BlockShift

		if rangeOff+rangeLen > lun.DeviceSize {
			return fmt.Errorf("%w: unmap range [%d,%d) exceeds device size %d",
				scsi.ErrUnmapOutOfRange, rangeOff, rangeOff+rangeLen, lun.DeviceSize)
		}

		if rangeLen == 0 {
			continue
		}

		if err := lun.Store.PunchHole(ctx, lun.FD, rangeOff, rangeLen); err != nil {
			return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
		}
	}

	return nil
}

// firstDiff returns the index of the first byte at which a and b differ,
// or -1 if they are equal over their shared length.
func firstDiff(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}

	if len(a) != len(b) {
		return n
	}

	return -1
}

func miscompareError(offset int64) error {
	return &scsi.MiscompareError{Offset: offset}
}
