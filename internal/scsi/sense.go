package scsi

import (
	"errors"
	"fmt"
)

// Sentinel errors for every error kind the cache can surface. internal/target
// classifies each into an ErrorKind, and SenseBuilder.Build maps that kind
// to exactly one (key, ASC) pair.
var (
	ErrReadWriteFailed   = errors.New("scsi: backing read/write short or failed")
	ErrAllocationFailed  = errors.New("scsi: allocation failed")
	ErrInvalidField      = errors.New("scsi: bad CDB field")
	ErrUnmapOutOfRange   = errors.New("scsi: UNMAP beyond end of device")
	ErrMiscompare        = errors.New("scsi: compare/verify mismatch")
	ErrNotSplittable     = errors.New("scsi: opcode is not splittable")
)

// MiscompareError carries the byte offset of the first differing byte
// found by COMPARE_AND_WRITE or VERIFY, so the caller can report it as
// sense Info without string-parsing the error.
type MiscompareError struct {
	Offset int64
}

func (e *MiscompareError) Error() string {
	return fmt.Sprintf("scsi: compare/verify mismatch at offset %d", e.Offset)
}

func (e *MiscompareError) Unwrap() error {
	return ErrMiscompare
}

// SAMStatus is the top-level command status. Every error kind the cache
// reports completes the command with CHECK_CONDITION; the sense key
// underneath is what actually distinguishes the failure.
type SAMStatus byte

const (
	StatusGood           SAMStatus = 0x00
	StatusCheckCondition SAMStatus = 0x02
)

// SenseKey is the SCSI sense key, the second level of the error taxonomy.
type SenseKey byte

const (
	KeyMediumError    SenseKey = 0x03
	KeyHardwareError  SenseKey = 0x04
	KeyIllegalRequest SenseKey = 0x05
	KeyMiscompare     SenseKey = 0x0E
)

// ASC is the additional sense code.
type ASC byte

const (
	ASCReadError              ASC = 0x11
	ASCInternalTargetFailure  ASC = 0x44
	ASCInvalidFieldInCDB      ASC = 0x24
	ASCLBAOutOfRange          ASC = 0x21
	ASCMiscompareDuringVerify ASC = 0x1D
)

// ErrorKind enumerates the error taxonomy the cache reports back to the
// SCSI layer. Every kind maps to one (SenseKey, ASC) pair, always under
// SAM status CHECK_CONDITION.
type ErrorKind int

const (
	KindReadWriteFailed ErrorKind = iota
	KindAllocationFailed
	KindInvalidField
	KindUnmapOutOfRange
	KindMiscompare
)

// Sense is the value handed to the sense-data builder collaborator.
type Sense struct {
	Status SAMStatus
	Key    SenseKey
	ASC    ASC
	Info   uint64 // only meaningful for KindMiscompare: first differing byte offset
}

var senseTable = map[ErrorKind]Sense{
	KindReadWriteFailed:  {Status: StatusCheckCondition, Key: KeyMediumError, ASC: ASCReadError},
	KindAllocationFailed: {Status: StatusCheckCondition, Key: KeyHardwareError, ASC: ASCInternalTargetFailure},
	KindInvalidField:     {Status: StatusCheckCondition, Key: KeyIllegalRequest, ASC: ASCInvalidFieldInCDB},
	KindUnmapOutOfRange:  {Status: StatusCheckCondition, Key: KeyIllegalRequest, ASC: ASCLBAOutOfRange},
	KindMiscompare:       {Status: StatusCheckCondition, Key: KeyMiscompare, ASC: ASCMiscompareDuringVerify},
}

// SenseBuilder produces Sense values from an error kind, and for
// KindMiscompare, the offset of the first differing byte.
type SenseBuilder struct{}

// Build returns the sense value for kind. info is ignored for every kind
// except KindMiscompare, where it must be the byte offset of the first
// mismatch.
func (SenseBuilder) Build(kind ErrorKind, info uint64) Sense {
	s, ok := senseTable[kind]
	if !ok {
		panic("scsi: unknown error kind")
	}

	if kind == KindMiscompare {
		s.Info = info
	}

	return s
}
