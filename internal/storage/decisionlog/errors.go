package decisionlog

// ============================================================================
// Decision log errors
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedLog indicates a line in the middle of the log cannot be parsed.
	ErrCorruptedLog = errors.New("decisionlog: file is corrupted")

	// ErrChecksumMismatch indicates a record was altered after it was written.
	ErrChecksumMismatch = errors.New("decisionlog: checksum mismatch")

	// ErrLogClosed indicates an append after Close.
	ErrLogClosed = errors.New("decisionlog: already closed")

	// ErrSequenceGap indicates records are missing or out of order.
	ErrSequenceGap = errors.New("decisionlog: sequence gap")
)

// ChecksumError carries the details of a checksum mismatch.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("decisionlog: checksum mismatch at seq=%d: expected=%08x actual=%08x",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError locates an unparsable line.
type CorruptionError struct {
	Line int
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("decisionlog: corrupted line %d: %v", e.Line, e.Err)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedLog, e.Err} }
