package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("ledger: integrity violation")
	// ErrAppend matches every *AppendError.
	ErrAppend = errors.New("ledger: append failed")
	// ErrTornRecord marks an unterminated trailing record.
	ErrTornRecord = errors.New("ledger: torn record")
	// ErrInvalidEntry rejects entries that cannot be canonicalized.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	// ErrNotFound is returned for sequences past the head.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrReadOnly is returned when appending to a read-only store.
	ErrReadOnly = errors.New("ledger: store is read-only")
)

// IntegrityError reports the first entry whose hash chain does not verify.
type IntegrityError struct {
	Sequence uint64
	Reason   string
	Err      error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger integrity violation at sequence %d: %s: %v", e.Sequence, e.Reason, e.Err)
	}
	return fmt.Sprintf("ledger integrity violation at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }

// AppendError reports an unwritable store. It is fatal to the process.
type AppendError struct {
	Sequence uint64
	Err      error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("ledger append failed at sequence %d: %v", e.Sequence, e.Err)
}

func (e *AppendError) Is(target error) bool { return target == ErrAppend }

func (e *AppendError) Unwrap() error { return e.Err }
