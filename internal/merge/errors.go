package merge

import (
	"errors"
	"fmt"
)

var (
	// ErrTooFewInputs is returned before any module interaction when fewer
	// than two backups are given.
	ErrTooFewInputs = errors.New("at least two backups are required")

	// ErrNullResult is returned when the merge export returns a null handle.
	ErrNullResult = errors.New("merge returned null")

	// ErrMergerClosed is returned by Merge after Close.
	ErrMergerClosed = errors.New("merger closed")
)

// LoadError is a fatal module load failure. It is memoized: every later
// merge on the same Merger fails with the same error.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load merge module '%s': %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// TransferKind distinguishes the ways an upload can miss its declared size.
type TransferKind int

const (
	// TransferOverflow means the stream delivered more bytes than declared.
	TransferOverflow TransferKind = iota + 1
	// TransferTruncated means the stream ended early.
	TransferTruncated
	// TransferRead means the stream itself failed.
	TransferRead
)

// TransferError occurs when streaming a backup into module memory fails.
// The partially filled vector has already been released.
type TransferError struct {
	Source   string
	Kind     TransferKind
	Declared int64
	Received int64
	Err      error
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case TransferOverflow:
		return fmt.Sprintf("upload of '%s' exceeds declared size %d bytes (received at least %d)",
			e.Source, e.Declared, e.Received)
	case TransferTruncated:
		return fmt.Sprintf("upload of '%s' truncated: received %d of %d bytes",
			e.Source, e.Received, e.Declared)
	default:
		return fmt.Sprintf("upload of '%s' failed after %d bytes: %v", e.Source, e.Received, e.Err)
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// DecodeError occurs when the merge result does not match the wire layout.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid merge result: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid merge result: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ModulePanicError wraps a failed merge call with the module's panic text.
type ModulePanicError struct {
	Message string
	Err     error
}

func (e *ModulePanicError) Error() string {
	return fmt.Sprintf("merge module panicked: %s: %v", e.Message, e.Err)
}

func (e *ModulePanicError) Unwrap() error {
	return e.Err
}
