package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchNotFound is returned for batches that do not exist and for
	// batches the caller may not see.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchInProgress is returned when deleting a batch that is still
	// ingesting.
	ErrBatchInProgress = errors.New("batch is still processing")

	// ErrForbidden is returned when a visible batch may not be modified by
	// the caller.
	ErrForbidden = errors.New("not permitted to manage this batch")

	// ErrUploadNotFound is returned for progress lookups of batches that are
	// not tracked by this process.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrInvalidQuery is returned for malformed search or list parameters.
	ErrInvalidQuery = errors.New("invalid query")
)

// FileFormatError reports a file that cannot be read as a vehicle template:
// unsupported type, broken signature, unparseable content or missing headers.
type FileFormatError struct {
	FileName string
	Reason   string
	Err      error
}

func (e *FileFormatError) Error() string {
	return fmt.Sprintf("invalid file format: %s: %s", e.FileName, e.Reason)
}

func (e *FileFormatError) Unwrap() error { return e.Err }

// SizeLimitError reports a file over the configured size cap.
type SizeLimitError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("file too large: %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// AssignmentPreconditionError reports an upload that lacks a required
// assignment, such as a manager submitting without a primary assignee.
type AssignmentPreconditionError struct {
	Role   string
	Reason string
}

func (e *AssignmentPreconditionError) Error() string {
	return fmt.Sprintf("assignment required: %s", e.Reason)
}
