package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference.
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large             *SizeLimitError
//	FILE002 - Unsupported file type      *FileFormatError (extension)
//	FILE003 - Unreadable file            *FileFormatError (signature, parse)
//	FILE004 - Missing template columns   *FileFormatError wrapping *vehicle.MissingColumnsError
//	FILE005 - Empty file                 "file is empty", "no data rows"
//	FILE006 - No file                    "no file provided"
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - System busy                 ErrTooManyUploads
//	UPL002 - Session expired             ErrUploadNotFound
//	UPL003 - Request cancelled           context.Canceled
//	UPL004 - Request timeout             context.DeadlineExceeded
//	UPL005 - Assignment required         *AssignmentPreconditionError
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Duplicate identity value    *vehicle.RowValidationError{Duplicate}, store.ErrDuplicateIdentity
//	VAL002 - Invalid row                 *vehicle.RowValidationError
//	VAL003 - Invalid search query        ErrInvalidQuery
//
// # Batch Errors (BAT001-BAT099)
//
//	BAT001 - Batch not found             ErrBatchNotFound, store.ErrNotFound
//	BAT002 - Batch still processing      ErrBatchInProgress
//
// # Access Errors (AUTH001-AUTH099)
//
//	AUTH001 - Not permitted              ErrForbidden
//	AUTH002 - Not authenticated          "unauthorized", "invalid token"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Connection refused           "connection refused"
//	DB002 - Connection reset             "connection reset"
//	DB003 - Deadlock                     "deadlock"
//
// # Rate Limiting
//
//	RATE001 - Rate limited               "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Support staff should check the logs for the
// original error, which is logged together with the request id.
//
// Typed and sentinel errors are matched first with errors.As / errors.Is.
// Text patterns are a fallback for errors from drivers and libraries, matched
// case-insensitively; the first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgFileTooLarge = UserMessage{
		Message: "File exceeds the maximum upload size",
		Action:  "Split the file into smaller files and upload them separately",
		Code:    "FILE001",
	}
	msgUnsupportedType = UserMessage{
		Message: "Unsupported file type",
		Action:  "Upload a .xlsx or .csv file based on the template",
		Code:    "FILE002",
	}
	msgUnreadable = UserMessage{
		Message: "The file could not be read",
		Action:  "Re-save the file as .xlsx or UTF-8 .csv and try again",
		Code:    "FILE003",
	}
	msgMissingColumns = UserMessage{
		Message: "Required template columns are missing",
		Action:  "Download the template and keep its header row unchanged",
		Code:    "FILE004",
	}
	msgTooManyUploads = UserMessage{
		Message: "Too many uploads in progress",
		Action:  "Please wait a moment and try again",
		Code:    "UPL001",
	}
	msgUploadNotFound = UserMessage{
		Message: "Upload session not found",
		Action:  "The upload may have finished; open the batch to see its result",
		Code:    "UPL002",
	}
	msgCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL003",
	}
	msgTimeout = UserMessage{
		Message: "Request timed out",
		Action:  "Try a smaller file or try again later",
		Code:    "UPL004",
	}
	msgAssignment = UserMessage{
		Message: "A primary assignee is required for this upload",
		Action:  "Choose the agent responsible for these records and submit again",
		Code:    "UPL005",
	}
	msgDuplicate = UserMessage{
		Message: "A vehicle with this identity value already exists",
		Action:  "Download the error report to review duplicates",
		Code:    "VAL001",
	}
	msgInvalidRow = UserMessage{
		Message: "A row failed validation",
		Action:  "Correct the value named in the error report",
		Code:    "VAL002",
	}
	msgInvalidQuery = UserMessage{
		Message: "Invalid search or filter parameters",
		Action:  "Check the field, status and page values",
		Code:    "VAL003",
	}
	msgBatchNotFound = UserMessage{
		Message: "Batch not found",
		Action:  "It may have been deleted or you may not have access",
		Code:    "BAT001",
	}
	msgBatchInProgress = UserMessage{
		Message: "Batch is still processing",
		Action:  "Wait for ingestion to finish before deleting it",
		Code:    "BAT002",
	}
	msgForbidden = UserMessage{
		Message: "You are not permitted to change this batch",
		Action:  "Ask the batch owner or an administrator",
		Code:    "AUTH001",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns covers errors that carry no type, mostly from drivers.
// Specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{
		pattern: "file is empty",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Upload a file with a header row and at least one data row",
			Code:    "FILE005",
		},
	},
	{
		pattern: "no data rows",
		msg: UserMessage{
			Message: "The file has no data rows",
			Action:  "Add vehicle rows below the header row",
			Code:    "FILE005",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a file to upload",
			Code:    "FILE006",
		},
	},
	{
		pattern: "unauthorized",
		msg: UserMessage{
			Message: "Authentication required",
			Action:  "Sign in again and retry",
			Code:    "AUTH002",
		},
	},
	{
		pattern: "invalid token",
		msg: UserMessage{
			Message: "Authentication required",
			Action:  "Sign in again and retry",
			Code:    "AUTH002",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to the database",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB002",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB003",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
//	msg := MapError(&SizeLimitError{Size: 20 << 20, Limit: 10 << 20})
//	// msg.Code == "FILE001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if msg, ok := mapTyped(err); ok {
		return msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

func mapTyped(err error) (UserMessage, bool) {
	var (
		sizeErr    *SizeLimitError
		formatErr  *FileFormatError
		missingErr *vehicle.MissingColumnsError
		assignErr  *AssignmentPreconditionError
		rowErr     *vehicle.RowValidationError
	)

	switch {
	case errors.As(err, &sizeErr):
		return msgFileTooLarge, true
	case errors.As(err, &missingErr):
		return msgMissingColumns, true
	case errors.As(err, &formatErr):
		if errors.Is(err, errUnsupportedType) {
			return msgUnsupportedType, true
		}
		if m, ok := matchPattern(formatErr.Reason); ok {
			return m, true
		}
		return msgUnreadable, true
	case errors.As(err, &assignErr):
		return msgAssignment, true
	case errors.Is(err, store.ErrDuplicateIdentity):
		return msgDuplicate, true
	case errors.As(err, &rowErr):
		if rowErr.Duplicate {
			return msgDuplicate, true
		}
		return msgInvalidRow, true
	case errors.Is(err, ErrTooManyUploads):
		return msgTooManyUploads, true
	case errors.Is(err, ErrUploadNotFound):
		return msgUploadNotFound, true
	case errors.Is(err, ErrInvalidQuery):
		return msgInvalidQuery, true
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, store.ErrNotFound):
		return msgBatchNotFound, true
	case errors.Is(err, ErrBatchInProgress):
		return msgBatchInProgress, true
	case errors.Is(err, ErrForbidden):
		return msgForbidden, true
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout, true
	case errors.Is(err, context.Canceled):
		return msgCancelled, true
	}
	return UserMessage{}, false
}

func matchPattern(s string) (UserMessage, bool) {
	s = strings.ToLower(s)
	for _, ep := range errorPatterns {
		if strings.Contains(s, ep.pattern) {
			return ep.msg, true
		}
	}
	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError wraps a technical error with a user-friendly message. The
// original error is preserved for logging.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
