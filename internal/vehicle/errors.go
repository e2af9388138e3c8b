package vehicle

import (
	"fmt"
	"strings"
)

// RowValidationError describes why a single row was rejected. It never aborts
// a batch; the pipeline records it in the batch counters and error list.
type RowValidationError struct {
	Row       int    // 1-based line number in the source file
	Field     string // Column name, empty for row-level problems
	Value     string
	Reason    string
	Duplicate bool // Identity value already used in this batch or in committed data
}

func (e *RowValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// AsRowError converts the error to a bounded error list entry.
func (e *RowValidationError) AsRowError() RowError {
	return RowError{Row: e.Row, Field: e.Field, Value: e.Value, Reason: e.Reason}
}

// MissingColumnsError is returned when the header row lacks required columns.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

