package vehicle

import (
	"slices"
	"testing"
	"time"
)

func TestBatchFinalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name                       string
		total, proc, failed, skipd int
		want                       Status
	}{
		{"all processed", 3, 3, 0, 0, StatusCompleted},
		{"one failed", 3, 2, 1, 0, StatusPartial},
		{"one skipped", 3, 2, 0, 1, StatusPartial},
		{"all failed", 2, 0, 2, 0, StatusFailed},
		{"all skipped", 2, 0, 0, 2, StatusFailed},
		{"empty file", 0, 0, 0, 0, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBatch("b1", "owner", "", nil, "f.csv", 10, now)
			b.TotalRows, b.ProcessedRows, b.FailedRows, b.SkippedRows = tt.total, tt.proc, tt.failed, tt.skipd
			b.Finalize(now)

			if b.Status != tt.want {
				t.Errorf("Status = %s, want %s", b.Status, tt.want)
			}
			if !b.Status.IsTerminal() {
				t.Error("finalized batch should be terminal")
			}
			if b.CompletedAt == nil || !b.CompletedAt.Equal(now) {
				t.Errorf("CompletedAt = %v, want %v", b.CompletedAt, now)
			}
			if tt.want == StatusFailed && b.ErrorMessage == "" {
				t.Error("failed batch should carry an error message")
			}
		})
	}
}

func TestBatchFailParse(t *testing.T) {
	b := NewBatch("b1", "owner", "", nil, "f.xlsx", 10, time.Now())
	b.TotalRows = 4
	b.FailParse("corrupt workbook", time.Now())

	if b.Status != StatusFailed || b.TotalRows != 0 || b.ErrorMessage != "corrupt workbook" {
		t.Errorf("unexpected batch after FailParse: %+v", b)
	}
}

func TestBatchAbort(t *testing.T) {
	b := NewBatch("b1", "owner", "", nil, "f.csv", 10, time.Now())
	b.TotalRows, b.ProcessedRows, b.FailedRows, b.SkippedRows = 10, 6, 1, 2
	b.Abort("storage unavailable", time.Now())

	if b.Status != StatusFailed || b.ProcessedRows != 0 {
		t.Errorf("Status = %s, ProcessedRows = %d", b.Status, b.ProcessedRows)
	}
	if got := b.ProcessedRows + b.FailedRows + b.SkippedRows; got != b.TotalRows {
		t.Errorf("counters sum to %d, want %d", got, b.TotalRows)
	}
}

func TestNewBatch_PrimaryInAdditional(t *testing.T) {
	b := NewBatch("b1", "owner", "alice", []string{"bob", "alice", "", "bob"}, "f.csv", 1, time.Now())

	want := []string{"alice", "bob"}
	if !slices.Equal(b.AdditionalAssigneeIDs, want) {
		t.Errorf("AdditionalAssigneeIDs = %v, want %v", b.AdditionalAssigneeIDs, want)
	}
	if b.Status != StatusProcessing {
		t.Errorf("Status = %s, want processing", b.Status)
	}
}

func TestBatchReassign(t *testing.T) {
	b := NewBatch("b1", "owner", "alice", []string{"bob"}, "f.csv", 1, time.Now())
	b.Reassign("carol", time.Now())

	if b.PrimaryAssigneeID != "carol" {
		t.Errorf("PrimaryAssigneeID = %q", b.PrimaryAssigneeID)
	}
	want := []string{"carol", "bob"}
	if !slices.Equal(b.AdditionalAssigneeIDs, want) {
		t.Errorf("AdditionalAssigneeIDs = %v, want %v", b.AdditionalAssigneeIDs, want)
	}
}

func TestBatchClone(t *testing.T) {
	b := NewBatch("b1", "owner", "alice", nil, "f.csv", 1, time.Now())
	b.RowErrors = []RowError{{Row: 2, Reason: "x"}}

	c := b.Clone()
	c.AdditionalAssigneeIDs[0] = "mallory"
	c.RowErrors[0].Reason = "changed"

	if b.AdditionalAssigneeIDs[0] != "alice" || b.RowErrors[0].Reason != "x" {
		t.Error("Clone shares slices with the original")
	}
}

func TestParseIdentityField(t *testing.T) {
	tests := []struct {
		in   string
		want IdentityField
		ok   bool
	}{
		{"registration", FieldRegistration, true},
		{"Chassis Number", FieldChassis, true},
		{" ENGINE ", FieldEngine, true},
		{"all", "", false},
		{"customer name", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseIdentityField(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseIdentityField(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsIdentityColumn(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{ColRegistration, true},
		{"chassis number", true},
		{" Engine Number ", true},
		{ColCustomerPhone, false},
		{ColLoanAmount, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsIdentityColumn(tt.in); got != tt.want {
			t.Errorf("IsIdentityColumn(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
