package vehicle

import (
	"regexp"
	"strings"
)

// ColumnKind is the expected data type of a template column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindIdentity
	KindNumeric
	KindDate
	KindPhone
)

// IdentityField names one of the fixed identity fields of a record.
type IdentityField string

const (
	FieldRegistration IdentityField = "registration"
	FieldChassis      IdentityField = "chassis"
	FieldEngine       IdentityField = "engine"
)

// IdentityFields lists identity fields in display order. Registration number
// is the primary identity field.
var IdentityFields = []IdentityField{FieldRegistration, FieldChassis, FieldEngine}

// ParseIdentityField converts a scope name. Accepts the short names and the
// template column names, case-insensitively.
func ParseIdentityField(s string) (IdentityField, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, col := range Columns {
		if col.Kind != KindIdentity {
			continue
		}
		if key == string(col.Identity) || key == strings.ToLower(col.Name) {
			return col.Identity, true
		}
	}
	return "", false
}

// Column describes one column of the upload template.
type Column struct {
	Name     string // Header text, matched case-insensitively
	Required bool
	Kind     ColumnKind
	Identity IdentityField  // Set for KindIdentity columns
	Pattern  *regexp.Regexp // Applied after normalization
}

// Template column names, in template order.
const (
	ColRegistration      = "Registration Number"
	ColChassis           = "Chassis Number"
	ColEngine            = "Engine Number"
	ColCustomerName      = "Customer Name"
	ColCustomerPhone     = "Customer Phone"
	ColMake              = "Make"
	ColModel             = "Model"
	ColLoanNumber        = "Loan Number"
	ColLoanAmount        = "Loan Amount"
	ColOutstandingAmount = "Outstanding Amount"
	ColDisbursementDate  = "Disbursement Date"
	ColBranch            = "Branch"
)

// Columns is the exact template layout the validator expects.
var Columns = []Column{
	{Name: ColRegistration, Required: true, Kind: KindIdentity, Identity: FieldRegistration, Pattern: regexp.MustCompile(`^[A-Z0-9]{4,15}$`)},
	{Name: ColChassis, Required: true, Kind: KindIdentity, Identity: FieldChassis, Pattern: regexp.MustCompile(`^[A-Z0-9]{6,25}$`)},
	{Name: ColEngine, Required: true, Kind: KindIdentity, Identity: FieldEngine, Pattern: regexp.MustCompile(`^[A-Z0-9]{5,20}$`)},
	{Name: ColCustomerName, Required: true, Kind: KindText},
	{Name: ColCustomerPhone, Kind: KindPhone},
	{Name: ColMake, Kind: KindText},
	{Name: ColModel, Kind: KindText},
	{Name: ColLoanNumber, Kind: KindText},
	{Name: ColLoanAmount, Kind: KindNumeric},
	{Name: ColOutstandingAmount, Kind: KindNumeric},
	{Name: ColDisbursementDate, Kind: KindDate},
	{Name: ColBranch, Kind: KindText},
}

// IsIdentityColumn reports whether name is the header of an identity column.
// Matching is case-insensitive.
func IsIdentityColumn(name string) bool {
	for _, col := range Columns {
		if col.Kind == KindIdentity && strings.EqualFold(col.Name, strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// HeaderNames returns the template header row.
func HeaderNames() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

// HeaderIndex maps lowercased column names to their position in a row.
type HeaderIndex map[string]int

// MakeHeaderIndex builds a HeaderIndex from a header row. The first
// occurrence of a repeated header wins.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// ResolveHeader checks that every required column is present.
func ResolveHeader(header []string) (HeaderIndex, error) {
	idx := MakeHeaderIndex(header)
	var missing []string
	for _, col := range Columns {
		if !col.Required {
			continue
		}
		if _, ok := idx[strings.ToLower(col.Name)]; !ok {
			missing = append(missing, col.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	return idx, nil
}

// Cell returns the cleaned value of a named column, or "" when the column is
// absent or the row is short.
func (h HeaderIndex) Cell(row []string, name string) string {
	pos, ok := h[strings.ToLower(name)]
	if !ok || pos >= len(row) {
		return ""
	}
	return CleanCell(row[pos])
}
