package vehicle

// validate.go classifies one raw row at a time.
//
// A Validator is bound to a single batch: besides field-level checks it
// remembers the identity values accepted earlier in the same batch, so a
// repeated registration, chassis or engine number fails as a duplicate. The
// check against data committed by other batches belongs to the store.

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// Validator validates rows of one batch against the template schema.
type Validator struct {
	header HeaderIndex
	seen   map[IdentityField]map[string]int // value -> row that claimed it
}

// NewValidator resolves the header row. Returns *MissingColumnsError when a
// required column is absent.
func NewValidator(header []string) (*Validator, error) {
	idx, err := ResolveHeader(header)
	if err != nil {
		return nil, err
	}
	seen := make(map[IdentityField]map[string]int, len(IdentityFields))
	for _, f := range IdentityFields {
		seen[f] = make(map[string]int)
	}
	return &Validator{header: idx, seen: seen}, nil
}

// Validate classifies row. line is the row's 1-based line number in the file.
// Blank rows are Skipped; rows that pass every check are Processed and carry a
// normalized Record without ID or BatchID.
func (v *Validator) Validate(row []string, line int) RowOutcome {
	if IsBlankRow(row) {
		return RowOutcome{Row: line, Class: Skipped, Reason: "blank row"}
	}

	rec, verr := v.build(row, line)
	if verr != nil {
		return RowOutcome{Row: line, Class: Failed, Reason: verr.Reason, Err: verr}
	}

	for _, f := range IdentityFields {
		val := rec.Identity(f)
		if prev, dup := v.seen[f][val]; dup {
			verr := &RowValidationError{
				Row:       line,
				Field:     IdentityColumn(f),
				Value:     val,
				Reason:    fmt.Sprintf("duplicate value, already used on row %d", prev),
				Duplicate: true,
			}
			return RowOutcome{Row: line, Class: Failed, Reason: verr.Reason, Err: verr}
		}
	}
	for _, f := range IdentityFields {
		v.seen[f][rec.Identity(f)] = line
	}

	return RowOutcome{Row: line, Class: Processed, Record: rec}
}

// Forget releases the identity values claimed by rec. Called when the store
// rejects a row the validator accepted.
func (v *Validator) Forget(rec *Record) {
	for _, f := range IdentityFields {
		if v.seen[f][rec.Identity(f)] == rec.SourceRow {
			delete(v.seen[f], rec.Identity(f))
		}
	}
}

func (v *Validator) build(row []string, line int) (*Record, *RowValidationError) {
	rec := &Record{SourceRow: line}

	for _, col := range Columns {
		raw := v.header.Cell(row, col.Name)
		if raw == "" {
			if col.Required {
				return nil, &RowValidationError{Row: line, Field: col.Name, Reason: "required field is empty"}
			}
			continue
		}

		switch col.Kind {
		case KindIdentity:
			norm := NormalizeIdentity(raw)
			if !col.Pattern.MatchString(norm) {
				return nil, &RowValidationError{Row: line, Field: col.Name, Value: raw, Reason: "invalid format"}
			}
			setIdentity(rec, col.Identity, norm)
		case KindNumeric:
			n := ParseNumeric(raw)
			if !n.Valid {
				return nil, &RowValidationError{Row: line, Field: col.Name, Value: raw, Reason: "invalid number"}
			}
			setNumeric(rec, col.Name, n)
		case KindDate:
			d := ParseDate(raw)
			if !d.Valid {
				return nil, &RowValidationError{Row: line, Field: col.Name, Value: raw, Reason: "invalid date (use YYYY-MM-DD or DD/MM/YYYY)"}
			}
			rec.DisbursementDate = d
		case KindPhone:
			if !ValidPhone(raw) {
				return nil, &RowValidationError{Row: line, Field: col.Name, Value: raw, Reason: "invalid phone number"}
			}
			rec.CustomerPhone = raw
		default:
			setText(rec, col.Name, raw)
		}
	}

	return rec, nil
}

// IsBlankRow reports whether every cell is empty after trimming.
func IsBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// IdentityColumn returns the template column holding f.
func IdentityColumn(f IdentityField) string {
	for _, col := range Columns {
		if col.Identity == f {
			return col.Name
		}
	}
	return string(f)
}

func setIdentity(rec *Record, f IdentityField, val string) {
	switch f {
	case FieldRegistration:
		rec.RegistrationNumber = val
	case FieldChassis:
		rec.ChassisNumber = val
	case FieldEngine:
		rec.EngineNumber = val
	}
}

func setNumeric(rec *Record, col string, n pgtype.Numeric) {
	switch col {
	case ColLoanAmount:
		rec.LoanAmount = n
	case ColOutstandingAmount:
		rec.OutstandingAmount = n
	}
}

func setText(rec *Record, col, val string) {
	switch col {
	case ColCustomerName:
		rec.CustomerName = val
	case ColMake:
		rec.Make = val
	case ColModel:
		rec.Model = val
	case ColLoanNumber:
		rec.LoanNumber = val
	case ColBranch:
		rec.Branch = val
	}
}
