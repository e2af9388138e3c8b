package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// TemplateSheet is the sheet name used in generated workbooks.
const TemplateSheet = "Vehicles"

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeCSV  = "text/csv; charset=utf-8"
)

// FileDownload is a generated file ready to be served.
type FileDownload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// ParseFileType converts a format parameter. Empty means xlsx.
func ParseFileType(s string) (FileType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FileXLSX):
		return FileXLSX, nil
	case string(FileCSV):
		return FileCSV, nil
	}
	return "", fmt.Errorf("%w %q: use xlsx or csv", errUnsupportedType, s)
}

// DownloadTemplate returns an empty upload template holding only the header
// row.
func DownloadTemplate(ft FileType) (*FileDownload, error) {
	data, err := writeTable(ft, vehicle.HeaderNames(), nil)
	if err != nil {
		return nil, err
	}
	return &FileDownload{
		FileName:    "vehicle-upload-template." + string(ft),
		ContentType: contentType(ft),
		Data:        data,
	}, nil
}

// ExportBatch writes the records of a batch visible to p in template layout,
// so the file can be uploaded again. Principals limited to identity fields
// get the other columns blank.
func (s *Service) ExportBatch(ctx context.Context, p access.Principal, id string, ft FileType) (*FileDownload, error) {
	b, g, err := s.visibleBatch(ctx, p, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.BatchRecords(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	rows := make([][]string, len(recs))
	for i, rec := range recs {
		rows[i] = recordRow(rec, g.Fields)
	}
	data, err := writeTable(ft, vehicle.HeaderNames(), rows)
	if err != nil {
		return nil, err
	}
	return &FileDownload{
		FileName:    exportName(g.FileName, b.ID, ft),
		ContentType: contentType(ft),
		Data:        data,
	}, nil
}

// FailedRowsCSV exports the bounded error list of a batch. Principals limited
// to identity fields get the values of other columns blank.
func (s *Service) FailedRowsCSV(ctx context.Context, p access.Principal, id string) (*FileDownload, error) {
	b, g, err := s.visibleBatch(ctx, p, id)
	if err != nil {
		return nil, err
	}
	errs := redactRowErrors(b.RowErrors, g.Fields)
	rows := make([][]string, len(errs))
	for i, e := range errs {
		rows[i] = []string{strconv.Itoa(e.Row), e.Field, e.Value, e.Reason}
	}
	data, err := writeTable(FileCSV, []string{"Row", "Field", "Value", "Reason"}, rows)
	if err != nil {
		return nil, err
	}
	return &FileDownload{
		FileName:    "batch-" + b.ID + "-errors.csv",
		ContentType: contentTypeCSV,
		Data:        data,
	}, nil
}

// recordRow renders rec in Columns order.
func recordRow(rec *vehicle.Record, fields access.FieldSet) []string {
	row := make([]string, len(vehicle.Columns))
	for i, col := range vehicle.Columns {
		if col.Kind == vehicle.KindIdentity {
			row[i] = rec.Identity(col.Identity)
			continue
		}
		if fields != access.FieldsFull {
			continue
		}
		switch col.Name {
		case vehicle.ColCustomerName:
			row[i] = rec.CustomerName
		case vehicle.ColCustomerPhone:
			row[i] = rec.CustomerPhone
		case vehicle.ColMake:
			row[i] = rec.Make
		case vehicle.ColModel:
			row[i] = rec.Model
		case vehicle.ColLoanNumber:
			row[i] = rec.LoanNumber
		case vehicle.ColLoanAmount:
			row[i] = vehicle.FormatNumeric(rec.LoanAmount)
		case vehicle.ColOutstandingAmount:
			row[i] = vehicle.FormatNumeric(rec.OutstandingAmount)
		case vehicle.ColDisbursementDate:
			row[i] = vehicle.FormatDate(rec.DisbursementDate)
		case vehicle.ColBranch:
			row[i] = rec.Branch
		}
	}
	return row
}

func writeTable(ft FileType, header []string, rows [][]string) ([]byte, error) {
	switch ft {
	case FileCSV:
		return writeCSV(header, rows)
	case FileXLSX:
		return writeXLSX(header, rows)
	}
	return nil, errUnsupportedType
}

func writeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func writeXLSX(header []string, rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), TemplateSheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	setRow := func(n int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, n)
		if err != nil {
			return err
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = v
		}
		return f.SetSheetRow(TemplateSheet, cell, &row)
	}

	if err := setRow(1, header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, r := range rows {
		if err := setRow(i+2, r); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func contentType(ft FileType) string {
	if ft == FileCSV {
		return contentTypeCSV
	}
	return contentTypeXLSX
}

func exportName(fileName, batchID string, ft FileType) string {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if base == "" || fileName == access.GenericFileName {
		base = "batch-" + batchID
	}
	return base + "-export." + string(ft)
}
