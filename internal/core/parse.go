package core

// parse.go turns an uploaded file into raw rows.
//
// Files are held in memory (the size cap bounds them) because the xlsx reader
// needs random access anyway. CSV input has its UTF-8 BOM removed and invalid
// UTF-8 replaced before parsing, so spreadsheets exported on Windows parse the
// same as everywhere else.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// FileType is a supported upload format.
type FileType string

const (
	FileXLSX FileType = "xlsx"
	FileCSV  FileType = "csv"
)

// MaxHeaderSearchRows is how many leading rows are scanned for the header.
var MaxHeaderSearchRows = 20

var (
	errUnsupportedType = errors.New("unsupported file type")

	xlsxSignature = []byte("PK\x03\x04")
	utf8BOM       = []byte{0xEF, 0xBB, 0xBF}
)

// DetectFileType maps a file name to a supported type by extension.
func DetectFileType(fileName string) (FileType, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return FileXLSX, nil
	case ".csv":
		return FileCSV, nil
	}
	return "", fmt.Errorf("%w %q: use .xlsx or .csv", errUnsupportedType, filepath.Ext(fileName))
}

// parsedFile is the header row and the data rows below it.
type parsedFile struct {
	header    []string
	rows      [][]string
	firstLine int // 1-based file line of rows[0]
}

// parseFile reads every row of the first sheet (xlsx) or of the file (csv)
// and locates the template header.
func parseFile(ft FileType, data []byte) (*parsedFile, error) {
	var (
		records [][]string
		err     error
	)
	switch ft {
	case FileXLSX:
		records, err = readXLSX(data)
	case FileCSV:
		records, err = readCSV(data)
	default:
		return nil, errUnsupportedType
	}
	if err != nil {
		return nil, err
	}
	return locateHeader(records)
}

func readXLSX(data []byte) ([][]string, error) {
	if !bytes.HasPrefix(data, xlsxSignature) {
		return nil, errors.New("file is not a valid .xlsx workbook (bad signature)")
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows from xlsx: %w", err)
	}
	return rows, nil
}

func readCSV(data []byte) ([][]string, error) {
	if bytes.HasPrefix(data, xlsxSignature) || bytes.IndexByte(data, 0) >= 0 {
		return nil, errors.New("file is binary, not comma-separated text")
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	return records, nil
}

// locateHeader finds the first row among the leading rows that carries every
// required column. When none does, the missing columns of the first non-blank
// row are reported.
func locateHeader(records [][]string) (*parsedFile, error) {
	if len(records) == 0 {
		return nil, errors.New("file is empty")
	}

	var firstErr error
	limit := min(len(records), MaxHeaderSearchRows)
	for i := 0; i < limit; i++ {
		if vehicle.IsBlankRow(records[i]) {
			continue
		}
		if _, err := vehicle.ResolveHeader(records[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		rows := records[i+1:]
		if countNonBlank(rows) == 0 {
			return nil, errors.New("no data rows after header")
		}
		return &parsedFile{header: records[i], rows: rows, firstLine: i + 2}, nil
	}

	if firstErr == nil {
		return nil, errors.New("file is empty")
	}
	return nil, firstErr
}

func countNonBlank(rows [][]string) int {
	n := 0
	for _, r := range rows {
		if !vehicle.IsBlankRow(r) {
			n++
		}
	}
	return n
}
