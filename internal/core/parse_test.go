package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		name    string
		want    FileType
		wantErr bool
	}{
		{"vehicles.xlsx", FileXLSX, false},
		{"VEHICLES.CSV", FileCSV, false},
		{"march.report.Xlsx", FileXLSX, false},
		{"vehicles.xls", "", true},
		{"vehicles", "", true},
		{"vehicles.csv.exe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFileType(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectFileType(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errUnsupportedType) {
				t.Errorf("err = %v, want errUnsupportedType", err)
			}
			if got != tt.want {
				t.Errorf("DetectFileType(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestReadCSV_StripsBOMAndSanitizes(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Registration Number,Make\nMH12AB1234,T\xffta\n")...)

	rows, err := readCSV(data)
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if rows[0][0] != "Registration Number" {
		t.Errorf("header[0] = %q, BOM not stripped", rows[0][0])
	}
	if rows[1][1] != "T�ta" {
		t.Errorf("invalid byte not replaced: %q", rows[1][1])
	}
}

func TestReadCSV_RejectsBinary(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("PK\x03\x04rest of a zip"),
		[]byte("Registration Number\x00,Make\n"),
	} {
		if _, err := readCSV(data); err == nil || !strings.Contains(err.Error(), "binary") {
			t.Errorf("readCSV(%q) err = %v, want binary rejection", data[:4], err)
		}
	}
}

func TestLocateHeader(t *testing.T) {
	header := vehicle.HeaderNames()
	row := []string{"MH12AB1234", "MA3FJEB1S00123456", "K12MN1234567", "Asha"}

	t.Run("title rows above header", func(t *testing.T) {
		got, err := locateHeader([][]string{{"Vehicle upload"}, {}, header, row})
		if err != nil {
			t.Fatalf("locateHeader: %v", err)
		}
		if got.firstLine != 4 {
			t.Errorf("firstLine = %d, want 4", got.firstLine)
		}
		if len(got.rows) != 1 {
			t.Errorf("rows = %d, want 1", len(got.rows))
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := locateHeader(nil); err == nil || err.Error() != "file is empty" {
			t.Errorf("err = %v, want file is empty", err)
		}
	})

	t.Run("only blank rows after header", func(t *testing.T) {
		_, err := locateHeader([][]string{header, {"", ""}})
		if err == nil || !strings.Contains(err.Error(), "no data rows") {
			t.Errorf("err = %v, want no data rows", err)
		}
	})

	t.Run("header beyond search window", func(t *testing.T) {
		records := make([][]string, 0, MaxHeaderSearchRows+2)
		for i := 0; i < MaxHeaderSearchRows; i++ {
			records = append(records, []string{"notes"})
		}
		records = append(records, header, row)

		_, err := locateHeader(records)
		var mce *vehicle.MissingColumnsError
		if !errors.As(err, &mce) {
			t.Fatalf("err = %v, want *MissingColumnsError", err)
		}
	})
}
