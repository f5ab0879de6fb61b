package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"product-import-service/internal/models"
)

// ErrMissingColumns indicates the header row lacks a required column. This is
// fatal: without sku and name no row in the file can be imported.
var ErrMissingColumns = errors.New("file is missing required columns")

// ParsedRow is one data row with the recognized columns extracted. Line is
// the 1-based position within the data rows (the header is not counted).
type ParsedRow struct {
	Line        int
	SKU         string
	Name        string
	Description string
}

// recordSource yields one record at a time and io.EOF at the end.
// *csv.Reader satisfies it directly; XLSX files are adapted below.
type recordSource interface {
	Read() ([]string, error)
}

type xlsxSource struct {
	file *excelize.File
	rows *excelize.Rows
}

func (s *xlsxSource) Read() ([]string, error) {
	if !s.rows.Next() {
		return nil, io.EOF
	}
	return s.rows.Columns()
}

func (s *xlsxSource) Close() error {
	s.rows.Close()
	return s.file.Close()
}

// RowReader streams parsed rows from an import file. Column positions are
// resolved from the header by name, so column order does not matter and
// unrecognized columns are ignored.
type RowReader struct {
	source  recordSource
	closer  io.Closer
	skuCol  int
	nameCol int
	descCol int
	line    int
}

// DetectFormat maps a filename to an import format by extension.
func DetectFormat(filename string) (models.ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return models.ImportFormatCSV, nil
	case ".xlsx":
		return models.ImportFormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported file type %q, expected .csv or .xlsx", filepath.Ext(filename))
	}
}

// OpenRowReader opens the spooled import file and positions the reader past
// the header. Returns ErrMissingColumns when sku or name is absent.
func OpenRowReader(path string, format models.ImportFormat) (*RowReader, error) {
	switch format {
	case models.ImportFormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open import file: %w", err)
		}
		reader := csv.NewReader(f)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		return newRowReader(reader, f)

	case models.ImportFormatXLSX:
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open import file: %w", err)
		}
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, errors.New("workbook has no sheets")
		}
		rows, err := f.Rows(sheets[0])
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read sheet: %w", err)
		}
		src := &xlsxSource{file: f, rows: rows}
		return newRowReader(src, src)

	default:
		return nil, fmt.Errorf("unsupported import format %q", format)
	}
}

func newRowReader(source recordSource, closer io.Closer) (*RowReader, error) {
	header, err := source.Read()
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		if err == io.EOF {
			return nil, fmt.Errorf("%w: file is empty", ErrMissingColumns)
		}
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	r := &RowReader{
		source:  source,
		closer:  closer,
		skuCol:  -1,
		nameCol: -1,
		descCol: -1,
	}

	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "sku":
			r.skuCol = i
		case "name":
			r.nameCol = i
		case "description":
			r.descCol = i
		}
	}

	missing := make([]string, 0, 2)
	if r.skuCol < 0 {
		missing = append(missing, "sku")
	}
	if r.nameCol < 0 {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	return r, nil
}

// Next returns the next data row or io.EOF when the file is exhausted.
// Completely empty records are skipped rather than reported as rows.
func (r *RowReader) Next() (*ParsedRow, error) {
	for {
		record, err := r.source.Read()
		if err != nil {
			return nil, err
		}

		empty := true
		for _, field := range record {
			if strings.TrimSpace(field) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}

		r.line++
		row := &ParsedRow{Line: r.line}
		if r.skuCol < len(record) {
			row.SKU = strings.TrimSpace(record[r.skuCol])
		}
		if r.nameCol < len(record) {
			row.Name = strings.TrimSpace(record[r.nameCol])
		}
		if r.descCol >= 0 && r.descCol < len(record) {
			row.Description = strings.TrimSpace(record[r.descCol])
		}
		return row, nil
	}
}

func (r *RowReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// CountRows makes a pre-pass over the file to establish the task's total row
// count before processing starts. Malformed trailing records are counted too;
// they will surface as validation or parse failures during the main pass.
func CountRows(path string, format models.ImportFormat) (int, error) {
	reader, err := OpenRowReader(path, format)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	count := 0
	for {
		_, err := reader.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			// CSV parse errors still represent a row the user submitted.
			count++
			continue
		}
		count++
	}
}

// ValidateRow checks a parsed row against the product constraints. On
// failure it returns a RowError describing the first violated field.
func ValidateRow(row *ParsedRow) (*models.Product, *models.RowError) {
	if row.SKU == "" {
		return nil, &models.RowError{Row: row.Line, Field: "sku", Message: "sku is required"}
	}
	if row.Name == "" {
		return nil, &models.RowError{Row: row.Line, Field: "name", Message: "name is required"}
	}

	product := &models.Product{
		SKU:           row.SKU,
		NormalizedSKU: models.NormalizeSKU(row.SKU),
		Name:          row.Name,
		Active:        true,
	}
	if row.Description != "" {
		desc := row.Description
		product.Description = &desc
	}
	return product, nil
}
