package courseimport

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

var (
	utf8BOM     = []byte{0xEF, 0xBB, 0xBF}
	errNoHeader = errors.New("the first row of the file must hold the column names")
)

// record is one data row of an import file.
type record struct {
	number int               // counted from the header, which is row 0
	values map[string]string // column -> trimmed cell value
}

func (r record) blank() bool {
	for _, v := range r.values {
		if v != "" {
			return false
		}
	}
	return true
}

// readRecords parses the whole file. Row numbers count lines (or sheet rows) from the header,
// so skipped blank lines still count.
func readRecords(f importer.File) ([]string, []record, error) {
	format, ok := importer.DetectFormat(f)
	if !ok {
		return nil, nil, importer.ErrUnsupportedFileType
	}

	var (
		rows  [][]string
		lines []int
		err   error
	)
	switch format {
	case importer.FormatXLSX:
		rows, lines, err = readSheet(f.Data)
	case importer.FormatTSV:
		rows, lines, err = readDelimited(f.Data, '\t')
	default:
		rows, lines, err = readDelimited(f.Data, ',')
	}
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 || lines[0] != 1 {
		return nil, nil, errNoHeader
	}
	header := importer.CleanHeaders(rows[0])
	if strings.Join(header, "") == "" {
		return nil, nil, errNoHeader
	}

	records := make([]record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec := record{number: lines[i+1] - lines[0], values: make(map[string]string, len(header))}
		for j, col := range header {
			if _, dup := rec.values[col]; dup || col == "" {
				continue
			}
			var v string
			if j < len(row) {
				v = strings.TrimSpace(row[j])
			}
			rec.values[col] = v
		}
		records = append(records, rec)
	}
	return header, records, nil
}

// readDelimited returns the records of data with the line each one starts on.
func readDelimited(data []byte, comma rune) ([][]string, []int, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var (
		rows  [][]string
		lines []int
	)
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, lines, nil
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading delimited file")
		}
		line, _ := r.FieldPos(0)
		rows = append(rows, row)
		lines = append(lines, line)
	}
}

func readSheet(data []byte) ([][]string, []int, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening spreadsheet")
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, nil
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading spreadsheet")
	}
	lines := make([]int, len(rows))
	for i := range rows {
		lines[i] = i + 1
	}
	return rows, lines, nil
}
