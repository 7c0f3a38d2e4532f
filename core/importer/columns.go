package importer

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

const headerCutset = " \t\r\n\v\f\"'"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectColumns returns the header names of f: the first line split on the delimiter,
// or the first row of the first sheet of a spreadsheet.
// An empty first line yields an empty, non-nil slice.
// This is a local preview; the gateway's dry-run is authoritative.
func DetectColumns(f File) ([]string, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFile
	}

	format, ok := DetectFormat(f)
	if !ok {
		return nil, ErrUnsupportedFileType
	}
	switch format {
	case FormatXLSX:
		return detectSheetColumns(f.Data)
	case FormatTSV:
		return detectDelimitedColumns(f.Data, '\t'), nil
	default:
		return detectDelimitedColumns(f.Data, ','), nil
	}
}

func detectDelimitedColumns(data []byte, delim byte) []string {
	line := bytes.TrimPrefix(data, utf8BOM)
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return []string{}
	}

	return nonBlank(CleanHeaders(strings.Split(string(line), string(delim))))
}

func detectSheetColumns(data []byte) ([]string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "opening spreadsheet")
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return []string{}, nil
	}
	rows, err := book.Rows(sheets[0])
	if err != nil {
		return nil, errors.Wrap(err, "reading spreadsheet rows")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return []string{}, errors.Wrap(rows.Error(), "reading spreadsheet header")
	}
	cells, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "reading spreadsheet header")
	}

	return nonBlank(CleanHeaders(cells)), nil
}

// nonBlank returns cols, or an empty header if every column name is blank.
func nonBlank(cols []string) []string {
	for _, c := range cols {
		if c != "" {
			return cols
		}
	}
	return []string{}
}

// CleanHeaders trims surrounding whitespace and quote characters from each header token.
func CleanHeaders(tokens []string) []string {
	cols := make([]string, 0, len(tokens))
	for i, t := range tokens {
		if i == 0 {
			t = strings.TrimPrefix(t, string(utf8BOM))
		}
		cols = append(cols, strings.Trim(t, headerCutset))
	}
	return cols
}
