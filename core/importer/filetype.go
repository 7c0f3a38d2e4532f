package importer

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is the container format of an uploaded file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

const (
	mimeCSV  = "text/csv"
	mimeTSV  = "text/tab-separated-values"
	mimeText = "text/plain"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	allowedExtensions = map[string]Format{
		".csv":  FormatCSV,
		".tsv":  FormatTSV,
		".txt":  FormatCSV,
		".xlsx": FormatXLSX,
	}
	allowedMIMETypes = map[string]Format{
		mimeCSV:           FormatCSV,
		"application/csv": FormatCSV,
		mimeText:          FormatCSV,
		mimeTSV:           FormatTSV,
		mimeXLSX:          FormatXLSX,
	}
)

// CheckFileType accepts files whose extension or declared MIME type is allowed.
// Files declaring neither are sniffed. No network access happens here.
func CheckFileType(f File) error {
	if _, ok := DetectFormat(f); !ok {
		return ErrUnsupportedFileType
	}
	return nil
}

// DetectFormat returns the format of f and whether it is an allowed one.
func DetectFormat(f File) (Format, bool) {
	ext := strings.ToLower(filepath.Ext(f.Name))
	if format, ok := allowedExtensions[ext]; ok {
		if ext == ".txt" && sniff(f.Data).Is(mimeTSV) {
			return FormatTSV, true
		}
		return format, true
	}

	declared := declaredMIMEType(f.ContentType)
	if format, ok := allowedMIMETypes[declared]; ok {
		return format, true
	}

	if ext != "" || !(declared == "" || declared == "application/octet-stream") {
		return "", false
	}
	for mtype := sniff(f.Data); mtype != nil; mtype = mtype.Parent() {
		if format, ok := allowedMIMETypes[declaredMIMEType(mtype.String())]; ok {
			return format, true
		}
	}
	return "", false
}

func declaredMIMEType(ct string) string {
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mediaType
}

func sniff(data []byte) *mimetype.MIME {
	return mimetype.Detect(data)
}
