package readers

import (
	"mime"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv/v2"
)

const (
	MimeText = "text/plain"
	MimeCSV  = "text/csv"
	MimePDF  = "application/pdf"
	MimeDOC  = "application/msword"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLS  = "application/vnd.ms-excel"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	MimeUnknown = "application/octet-stream"
)

var extMimeTypes = map[string]string{
	".txt":  MimeText,
	".csv":  MimeCSV,
	".pdf":  MimePDF,
	".doc":  MimeDOC,
	".docx": MimeDOCX,
	".xls":  MimeXLS,
	".xlsx": MimeXLSX,
}

// DetectMimeType guesses the MIME type of a file from its extension.
func DetectMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := extMimeTypes[ext]; ok {
		return t
	}

	if t := docconv.MimeTypeByExtension(path); t != MimeUnknown {
		return stripParams(t)
	}

	if t := mime.TypeByExtension(ext); t != "" {
		return stripParams(t)
	}

	return MimeUnknown
}

func stripParams(t string) string {
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return t
	}

	return mt
}
