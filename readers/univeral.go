// Package readers converts documents to plain text. The converter is chosen
// from the MIME type implied by the file name.
package readers

import (
	"errors"
	"fmt"
)

var ErrUnsupportedType = errors.New("unsupported document type")

type UnsupportedTypeError struct {
	MimeType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported document type: %s", e.MimeType)
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

type textReader interface {
	ReadText(path string) (string, error)
}

// UniversalFileReader routes a file to the reader matching its MIME type.
type UniversalFileReader struct {
}

func (r *UniversalFileReader) MimeType(path string) string {
	return DetectMimeType(path)
}

func (r *UniversalFileReader) CanRead(path string) bool {
	return readerFor(DetectMimeType(path)) != nil
}

func (r *UniversalFileReader) ReadText(path string) (string, error) {
	mt := DetectMimeType(path)
	reader := readerFor(mt)
	if reader == nil {
		return "", &UnsupportedTypeError{MimeType: mt}
	}

	text, err := reader.ReadText(path)
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}

	return text, nil
}

func readerFor(mimeType string) textReader {
	switch mimeType {
	case MimeXLS, MimeXLSX:
		return &ExcelFileReader{}
	case MimeDOC, MimeDOCX:
		return &WordFileReader{}
	case MimePDF:
		return &PdfFileReader{}
	case MimeText, MimeCSV:
		return &TxtFileReader{}
	}

	return nil
}
