package readers

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"code.sajari.com/docconv/v2"
	"github.com/ledongthuc/pdf"
)

// PdfFileReader converts with docconv (pdftotext) and falls back to a
// pure Go parser when that fails.
type PdfFileReader struct {
}

func (r *PdfFileReader) CanRead(path string) bool {
	return DetectMimeType(path) == MimePDF
}

func (r *PdfFileReader) ReadText(path string) (string, error) {
	text, convErr := convertWithDocconv(path, MimePDF)
	if convErr == nil {
		return text, nil
	}

	text, err := readPlainPdf(path)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf document: %w", errors.Join(convErr, err))
	}

	return text, nil
}

func readPlainPdf(path string) (string, error) {
	f, doc, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	return buf.String(), nil
}

func convertWithDocconv(path string, mimeType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening document: %w", err)
	}
	defer f.Close()

	res, err := docconv.Convert(f, mimeType, false)
	if err != nil {
		return "", fmt.Errorf("converting %s: %w", mimeType, err)
	}

	return res.Body, nil
}
