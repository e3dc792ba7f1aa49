package readers

import (
	"fmt"
	"os"
)

type TxtFileReader struct{}

func (r *TxtFileReader) CanRead(path string) bool {
	mt := DetectMimeType(path)
	return mt == MimeText || mt == MimeCSV
}

func (r *TxtFileReader) ReadText(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}

	return string(buf), nil
}
