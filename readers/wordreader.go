package readers

import "fmt"

type WordFileReader struct{}

func (r *WordFileReader) CanRead(path string) bool {
	mt := DetectMimeType(path)
	return mt == MimeDOC || mt == MimeDOCX
}

func (r *WordFileReader) ReadText(path string) (string, error) {
	text, err := convertWithDocconv(path, DetectMimeType(path))
	if err != nil {
		return "", fmt.Errorf("failed to read word document: %w", err)
	}

	return text, nil
}
