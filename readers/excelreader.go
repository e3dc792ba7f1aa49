package readers

import (
	"fmt"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// ExcelFileReader flattens every sheet of a workbook: each cell value is
// followed by a space and each row ends with a newline.
type ExcelFileReader struct{}

func (r *ExcelFileReader) CanRead(path string) bool {
	mt := DetectMimeType(path)
	return mt == MimeXLS || mt == MimeXLSX
}

func (r *ExcelFileReader) ReadText(path string) (string, error) {
	if DetectMimeType(path) == MimeXLS {
		return readXls(path)
	}

	return readXlsx(path)
}

func readXlsx(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}

		for _, row := range rows {
			writeRow(&sb, row)
		}
	}

	return sb.String(), nil
}

func readXls(path string) (string, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	if wb == nil {
		return "", fmt.Errorf("failed to open workbook: no workbook stream in %s", path)
	}

	var sb strings.Builder
	for i := range wb.NumSheets() {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}

		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheetRow(sheet, r)
			if row == nil {
				writeRow(&sb, nil)
				continue
			}

			cells := make([]string, 0, row.LastCol())
			for c := row.FirstCol(); c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			writeRow(&sb, cells)
		}
	}

	return sb.String(), nil
}

// sheetRow returns nil for a row the sheet has no record of. WorkSheet.Row
// dereferences the row before returning it and panics on gaps.
func sheetRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()

	return sheet.Row(i)
}

func writeRow(sb *strings.Builder, cells []string) {
	for _, c := range cells {
		sb.WriteString(c)
		sb.WriteByte(' ')
	}
	sb.WriteByte('\n')
}
