package adapter

import (
	"bytes"
	"io"

	"github.com/extrame/xls"
	"github.com/loglens/backend/internal/models"
	"github.com/xuri/excelize/v2"
)

// OOXML packages and OLE compound documents start with fixed magic bytes.
var (
	zipMagic = []byte{0x50, 0x4b, 0x03, 0x04}
	oleMagic = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}
)

// XLSXAdapter handles OOXML spreadsheets. Only the first sheet that contains
// rows is read; the first row is treated as the header when it looks like one.
type XLSXAdapter struct{}

func NewXLSXAdapter() *XLSXAdapter { return &XLSXAdapter{} }

func (a *XLSXAdapter) Name() string { return FormatXLSX }

func (a *XLSXAdapter) Extensions() []string { return []string{".xlsx", ".xlsm"} }

func (a *XLSXAdapter) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, zipMagic)
}

func (a *XLSXAdapter) Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, nil, parseErrorf(FormatXLSX, "reading input: %v", err)
	}
	if len(data) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		// Covers corrupt archives and password-protected workbooks alike.
		return nil, nil, parseErrorf(FormatXLSX, "opening workbook: %v", err)
	}
	defer f.Close()

	var rows [][]string
	for _, sheet := range f.GetSheetList() {
		sheetRows, err := f.GetRows(sheet)
		if err != nil {
			return nil, nil, parseErrorf(FormatXLSX, "reading sheet %s: %v", sheet, err)
		}
		if len(sheetRows) > 0 {
			rows = sheetRows
			break
		}
	}

	if len(rows) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	header, body, firstLine := splitHeader(rows)
	records, warns := tableRecords(header, body, firstLine)
	return records, warns, nil
}

// XLSAdapter handles legacy BIFF workbooks.
type XLSAdapter struct{}

func NewXLSAdapter() *XLSAdapter { return &XLSAdapter{} }

func (a *XLSAdapter) Name() string { return FormatXLS }

func (a *XLSAdapter) Extensions() []string { return []string{".xls"} }

func (a *XLSAdapter) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, oleMagic)
}

func (a *XLSAdapter) Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, nil, parseErrorf(FormatXLS, "reading input: %v", err)
	}
	if len(data) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, nil, parseErrorf(FormatXLS, "opening workbook: %v", err)
	}

	rows := wb.ReadAllCells(1 << 20)
	if len(rows) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	header, body, firstLine := splitHeader(rows)
	records, warns := tableRecords(header, body, firstLine)
	return records, warns, nil
}
