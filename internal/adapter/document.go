package adapter

import (
	"bytes"
	"fmt"
	"io"

	docx "github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
	"github.com/loglens/backend/internal/models"
)

var pdfMagic = []byte("%PDF-")

// PDFAdapter handles page-oriented documents. It extracts plain text and runs
// the free-text line heuristics over it, so timestamps and severities are
// best-effort only.
type PDFAdapter struct{}

func NewPDFAdapter() *PDFAdapter { return &PDFAdapter{} }

func (a *PDFAdapter) Name() string { return FormatPDF }

func (a *PDFAdapter) Extensions() []string { return []string{".pdf"} }

func (a *PDFAdapter) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, pdfMagic)
}

func (a *PDFAdapter) Records(r io.Reader) (records []models.RawRecord, warns []models.ParseWarning, err error) {
	data, err := readAll(r)
	if err != nil {
		return nil, nil, parseErrorf(FormatPDF, "reading input: %v", err)
	}
	if len(data) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	// The pdf package panics on some malformed inputs; keep that a ParseError.
	defer func() {
		if rec := recover(); rec != nil {
			records, warns = nil, nil
			err = parseErrorf(FormatPDF, "document parse panicked: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, parseErrorf(FormatPDF, "opening document: %v", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return nil, nil, parseErrorf(FormatPDF, "extracting text: %v", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(textReader); err != nil {
		return nil, nil, parseErrorf(FormatPDF, "extracting text: %v", err)
	}

	return linesToRecords(buf.String()), nil, nil
}

// DOCXAdapter handles flow documents: one record per non-empty paragraph.
type DOCXAdapter struct{}

func NewDOCXAdapter() *DOCXAdapter { return &DOCXAdapter{} }

func (a *DOCXAdapter) Name() string { return FormatDOCX }

func (a *DOCXAdapter) Extensions() []string { return []string{".docx"} }

// Sniff is intentionally conservative: a bare zip header defaults to the
// spreadsheet adapter, so DOCX detection relies on the file extension.
func (a *DOCXAdapter) Sniff(header []byte) bool { return false }

func (a *DOCXAdapter) Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, nil, parseErrorf(FormatDOCX, "reading input: %v", err)
	}
	if len(data) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, parseErrorf(FormatDOCX, "opening document: %v", err)
	}

	var buf bytes.Buffer
	for _, item := range doc.Document.Body.Items {
		switch item.(type) {
		case *docx.Paragraph, *docx.Table:
			fmt.Fprintln(&buf, item)
		}
	}

	return linesToRecords(buf.String()), nil, nil
}
