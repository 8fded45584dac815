// Package document wraps a parsed PDF for the extraction pipeline. A
// Document is owned by exactly one request: opened at pipeline start, held
// for the duration of extraction, and closed before the response is written.
package document

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// OpenError signals a malformed or unreadable PDF. It is fatal to the whole
// request; no partial results exist when Open fails.
type OpenError struct {
	Reason string
	Err    error
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("open document: %s: %v", e.Reason, e.Err)
	}
	return "open document: " + e.Reason
}

func (e *OpenError) Unwrap() error { return e.Err }

// Document is an ordered, read-only view over the pages of one PDF.
type Document struct {
	doc   *fitz.Document
	pages int
}

// Open loads a PDF from a file path.
func Open(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &OpenError{Reason: "read file", Err: err}
	}
	return OpenBytes(data)
}

// OpenBytes loads a PDF from raw bytes. The bytes are validated with pdfcpu
// before MuPDF parses them, so obviously damaged input never reaches the cgo
// layer.
func OpenBytes(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, &OpenError{Reason: "empty input"}
	}

	if _, err := api.PageCount(bytes.NewReader(data), nil); err != nil {
		return nil, &OpenError{Reason: "invalid PDF", Err: err}
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, &OpenError{Reason: "parse PDF", Err: err}
	}

	pages := doc.NumPage()
	if pages < 1 {
		_ = doc.Close()
		return nil, &OpenError{Reason: "PDF has no pages"}
	}

	return &Document{doc: doc, pages: pages}, nil
}

// NumPages returns the page count.
func (d *Document) NumPages() int { return d.pages }

// Text is the direct-text probe: it returns the embedded text of the 1-based
// page verbatim, or an empty string when the page carries none. Absence of
// text is not an error; probe failures are folded into "no text" so the
// caller falls through to OCR.
func (d *Document) Text(page int) (string, error) {
	if page < 1 || page > d.pages {
		return "", fmt.Errorf("page %d out of range [1,%d]", page, d.pages)
	}
	text, err := d.doc.Text(page - 1)
	if err != nil {
		return "", nil
	}
	return text, nil
}

// Image renders the 1-based page to a bitmap at the given DPI. The returned
// image is the only pixmap alive for the page; the caller encodes and drops
// it before the next page begins.
func (d *Document) Image(page int, dpi float64) (image.Image, error) {
	if page < 1 || page > d.pages {
		return nil, fmt.Errorf("page %d out of range [1,%d]", page, d.pages)
	}
	img, err := d.doc.ImageDPI(page-1, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return img, nil
}

// Close releases the underlying MuPDF resources. Safe to call once.
func (d *Document) Close() error {
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
