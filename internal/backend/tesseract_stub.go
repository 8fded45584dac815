//go:build !ocr

package backend

import "context"

// Tesseract stub for builds without the "ocr" tag. The traditional engine is
// an optional dependency; without libtesseract the adapter reports itself
// unavailable and the chain degrades past it.
type Tesseract struct{}

func NewTesseract(languages ...string) *Tesseract { return &Tesseract{} }

func (t *Tesseract) Name() string { return "traditional" }

func (t *Tesseract) Available(ctx context.Context) bool { return false }

func (t *Tesseract) Recognize(ctx context.Context, png []byte) (string, error) {
	return "", &UnavailableError{
		Backend: t.Name(),
		Reason:  "built without Tesseract support (rebuild with -tags ocr)",
	}
}
