//go:build ocr

package backend

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract is the traditional OCR engine. No model download is needed, so
// it is always available when compiled in (build tag "ocr"; requires the
// libtesseract native library).
type Tesseract struct {
	languages []string
}

func NewTesseract(languages ...string) *Tesseract {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{languages: languages}
}

func (t *Tesseract) Name() string { return "traditional" }

func (t *Tesseract) Available(ctx context.Context) bool { return true }

// Recognize runs Tesseract with the uniform-block text assumption. A fresh
// client per call keeps the engine state request-local.
func (t *Tesseract) Recognize(ctx context.Context, png []byte) (string, error) {
	return withConcurrencyLimit(ctx, func() (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		client := gosseract.NewClient()
		defer client.Close()

		if err := client.SetLanguage(t.languages...); err != nil {
			return "", &CallError{Backend: t.Name(), Message: "set language: " + err.Error()}
		}
		if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
			return "", &CallError{Backend: t.Name(), Message: "set page seg mode: " + err.Error()}
		}
		if err := client.SetImageFromBytes(png); err != nil {
			return "", &CallError{Backend: t.Name(), Message: "set image: " + err.Error()}
		}

		text, err := client.Text()
		if err != nil {
			return "", &CallError{Backend: t.Name(), Message: err.Error()}
		}
		return strings.TrimSpace(text), nil
	})
}
