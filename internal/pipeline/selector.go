package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/toricodesthings/pdf-markdown-service/internal/backend"
	"github.com/toricodesthings/pdf-markdown-service/internal/raster"
)

// processPage runs the per-page fallback chain:
//
//  1. direct-text probe, cheap and exact; if the page carries embedded
//     text, no rasterization or backend call happens at all;
//  2. rasterize once;
//  3. walk the configured adapters in priority order until one yields
//     non-empty text.
//
// Any failure is folded into the returned PageResult; this function never
// propagates an error upward.
func (e *Extractor) processPage(ctx context.Context, doc Document, page int) PageResult {
	if err := ctx.Err(); err != nil {
		return PageResult{Page: page, Status: StatusError, Error: "request canceled: " + err.Error()}
	}

	if text, err := doc.Text(page); err == nil {
		if cleaned := cleanText(text); cleaned != "" {
			e.logger.Debug("text layer hit", zap.Int("page", page))
			return PageResult{Page: page, Text: cleaned, Status: StatusSuccess, Method: MethodTextLayer}
		}
	}

	png, err := e.rasterize(doc, page)
	if err != nil {
		e.logger.Warn("rasterization failed", zap.Int("page", page), zap.Error(err))
		return PageResult{Page: page, Status: StatusError, Error: err.Error()}
	}

	var failures []string
	attempted := false

	for _, a := range e.adapters {
		if !a.Available(ctx) {
			continue
		}
		attempted = true

		text, err := a.Recognize(ctx, png)
		if err != nil {
			failures = append(failures, backend.Marker(a.Name(), callDetail(err)))
			e.logger.Warn("backend call failed",
				zap.Int("page", page),
				zap.String("backend", a.Name()),
				zap.Error(err))
			continue
		}

		if cleaned := cleanText(text); cleaned != "" {
			e.logger.Debug("ocr hit", zap.Int("page", page), zap.String("backend", a.Name()))
			return PageResult{Page: page, Text: cleaned, Status: StatusSuccess, Method: a.Name()}
		}
	}

	switch {
	case len(failures) > 0:
		return PageResult{Page: page, Status: StatusError, Error: strings.Join(failures, "; ")}
	case attempted:
		return PageResult{Page: page, Status: StatusEmpty}
	default:
		return PageResult{Page: page, Status: StatusError, Error: "no OCR backend available"}
	}
}

// rasterize renders and encodes one page. The bitmap is function-local so at
// most one rasterized image is alive per page.
func (e *Extractor) rasterize(doc Document, page int) ([]byte, error) {
	img, err := doc.Image(page, e.renderer.DPI())
	if err != nil {
		return nil, &raster.RenderError{Page: page, Err: err}
	}
	png, err := e.renderer.Encode(img)
	if err != nil {
		return nil, &raster.RenderError{Page: page, Err: err}
	}
	return png, nil
}

// callDetail strips the backend prefix from call errors so the bracketed
// marker does not repeat the adapter name.
func callDetail(err error) string {
	var ce *backend.CallError
	if errors.As(err, &ce) {
		return ce.Detail()
	}
	return err.Error()
}

// cleanText normalizes extracted text: unified line endings, invisible
// unicode stripped, trailing whitespace removed, at most two consecutive
// blank lines.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		case '\u00a0':
			return ' '
		default:
			return r
		}
	}, text)

	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	consecutiveEmpty := 0

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			consecutiveEmpty++
			if consecutiveEmpty <= 2 {
				cleaned = append(cleaned, "")
			}
			continue
		}
		consecutiveEmpty = 0
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
