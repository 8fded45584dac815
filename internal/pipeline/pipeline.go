// Package pipeline drives document extraction: open the PDF, walk its pages
// in fixed-size batches, probe each page for embedded text, fall back to the
// configured OCR backend chain, and aggregate ordered per-page results.
// Page-level failures never escalate to document-level failures.
package pipeline

import (
	"context"
	"image"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/toricodesthings/pdf-markdown-service/internal/backend"
	"github.com/toricodesthings/pdf-markdown-service/internal/document"
	"github.com/toricodesthings/pdf-markdown-service/internal/raster"
)

// DefaultBatchSize is the page-batch size used when none is configured.
const DefaultBatchSize = 5

// Document is the page source driven by the pipeline. Pages are 1-based.
// *document.Document satisfies it; tests substitute fakes.
type Document interface {
	NumPages() int
	Text(page int) (string, error)
	Image(page int, dpi float64) (image.Image, error)
	Close() error
}

// Extractor is the document extraction pipeline. One Extractor serves many
// requests; per-request state lives on the stack of Extract.
type Extractor struct {
	adapters  []backend.Adapter
	renderer  raster.Renderer
	batchSize int
	logger    *zap.Logger

	// progress, if set, is called after each batch with pages done so far.
	progress func(done, total int)

	// reclaim runs at batch boundaries to bound peak memory on large
	// documents. Swapped out in tests to observe checkpoints.
	reclaim func()
}

func New(adapters []backend.Adapter, renderer raster.Renderer, batchSize int, logger *zap.Logger) *Extractor {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		adapters:  adapters,
		renderer:  renderer,
		batchSize: batchSize,
		logger:    logger,
		reclaim:   func() { debug.FreeOSMemory() },
	}
}

// SetProgress registers an optional observer notified at batch boundaries.
func (e *Extractor) SetProgress(fn func(done, total int)) { e.progress = fn }

// Extract converts raw PDF bytes into one PageResult per page, in page
// order. The only error it returns is a document-open failure
// (*document.OpenError); everything after that is isolated per page.
func (e *Extractor) Extract(ctx context.Context, data []byte) ([]PageResult, error) {
	doc, err := document.OpenBytes(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return e.ExtractDocument(ctx, doc), nil
}

// ExtractFile is Extract for an on-disk PDF.
func (e *Extractor) ExtractFile(ctx context.Context, path string) ([]PageResult, error) {
	doc, err := document.Open(path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return e.ExtractDocument(ctx, doc), nil
}

// ExtractDocument runs the batch scheduler over an already-open document.
// The caller retains ownership and must close it.
func (e *Extractor) ExtractDocument(ctx context.Context, doc Document) []PageResult {
	total := doc.NumPages()
	batches := (total + e.batchSize - 1) / e.batchSize
	results := make([]PageResult, 0, total)

	e.logger.Info("extraction started",
		zap.Int("pages", total),
		zap.Int("batchSize", e.batchSize),
		zap.Int("batches", batches))

	for start := 1; start <= total; start += e.batchSize {
		end := start + e.batchSize - 1
		if end > total {
			end = total
		}
		batchNum := (start-1)/e.batchSize + 1

		for page := start; page <= end; page++ {
			results = append(results, e.processPage(ctx, doc, page))
		}

		// Reclamation checkpoint: every rasterized image from this batch is
		// unreachable by now.
		e.reclaim()

		e.logger.Info("batch complete",
			zap.Int("batch", batchNum),
			zap.Int("batches", batches),
			zap.Int("pagesDone", end),
			zap.Int("pagesTotal", total),
			zap.Float64("percent", float64(end)/float64(total)*100))

		if e.progress != nil {
			e.progress(end, total)
		}
	}

	e.logger.Info("extraction finished", zap.Int("pages", total))
	return results
}
