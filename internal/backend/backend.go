// Package backend provides a uniform adapter interface over the OCR
// providers: the remote inference API, the local neural and formula-aware
// model sidecars, and the traditional Tesseract engine.
package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Adapter is one OCR provider: rasterized PNG bytes in, recognized text out.
//
// Available must be checked before Recognize. For lazily-initialized
// backends it may block while a one-time warmup runs; a failed warmup makes
// the adapter unavailable for this call but a later call retries.
type Adapter interface {
	Name() string
	Available(ctx context.Context) bool
	Recognize(ctx context.Context, png []byte) (string, error)
}

// CallError is a per-call backend failure: a transport error, a non-200
// response, or a recognition failure. It is page-isolated by the caller and
// never aborts a document.
type CallError struct {
	Backend    string
	StatusCode int // 0 for transport / non-HTTP failures
	Message    string
}

func (e *CallError) Error() string {
	return e.Backend + " OCR failed: " + e.Detail()
}

// Detail is the failure description without the backend name, for embedding
// in markers that already carry it.
func (e *CallError) Detail() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// UnavailableError reports that a backend could not be initialized or its
// optional dependency is absent. Callers degrade to the next adapter in the
// chain rather than aborting.
type UnavailableError struct {
	Backend string
	Reason  string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %s", e.Backend, e.Reason)
}

// Marker formats a backend failure as the bracketed diagnostic embedded in
// page error messages, e.g. "[Remote Error: HTTP 503: Model loading]".
func Marker(backend, message string) string {
	if backend == "" {
		backend = "ocr"
	}
	display := strings.ToUpper(backend[:1]) + backend[1:]
	return fmt.Sprintf("[%s Error: %s]", display, message)
}

// Process-wide recognition concurrency guard. Remote calls are network-bound
// and local models are CPU-bound, so all adapters funnel through here.
var (
	limiterMu  sync.RWMutex
	ocrLimiter *semaphore.Weighted
)

// SetConcurrencyLimit caps concurrent Recognize calls across all adapters.
// max <= 0 removes the cap.
func SetConcurrencyLimit(max int64) {
	limiterMu.Lock()
	defer limiterMu.Unlock()
	if max <= 0 {
		ocrLimiter = nil
		return
	}
	ocrLimiter = semaphore.NewWeighted(max)
}

func withConcurrencyLimit(ctx context.Context, fn func() (string, error)) (string, error) {
	limiterMu.RLock()
	limiter := ocrLimiter
	limiterMu.RUnlock()
	if limiter == nil {
		return fn()
	}
	if err := limiter.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer limiter.Release(1)
	return fn()
}
