package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/toricodesthings/pdf-markdown-service/internal/markdown"
)

// ---------- Handlers ----------

func handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":              status,
		"hf_token_configured": strings.TrimSpace(cfg.HFToken) != "",
		"active":              active,
	})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

// handleOCR extracts text from a single uploaded image via the backend
// chain.
func handleOCR(w http.ResponseWriter, r *http.Request) {
	data, filename, declared, err := readUpload(r, cfg.MaxImageBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	if !strings.HasPrefix(declared, "image/") {
		writeErr(w, http.StatusBadRequest, "validation_failed", "File must be an image")
		return
	}
	if sniffed := mimetype.Detect(data); !strings.HasPrefix(sniffed.String(), "image/") {
		writeErr(w, http.StatusBadRequest, "validation_failed",
			fmt.Sprintf("File content is %s, not an image", sniffed.String()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.ExtractTimeout)
	defer cancel()

	text, err := recognizeImage(ctx, data)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "OCR processing error",
			"details": sanitizeError(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"filename":       filename,
		"extracted_text": text,
	})
}

// handlePDFToMarkdown runs the extraction pipeline over an uploaded PDF and
// returns the rendered Markdown as a file download.
func handlePDFToMarkdown(w http.ResponseWriter, r *http.Request) {
	data, filename, declared, err := readUpload(r, cfg.MaxPDFBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	// Rejected before any pipeline work.
	if declared != "application/pdf" {
		writeErr(w, http.StatusBadRequest, "validation_failed", "File must be a PDF")
		return
	}
	if sniffed := mimetype.Detect(data); !sniffed.Is("application/pdf") {
		writeErr(w, http.StatusBadRequest, "validation_failed",
			fmt.Sprintf("File content is %s, not application/pdf", sniffed.String()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.ExtractTimeout)
	defer cancel()

	logger.Info("processing PDF",
		zap.String("filename", filename),
		zap.Int("sizeBytes", len(data)))

	results, err := extractor.Extract(ctx, data)
	if err != nil {
		// Only a document-open failure reaches here; page-level failures
		// are already isolated into per-page results.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "PDF processing error",
			"details": sanitizeError(err),
		})
		return
	}

	md := markdown.Format(results, markdown.TitleFromFilename(filename))

	outName := strings.TrimSuffix(filename, ".pdf") + ".md"

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", outName))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, md)
}

// recognizeImage walks the backend chain over raw image bytes, returning the
// first non-empty recognition.
func recognizeImage(ctx context.Context, data []byte) (string, error) {
	var errs []string
	for _, a := range ocrChain {
		if !a.Available(ctx) {
			continue
		}
		text, err := a.Recognize(ctx, data)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("all backends failed: %s", strings.Join(errs, "; "))
	}
	return "", fmt.Errorf("no OCR backend available")
}

// ---------- Upload helpers ----------

// readUpload reads the multipart "file" field, capped at maxBytes, and
// returns its contents, original filename, and declared content type.
func readUpload(r *http.Request, maxBytes int64) (data []byte, filename, contentType string, err error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", "", fmt.Errorf("missing file upload: %w", err)
	}
	defer file.Close()

	data, err = io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", "", fmt.Errorf("file exceeds limit (%dMB)", maxBytes/(1<<20))
	}

	return data, header.Filename, header.Header.Get("Content-Type"), nil
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   code,
		"details": message,
	})
}
