package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toricodesthings/pdf-markdown-service/internal/backend"
	"github.com/toricodesthings/pdf-markdown-service/internal/config"
)

func setupTestGlobals(t *testing.T) {
	t.Helper()
	cfg = config.Config{
		MaxPDFBytes:           10 << 20,
		MaxImageBytes:         10 << 20,
		MaxConcurrentRequests: 15,
		ExtractTimeout:        30 * time.Second,
		HealthDegradeRatio:    0.9,
	}
	logger = zap.NewNop()
	extractor = nil
	ocrChain = nil
}

// uploadRequest builds a multipart POST with a single "file" part.
func uploadRequest(t *testing.T, path, filename, contentType string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPDFToMarkdownRejectsWrongDeclaredType(t *testing.T) {
	setupTestGlobals(t)

	// extractor stays nil: reaching the pipeline would panic, which proves
	// the upload is rejected before any extraction work.
	req := uploadRequest(t, "/pdf-to-markdown", "notes.txt", "text/plain", []byte("just text"))
	rec := httptest.NewRecorder()

	handlePDFToMarkdown(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["error"] != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", out["error"])
	}
}

func TestPDFToMarkdownRejectsMismatchedContent(t *testing.T) {
	setupTestGlobals(t)

	// Declared as PDF, but the bytes are plain text.
	req := uploadRequest(t, "/pdf-to-markdown", "fake.pdf", "application/pdf", []byte("hello, not a pdf"))
	rec := httptest.NewRecorder()

	handlePDFToMarkdown(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPDFToMarkdownRequiresFileField(t *testing.T) {
	setupTestGlobals(t)

	req := httptest.NewRequest(http.MethodPost, "/pdf-to-markdown", strings.NewReader("no multipart"))
	rec := httptest.NewRecorder()

	handlePDFToMarkdown(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOCRRejectsNonImage(t *testing.T) {
	setupTestGlobals(t)

	req := uploadRequest(t, "/ocr", "doc.pdf", "application/pdf", []byte("%PDF-1.4"))
	rec := httptest.NewRecorder()

	handleOCR(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

type stubAdapter struct {
	name string
	text string
	err  error
}

func (a *stubAdapter) Name() string                       { return a.name }
func (a *stubAdapter) Available(ctx context.Context) bool { return true }
func (a *stubAdapter) Recognize(ctx context.Context, png []byte) (string, error) {
	return a.text, a.err
}

func TestOCRSuccess(t *testing.T) {
	setupTestGlobals(t)
	ocrChain = []backend.Adapter{&stubAdapter{name: "neural", text: "scanned words"}}

	req := uploadRequest(t, "/ocr", "scan.png", "image/png", pngBytes(t))
	rec := httptest.NewRecorder()

	handleOCR(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	if out["extracted_text"] != "scanned words" {
		t.Fatalf("expected extracted text, got %v", out["extracted_text"])
	}
	if out["filename"] != "scan.png" {
		t.Fatalf("expected filename echoed, got %v", out["filename"])
	}
}

func TestOCRAllBackendsFailing(t *testing.T) {
	setupTestGlobals(t)
	ocrChain = []backend.Adapter{&stubAdapter{
		name: "remote",
		err:  &backend.CallError{Backend: "remote", StatusCode: 503, Message: "Model loading"},
	}}

	req := uploadRequest(t, "/ocr", "scan.png", "image/png", pngBytes(t))
	rec := httptest.NewRecorder()

	handleOCR(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["error"] != "OCR processing error" {
		t.Fatalf("expected OCR processing error, got %v", out["error"])
	}
}

func TestHealth(t *testing.T) {
	setupTestGlobals(t)
	cfg.HFToken = "hf_abc"

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeJSON(t, rec)
	if out["status"] != "healthy" {
		t.Fatalf("expected healthy, got %v", out["status"])
	}
	if out["hf_token_configured"] != true {
		t.Fatalf("expected token flag set, got %v", out)
	}
}

func TestWithMethodRejectsWrongVerb(t *testing.T) {
	setupTestGlobals(t)

	called := false
	h := withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/pdf-to-markdown", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if called {
		t.Fatalf("handler should not run for the wrong method")
	}
}

func TestNormalizePriority(t *testing.T) {
	cases := []struct {
		in, want []string
	}{
		{
			in:   []string{"neural", "formula", "traditional"},
			want: []string{"formula", "neural", "traditional"},
		},
		{
			in:   []string{"formula", "neural"},
			want: []string{"formula", "neural"},
		},
		{
			in:   []string{"remote", "neural"},
			want: []string{"remote", "neural"},
		},
		{
			in:   []string{"remote", "neural", "traditional", "formula"},
			want: []string{"remote", "formula", "neural", "traditional"},
		},
	}
	for _, c := range cases {
		if got := normalizePriority(c.in); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("normalizePriority(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	if got := getClientIP(req); got != "192.0.2.10" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := getClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 198.51.100.7")
	if got := getClientIP(req); got != "203.0.113.5" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestRateLimiterResetConcurrentWithLookups(t *testing.T) {
	setupTestGlobals(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if getRateLimiter(fmt.Sprintf("192.0.2.%d", n)) == nil {
					t.Errorf("limiter lookup returned nil")
					return
				}
			}
		}(i)
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				resetRateLimiters()
			}
		}()
	}
	wg.Wait()

	if getRateLimiter("192.0.2.1") == nil {
		t.Fatalf("limiter lookup should survive concurrent resets")
	}
}

func TestSanitizeErrorTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := sanitizeError(&backend.CallError{Backend: "remote", Message: long})
	if len(got) > 310 {
		t.Fatalf("expected truncated message, got %d chars", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got[len(got)-10:])
	}
}
