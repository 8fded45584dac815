package main

import (
	"errors"
	"log"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/toricodesthings/pdf-markdown-service/internal/backend"
	"github.com/toricodesthings/pdf-markdown-service/internal/config"
	"github.com/toricodesthings/pdf-markdown-service/internal/pipeline"
	"github.com/toricodesthings/pdf-markdown-service/internal/raster"
)

var (
	cfg    config.Config
	logger *zap.Logger

	requestSem *semaphore.Weighted
	extractor  *pipeline.Extractor
	ocrChain   []backend.Adapter

	// Per-IP rate limiters
	limiters = &sync.Map{}

	metrics = &serverMetrics{}
)

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

func main() {
	cfg = config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	backend.SetConcurrencyLimit(cfg.MaxOCRConcurrent)

	ocrChain = buildAdapters(cfg, logger)

	renderer := raster.Renderer{
		Scale:        cfg.DPIScale,
		MaxDimension: cfg.MaxImageDimension,
	}
	extractor = pipeline.New(ocrChain, renderer, cfg.BatchSize, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", handleMetrics)

	mux.HandleFunc("/ocr",
		withRateLimit(
			withMethod("POST",
				withConcurrencyLimit(handleOCR))))

	mux.HandleFunc("/pdf-to-markdown",
		withRateLimit(
			withMethod("POST",
				withConcurrencyLimit(handlePDFToMarkdown))))

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}

	srv := &http.Server{
		Handler:           withLogging(withRecovery(mux)),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	go cleanupRateLimiters()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("listen failed", zap.String("port", cfg.Port), zap.Error(err))
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	logger.Info("pdf-markdown-service listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int64("maxConcurrent", cfg.MaxConcurrentRequests),
		zap.Int64("maxOCRConcurrent", cfg.MaxOCRConcurrent),
		zap.Strings("backendPriority", cfg.BackendPriority))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// buildAdapters wires the OCR backend chain from the configured priority
// list. The formula-aware adapter is always attempted before the neural
// recognizer when both are configured, and carries it as its internal
// per-call fallback.
func buildAdapters(cfg config.Config, logger *zap.Logger) []backend.Adapter {
	opts := backend.SidecarOptions{
		WarmupTimeout: cfg.WarmupTimeout,
		PollInterval:  cfg.WarmupPollInterval,
		Logger:        logger,
	}

	neural := backend.NewNeural(cfg.NeuralOCRURL, opts)

	priority := normalizePriority(cfg.BackendPriority)

	var chain []backend.Adapter
	for _, name := range priority {
		switch name {
		case config.BackendRemote:
			chain = append(chain, backend.NewRemote(cfg.HFAPIURL, cfg.HFToken, cfg.RemoteTimeout))
		case config.BackendNeural:
			chain = append(chain, neural)
		case config.BackendFormula:
			chain = append(chain, backend.NewFormula(cfg.FormulaOCRURL, neural, opts))
		case config.BackendTraditional:
			chain = append(chain, backend.NewTesseract())
		}
	}
	return chain
}

// normalizePriority moves "formula" ahead of "neural" when both are listed.
// Math-heavy pages are flattened badly by text-only models, so the hybrid
// configuration always tries the formula-aware backend first.
func normalizePriority(priority []string) []string {
	fi, ni := -1, -1
	for i, name := range priority {
		switch name {
		case config.BackendFormula:
			fi = i
		case config.BackendNeural:
			ni = i
		}
	}
	if fi < 0 || ni < 0 || fi < ni {
		return priority
	}

	out := make([]string, 0, len(priority))
	for i, name := range priority {
		if i == ni {
			out = append(out, config.BackendFormula, config.BackendNeural)
			continue
		}
		if i == fi {
			continue
		}
		out = append(out, name)
	}
	return out
}

func cleanupRateLimiters() {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := metrics.get()
		logger.Info("stats",
			zap.Int64("active", active),
			zap.Int64("total", total),
			zap.Int("goroutines", runtime.NumGoroutine()),
			zap.Uint64("memMB", m.Alloc/(1<<20)))

		resetRateLimiters()
	}
}

// resetRateLimiters drops all per-IP limiters in place. The map pointer is
// never reassigned, so request goroutines can look up limiters concurrently.
func resetRateLimiters() {
	limiters.Range(func(key, _ any) bool {
		limiters.Delete(key)
		return true
	})
}

// ---------- Middleware ----------

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be "+method)
			return
		}
		next(w, r)
	}
}

func withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer requestSem.Release(1)

		metrics.incActive()
		defer metrics.decActive()

		next(w, r)
	}
}

func withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		limiter := getRateLimiter(ip)

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", zap.Any("panic", err))
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------- Helpers ----------

func getRateLimiter(ip string) *rate.Limiter {
	if v, ok := limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}

	every := cfg.RateLimitEvery
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	limiter := rate.NewLimiter(rate.Every(every), burst)
	limiters.Store(ip, limiter)
	return limiter
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
