package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Sidecar talks to a local model server over HTTP. The server loads its
// weights lazily; the first call triggers a warmup that may take minutes
// while models download. Warmup runs at most once at a time and is shared by
// concurrent requests.
//
// Protocol: GET <url>/ready answers 200 once the model is loaded;
// POST <url>/recognize takes PNG bytes and answers
// {"text": "...", "lines": ["..."]}.
type Sidecar struct {
	name         string
	baseURL      string
	client       *http.Client
	warmupWait   time.Duration
	pollInterval time.Duration
	fallback     Adapter
	session      lazySession
	logger       *zap.Logger
}

type SidecarOptions struct {
	WarmupTimeout time.Duration
	PollInterval  time.Duration
	Logger        *zap.Logger
}

// NewNeural builds the adapter for the neural detector+recognizer sidecar.
func NewNeural(baseURL string, opts SidecarOptions) *Sidecar {
	return newSidecar("neural", baseURL, nil, opts)
}

// NewFormula builds the adapter for the formula-aware sidecar. On a per-call
// failure it falls back to the given adapter (the neural recognizer in the
// hybrid configuration) instead of surfacing the error.
func NewFormula(baseURL string, fallback Adapter, opts SidecarOptions) *Sidecar {
	return newSidecar("formula", baseURL, fallback, opts)
}

func newSidecar(name, baseURL string, fallback Adapter, opts SidecarOptions) *Sidecar {
	if opts.WarmupTimeout <= 0 {
		opts.WarmupTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sidecar{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 120 * time.Second},
		warmupWait:   opts.WarmupTimeout,
		pollInterval: opts.PollInterval,
		fallback:     fallback,
		logger:       opts.Logger.With(zap.String("backend", name)),
	}
}

func (s *Sidecar) Name() string { return s.name }

// Available triggers the lazy warmup on first use and reports whether the
// model server is ready. After a failed warmup it returns false for this
// call; the next call retries.
func (s *Sidecar) Available(ctx context.Context) bool {
	if s.baseURL == "" {
		return false
	}
	if err := s.session.ensure(ctx, s.warmup); err != nil {
		s.logger.Warn("warmup failed", zap.Error(err))
		return false
	}
	return true
}

// warmup polls the readiness endpoint until the model reports loaded. First
// use downloads weights, so this intentionally waits far longer than a
// normal request.
func (s *Sidecar) warmup(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, s.warmupWait)
	defer cancel()

	s.logger.Info("warming up model server", zap.String("url", s.baseURL))

	attempts := uint(s.warmupWait / s.pollInterval)
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error { return s.probeReady(wctx) },
		retry.Context(wctx),
		retry.Attempts(attempts),
		retry.Delay(s.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &UnavailableError{Backend: s.name, Reason: err.Error()}
	}

	s.logger.Info("model server ready")
	return nil
}

func (s *Sidecar) probeReady(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: HTTP %d", resp.StatusCode)
	}
	return nil
}

type sidecarResponse struct {
	Text  string   `json:"text"`
	Lines []string `json:"lines"`
}

func (s *Sidecar) Recognize(ctx context.Context, png []byte) (string, error) {
	text, err := withConcurrencyLimit(ctx, func() (string, error) {
		return s.recognizeOnce(ctx, png)
	})
	if err == nil {
		return text, nil
	}

	if s.fallback != nil && s.fallback.Available(ctx) {
		s.logger.Warn("falling back", zap.String("to", s.fallback.Name()), zap.Error(err))
		return s.fallback.Recognize(ctx, png)
	}
	return "", err
}

func (s *Sidecar) recognizeOnce(ctx context.Context, png []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/recognize", bytes.NewReader(png))
	if err != nil {
		return "", &CallError{Backend: s.name, Message: "create request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &CallError{Backend: s.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &CallError{
			Backend:    s.name,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var out sidecarResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, 100<<20))
	if err := dec.Decode(&out); err != nil {
		return "", &CallError{Backend: s.name, Message: "decode response: " + err.Error()}
	}

	if out.Text != "" {
		return out.Text, nil
	}
	return strings.Join(out.Lines, "\n"), nil
}
