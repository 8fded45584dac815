package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in BACKEND_PRIORITY.
const (
	BackendRemote      = "remote"
	BackendNeural      = "neural"
	BackendFormula     = "formula"
	BackendTraditional = "traditional"
)

type Config struct {
	// Server
	Port string

	// Remote inference backend
	HFToken  string
	HFAPIURL string

	// Local model sidecars
	NeuralOCRURL  string
	FormulaOCRURL string

	// Extraction pipeline
	BackendPriority   []string
	BatchSize         int
	DPIScale          float64
	MaxImageDimension int

	// Limits
	MaxPDFBytes   int64
	MaxImageBytes int64

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64
	MaxConnections        int

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Request timeouts
	ExtractTimeout time.Duration
	RemoteTimeout  time.Duration

	// Sidecar warmup (model download + load can take minutes on first use)
	WarmupTimeout      time.Duration
	WarmupPollInterval time.Duration

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64

	// http
	MaxHeaderBytes int
}

func Load() Config {
	cfg := Config{
		Port: envStr("PORT", "8080"),

		HFToken:  envStr("HF_TOKEN", ""),
		HFAPIURL: envStr("HF_API_URL", "https://api-inference.huggingface.co/models/lightonai/LightOnOCR-2-1B"),

		NeuralOCRURL:  envStr("NEURAL_OCR_URL", ""),
		FormulaOCRURL: envStr("FORMULA_OCR_URL", ""),

		BackendPriority:   envList("BACKEND_PRIORITY", []string{BackendFormula, BackendNeural, BackendTraditional}),
		BatchSize:         envInt("BATCH_SIZE", 5),
		DPIScale:          envFloat("DPI_SCALE", 2.0),
		MaxImageDimension: envInt("MAX_IMAGE_DIMENSION", 2000),

		MaxPDFBytes:   int64(envInt("MAX_PDF_BYTES", int(200<<20))),
		MaxImageBytes: int64(envInt("MAX_IMAGE_BYTES", int(40<<20))),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 15)),
		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 3)),
		MaxConnections:        envInt("MAX_CONNECTIONS", 256),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 600*time.Second),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),

		ExtractTimeout: envDur("EXTRACT_TIMEOUT", 600*time.Second),
		RemoteTimeout:  envDur("REMOTE_TIMEOUT", 120*time.Second),

		WarmupTimeout:      envDur("WARMUP_TIMEOUT", 5*time.Minute),
		WarmupPollInterval: envDur("WARMUP_POLL_INTERVAL", 3*time.Second),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt("MAX_HEADER_BYTES", 1<<20),
	}

	if path := envStr("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: config file %s ignored: %v\n", path, err)
		}
	}

	return cfg
}

func (c Config) Validate() error {
	if len(c.BackendPriority) == 0 {
		return fmt.Errorf("BACKEND_PRIORITY must name at least one backend")
	}
	for _, name := range c.BackendPriority {
		switch name {
		case BackendRemote, BackendNeural, BackendFormula, BackendTraditional:
		default:
			return fmt.Errorf("unknown backend %q in BACKEND_PRIORITY", name)
		}
	}
	if c.HasBackend(BackendRemote) && strings.TrimSpace(c.HFToken) == "" {
		return fmt.Errorf("HF_TOKEN must be set when the remote backend is configured")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be >= 1")
	}
	if c.DPIScale <= 0 {
		return fmt.Errorf("DPI_SCALE must be > 0")
	}
	if c.MaxImageDimension < 1 {
		return fmt.Errorf("MAX_IMAGE_DIMENSION must be >= 1")
	}
	return nil
}

// HasBackend reports whether name appears in the configured priority list.
func (c Config) HasBackend(name string) bool {
	for _, b := range c.BackendPriority {
		if b == name {
			return true
		}
	}
	return false
}

// fileConfig mirrors the tunables that make sense in a checked-in config
// file. Pointer fields so absent keys leave the env/default value alone.
type fileConfig struct {
	Port              *string  `yaml:"port"`
	HFAPIURL          *string  `yaml:"hfApiUrl"`
	NeuralOCRURL      *string  `yaml:"neuralOcrUrl"`
	FormulaOCRURL     *string  `yaml:"formulaOcrUrl"`
	BackendPriority   []string `yaml:"backendPriority"`
	BatchSize         *int     `yaml:"batchSize"`
	DPIScale          *float64 `yaml:"dpiScale"`
	MaxImageDimension *int     `yaml:"maxImageDimension"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.HFAPIURL != nil {
		c.HFAPIURL = *fc.HFAPIURL
	}
	if fc.NeuralOCRURL != nil {
		c.NeuralOCRURL = *fc.NeuralOCRURL
	}
	if fc.FormulaOCRURL != nil {
		c.FormulaOCRURL = *fc.FormulaOCRURL
	}
	if len(fc.BackendPriority) > 0 {
		c.BackendPriority = fc.BackendPriority
	}
	if fc.BatchSize != nil && *fc.BatchSize > 0 {
		c.BatchSize = *fc.BatchSize
	}
	if fc.DPIScale != nil && *fc.DPIScale > 0 {
		c.DPIScale = *fc.DPIScale
	}
	if fc.MaxImageDimension != nil && *fc.MaxImageDimension > 0 {
		c.MaxImageDimension = *fc.MaxImageDimension
	}

	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
