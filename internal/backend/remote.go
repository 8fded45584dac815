package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const remoteName = "remote"

// Remote sends raw image bytes to a hosted inference endpoint with a bearer
// credential. No retry is built in; the fallback chain decides what happens
// on failure.
type Remote struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewRemote(url, token string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Remote{
		url:     url,
		token:   token,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (r *Remote) Name() string { return remoteName }

// Available reports whether a credential is configured. The endpoint itself
// is not probed; its failures surface per call.
func (r *Remote) Available(ctx context.Context) bool {
	return strings.TrimSpace(r.token) != "" && strings.TrimSpace(r.url) != ""
}

type remoteResponse struct {
	GeneratedText string `json:"generated_text"`
}

// Recognize POSTs the PNG to the inference endpoint. A 200 with a missing
// generated_text field yields an empty string, not an error.
func (r *Remote) Recognize(ctx context.Context, png []byte) (string, error) {
	return withConcurrencyLimit(ctx, func() (string, error) {
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.url, bytes.NewReader(png))
		if err != nil {
			return "", &CallError{Backend: remoteName, Message: "create request: " + err.Error()}
		}
		req.Header.Set("Authorization", "Bearer "+r.token)
		req.Header.Set("Content-Type", "image/png")

		resp, err := r.client.Do(req)
		if err != nil {
			return "", &CallError{Backend: remoteName, Message: err.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			return "", &CallError{
				Backend:    remoteName,
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(body)),
			}
		}

		var out remoteResponse
		dec := json.NewDecoder(io.LimitReader(resp.Body, 100<<20))
		if err := dec.Decode(&out); err != nil {
			return "", &CallError{Backend: remoteName, Message: "decode response: " + err.Error()}
		}

		return out.GeneratedText, nil
	})
}
