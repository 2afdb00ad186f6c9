package imagejob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWorker submits generation requests to the external image service
// over HTTP. Each request carries the callback URL and the reference's
// signature, so the worker can report completion without sharing the
// secret itself.
type HTTPWorker struct {
	URL         string
	CallbackURL string
	Secret      string
	Client      *http.Client
}

// NewHTTPWorker builds a worker client with a sane request timeout.
func NewHTTPWorker(url, callbackURL, secret string, timeout time.Duration) *HTTPWorker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWorker{
		URL:         url,
		CallbackURL: callbackURL,
		Secret:      secret,
		Client:      &http.Client{Timeout: timeout},
	}
}

type workerRequest struct {
	Reference      string `json:"reference"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	CallbackURL    string `json:"callback_url"`
	Signature      string `json:"signature"`
}

// Generate submits one job. Any non-2xx response is an error; the job
// is then marked failed by the caller, never left dangling in queued.
func (w *HTTPWorker) Generate(ctx context.Context, reference string, params Params) error {
	body, err := json.Marshal(workerRequest{
		Reference:      reference,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		CallbackURL:    w.CallbackURL,
		Signature:      Sign(w.Secret, reference),
	})
	if err != nil {
		return fmt.Errorf("imagejob: encode worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("imagejob: build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("imagejob: submit to worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("imagejob: worker returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
