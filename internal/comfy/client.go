package comfy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"comfychat/internal/workflow"
)

// healthTimeout bounds the configuration-test probe.
const healthTimeout = 10 * time.Second

// SubmissionError reports a job submission that did not reach the queue:
// transport failure or a non-2xx response. It ends the session that raised it.
type SubmissionError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return "prompt submission failed: " + e.Err.Error()
	}
	return "prompt submission failed: " + e.Status
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RetrievalError reports an artifact fetch that failed after a successful
// generation. The remote URL is retained so the failure stays visible and
// retryable.
type RetrievalError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.Err != nil {
		return "image download failed: " + e.Err.Error()
	}
	return fmt.Sprintf("image download failed: status %d", e.StatusCode)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Client is the REST side of the backend protocol, bound to one resolved
// (base, token) pair. It is rebuilt whenever the configuration changes.
type Client struct {
	base     string
	token    string
	clientID string
	http     *http.Client
	log      zerolog.Logger
}

// NewClient builds a client for a resolved base address. clientID is the
// process-lifetime session id carried on every submission so push events can
// be scoped back to this client.
func NewClient(base, token, clientID string, log zerolog.Logger) *Client {
	return &Client{
		base:     base,
		token:    token,
		clientID: clientID,
		http:     &http.Client{},
		log:      log.With().Str("component", "comfy_client").Logger(),
	}
}

// Base returns the resolved base address this client talks to.
func (c *Client) Base() string { return c.base }

// submitRequest is the POST /prompt body.
type submitRequest struct {
	ClientID string            `json:"client_id"`
	Prompt   workflow.Workflow `json:"prompt"`
}

// SubmitPrompt queues one prepared workflow on the backend. A successful
// response only means the job was accepted; results arrive later on the push
// channel, so the response body is not consumed.
func (c *Client) SubmitPrompt(ctx context.Context, wf workflow.Workflow) error {
	payload, err := sonic.Marshal(submitRequest{ClientID: c.clientID, Prompt: wf})
	if err != nil {
		return &SubmissionError{Err: fmt.Errorf("encode prompt body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return &SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Msg("prompt submission rejected")
		return &SubmissionError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// FetchImage performs the authenticated artifact retrieval for one
// descriptor and returns the raw image bytes.
func (c *Client) FetchImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	viewURL := ViewURL(c.base, ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, viewURL, nil)
	if err != nil {
		return nil, &RetrievalError{URL: viewURL, Err: err}
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RetrievalError{URL: viewURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RetrievalError{URL: viewURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetrievalError{URL: viewURL, Err: err}
	}
	return data, nil
}

// CheckHealth probes the backend's stats endpoint with a bounded timeout.
// It is used when testing a configuration, not during generation sessions.
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/system_stats", nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	for key, values := range AuthHeader(c.token) {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
}
