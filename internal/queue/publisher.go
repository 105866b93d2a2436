// Package queue implements the asynchronous job-dispatch collaborator:
// jobs are published as signed HTTP callbacks to the service's own
// endpoints, with at-least-once delivery. Handlers must treat every
// delivery as a possible duplicate; correctness comes from the
// check-and-set status guard, not from the dispatcher.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Header names of the dispatch envelope.
const (
	HeaderSignature = "X-Dispatch-Signature"
	HeaderTimestamp = "X-Dispatch-Timestamp"
	HeaderAttempt   = "X-Dispatch-Attempt"
)

// Job targets.
const (
	TargetOCR      = "/api/jobs/ocr"
	TargetClassify = "/api/jobs/classify"
)

// Job is one dispatched work item.
type Job struct {
	Target       string          `json:"target"`
	Payload      json.RawMessage `json:"payload"`
	Retries      int             `json:"retries"`
	DelaySeconds int             `json:"delaySeconds"`
}

// Publisher dispatches jobs to the service's own HTTP surface.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// HTTPPublisher posts signed job payloads to baseURL+target after the
// requested delay. Delivery is fire-and-forget; failed deliveries rely on
// manual retry, matching the external dispatcher it stands in for.
type HTTPPublisher struct {
	baseURL    string
	signingKey string
	client     *http.Client
	logger     *zap.Logger
}

// NewHTTPPublisher creates a publisher targeting the service's own base
// URL.
func NewHTTPPublisher(baseURL, signingKey string, timeout time.Duration, logger *zap.Logger) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPublisher{
		baseURL:    baseURL,
		signingKey: signingKey,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Publish signs and posts the job. The delay runs in a goroutine so the
// caller's request cycle is never blocked by a delayed dispatch.
func (p *HTTPPublisher) Publish(ctx context.Context, job Job) error {
	if job.Target == "" {
		return fmt.Errorf("job target is required")
	}

	deliver := func() {
		if err := p.deliver(job); err != nil {
			p.logger.Error("Job delivery failed",
				zap.String("target", job.Target),
				zap.Error(err))
		}
	}

	if job.DelaySeconds > 0 {
		go func() {
			select {
			case <-time.After(time.Duration(job.DelaySeconds) * time.Second):
				deliver()
			case <-ctx.Done():
			}
		}()
		return nil
	}

	go deliver()
	return nil
}

func (p *HTTPPublisher) deliver(job Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.baseURL+job.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build job request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(p.signingKey, timestamp, body))
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.Retries))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("job delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("job delivery answered %d", resp.StatusCode)
	}

	p.logger.Debug("Job delivered", zap.String("target", job.Target))
	return nil
}
