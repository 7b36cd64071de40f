// Package provider talks to the external code-execution API. The provider is
// opaque: it may answer a submission synchronously with a full result, or with
// a bare acknowledgement followed by an out-of-band webhook callback.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds each provider call.
const requestTimeout = 30 * time.Second

// maxReplySize caps how much of a provider reply is read.
const maxReplySize = 4 << 20 // 4 MB

// ackTokens are bare synchronous replies meaning "submitted, result follows
// via webhook". Matched case-insensitively.
var ackTokens = map[string]bool{
	"ok":        true,
	"success":   true,
	"submitted": true,
}

// SubmitRequest is one code submission to the provider.
type SubmitRequest struct {
	Code        string
	Input       string
	Compiler    string
	ExecutionID string
}

// Result is a provider execution result normalized into canonical field names.
// Status carries the provider's raw status indicator when present; callers
// classify it against the canonical vocabulary.
type Result struct {
	Output        string
	ErrorOutput   string
	ExecutionTime string
	MemoryUsage   string
	Status        string
}

// Reply is the provider's synchronous answer to a submission: either a bare
// acknowledgement (result arrives later via webhook) or an immediate result.
type Reply struct {
	Acknowledged bool
	Result       *Result
}

// WebhookResult is the wire shape of a provider webhook callback body.
type WebhookResult struct {
	Output      string          `json:"output"`
	Error       string          `json:"error"`
	CPU         string          `json:"cpu"`
	Memory      string          `json:"memory"`
	Status      string          `json:"status"`
	ExtraParams json.RawMessage `json:"extra_params"`
}

// Normalize converts the webhook wire shape into a Result.
func (w *WebhookResult) Normalize() Result {
	return Result{
		Output:        w.Output,
		ErrorOutput:   w.Error,
		ExecutionTime: w.CPU,
		MemoryUsage:   w.Memory,
		Status:        w.Status,
	}
}

// syncReply is the wire shape of an immediate provider result.
type syncReply struct {
	Output  string `json:"output"`
	Error   string `json:"error"`
	CPUTime string `json:"cpuTime"`
	Memory  string `json:"memory"`
	Status  string `json:"status"`
}

// Client submits code to the execution provider over HTTP.
type Client struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a provider client. The API key is sent as the
// Authorization header on every request.
func NewClient(url, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Submit posts a code submission to the provider and interprets the
// synchronous reply. The execution identifier rides along in extra_params and
// is echoed back by the provider's webhook for correlation.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Reply, error) {
	body, err := json.Marshal(map[string]any{
		"code":     req.Code,
		"input":    req.Input,
		"compiler": req.Compiler,
		"extra_params": map[string]string{
			"execution_id": req.ExecutionID,
		},
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Authorization", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return Reply{}, fmt.Errorf("read provider reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return c.parseReply(req.ExecutionID, strings.TrimSpace(string(raw))), nil
}

// parseReply interprets the synchronous reply text: a bare acknowledgement
// token means the result arrives via webhook; a JSON body is an immediate
// result; anything else is treated as plain-text output.
func (c *Client) parseReply(executionID, raw string) Reply {
	if ackTokens[strings.ToLower(raw)] {
		c.logger.Debug("provider acknowledged submission", "execution_id", executionID)
		return Reply{Acknowledged: true}
	}

	var sr syncReply
	if err := json.Unmarshal([]byte(raw), &sr); err == nil {
		return Reply{Result: &Result{
			Output:        sr.Output,
			ErrorOutput:   sr.Error,
			ExecutionTime: sr.CPUTime,
			MemoryUsage:   sr.Memory,
			Status:        sr.Status,
		}}
	}

	c.logger.Debug("provider reply is not JSON, treating as plain output", "execution_id", executionID)
	return Reply{Result: &Result{Output: raw}}
}
