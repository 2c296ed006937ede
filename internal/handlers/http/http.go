package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentflow/internal/worker"
)

type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTP) Handle(ctx context.Context, params worker.Parameters) (worker.Result, error) {
	var req Request
	if err := params.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request parameters: %w", err)
	}

	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// 4xx and 5xx count as failures so the task is retried
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	return worker.Result{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}, nil
}
