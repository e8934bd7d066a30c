// ABOUTME: HTTP JSON client for a real automation backend service
// ABOUTME: Maps 2xx to success, 429/5xx/network failures to retryable, other statuses to terminal

package automation

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

	"github.com/2389/reciprocity-gateway/internal/apperr"
)

// HTTPBackend posts actions to {BaseURL}/actions.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPBackend creates a backend client. Pass nil logger for default.
func NewHTTPBackend(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "automation-http"),
	}
}

type actionResponse struct {
	Reason string `json:"reason"`
}

// PerformAction sends one action request.
func (b *HTTPBackend) PerformAction(ctx context.Context, req ActionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return apperr.TerminalBackend("encoding action request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/actions", bytes.NewReader(body))
	if err != nil {
		return apperr.TerminalBackend("building action request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return apperr.RetryableBackend("backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	reason := readReason(resp.Body)
	statusErr := fmt.Errorf("status %d", resp.StatusCode)
	b.logger.Warn("action rejected",
		"identity", req.Identity,
		"status", resp.StatusCode,
		"reason", reason)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return apperr.RetryableBackend(reason, statusErr)
	}
	return apperr.TerminalBackend(reason, statusErr)
}

func readReason(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no reason given"
	}
	var ar actionResponse
	if json.Unmarshal(data, &ar) == nil && ar.Reason != "" {
		return ar.Reason
	}
	return strings.TrimSpace(string(data))
}
