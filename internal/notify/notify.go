// Package notify delivers approval requests and task outcome reports to the
// messaging side of the platform.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Notifier interface {
	Notify(ctx context.Context, recipient, content string, metadata map[string]any) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, map[string]any) error { return nil }

// Log writes notifications to a zerolog logger.
type Log struct {
	Logger zerolog.Logger
}

func NewLog() Log {
	return Log{Logger: log.With().Str("component", "notify").Logger()}
}

func (l Log) Notify(ctx context.Context, recipient, content string, metadata map[string]any) error {
	l.Logger.Info().
		Str("recipient", recipient).
		Fields(metadata).
		Msg(content)
	return nil
}

// Webhook POSTs a JSON envelope to URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

type webhookPayload struct {
	Recipient string         `json:"recipient"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

func (w Webhook) Notify(ctx context.Context, recipient, content string, metadata map[string]any) error {
	body, err := json.Marshal(webhookPayload{
		Recipient: recipient,
		Content:   content,
		Metadata:  metadata,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver notification: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, recipient, content string, metadata map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, content, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
