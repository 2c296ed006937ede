package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookDelivers(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("content-type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := Webhook{URL: srv.URL}.Notify(context.Background(), "agent-1", "approve?", map[string]any{"task_id": "tsk_1"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.Recipient)
	assert.Equal(t, "approve?", got.Content)
	assert.Equal(t, "tsk_1", got.Metadata["task_id"])
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Webhook{URL: srv.URL}.Notify(context.Background(), "a", "c", nil)
	require.Error(t, err)
}

func TestLogWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Logger: zerolog.New(&buf)}
	require.NoError(t, l.Notify(context.Background(), "agent-1", "done", map[string]any{"task_id": "tsk_1"}))
	assert.Contains(t, buf.String(), `"recipient":"agent-1"`)
	assert.Contains(t, buf.String(), `"task_id":"tsk_1"`)
	assert.Contains(t, buf.String(), `"message":"done"`)
}

type failing struct{ err error }

func (f failing) Notify(context.Context, string, string, map[string]any) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	e1 := errors.New("one")
	err := Multi{Nop{}, failing{e1}}.Notify(context.Background(), "a", "c", nil)
	require.ErrorIs(t, err, e1)
	require.NoError(t, Multi{Nop{}}.Notify(context.Background(), "a", "c", nil))
}
