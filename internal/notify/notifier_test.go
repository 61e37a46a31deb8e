package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	name  string
	err   error
	sent  []string
	calls int
}

func (s *stubSender) Send(ctx context.Context, title, message string) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, title)
	return nil
}

func (s *stubSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotify_FiltersDisallowedEvents(t *testing.T) {
	sender := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{sender}, []string{EventTradeExecuted}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventSymbolBanned, "Banned", "msg"))
	assert.Zero(t, sender.calls)

	require.NoError(t, n.Notify(context.Background(), EventTradeExecuted, "Executed", "msg"))
	assert.Equal(t, []string{"Executed"}, sender.sent)
}

func TestNotify_EmptyFilterAllowsEverything(t *testing.T) {
	sender := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "Title", "msg"))
	assert.Equal(t, 1, sender.calls)
}

func TestNotify_OneFailingSenderDoesNotBlockOthers(t *testing.T) {
	failing := &stubSender{name: "telegram", err: errors.New("api down")}
	healthy := &stubSender{name: "discord"}
	n := NewNotifier([]Sender{failing, healthy}, nil, discardLogger())

	err := n.Notify(context.Background(), EventDrift, "Drift", "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	assert.Equal(t, 1, healthy.calls)
}

func TestNotifyAll_IgnoresFilter(t *testing.T) {
	sender := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{sender}, []string{EventTradeExecuted}, discardLogger())

	require.NoError(t, n.NotifyAll(context.Background(), "Startup", "engine online"))
	assert.Equal(t, 1, sender.calls)
}

func TestNotify_NoSendersIsNoOp(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	require.NoError(t, n.Notify(context.Background(), EventTradeExecuted, "Title", "msg"))
}

func TestDiscordSender_PostsWebhookPayload(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Trade executed", "BUY RELIANCE x25"))
	assert.Contains(t, got, "**Trade executed**")
	assert.Contains(t, got, "BUY RELIANCE x25")
}

func TestDiscordSender_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "Title", "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestPostJSON_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := &http.Client{}
	err := postJSON(ctx, client, srv.URL, map[string]string{"k": "v"}, "test")
	require.Error(t, err)
}
