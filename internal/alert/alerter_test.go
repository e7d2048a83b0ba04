package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:     AlertTypeHalted,
		Governor: "gov-1",
		CycleID:  "c1",
		Title:    "Cycle halted",
		Message:  "venue execution failed",
		Fields: map[string]string{
			"transition_nonce": "7",
			"reason":           "venue_execution_failed",
		},
	}
}

func countingServer(status int) (*httptest.Server, *atomic.Int32) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(status)
	}))
	return srv, &n
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	slackSrv, slackN := countingServer(http.StatusOK)
	defer slackSrv.Close()
	webhookSrv, webhookN := countingServer(http.StatusOK)
	defer webhookSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(webhookSrv.URL))

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), slackN.Load())
	assert.Equal(t, int32(1), webhookN.Load())
}

func TestMultiAlerter_Cooldown(t *testing.T) {
	srv, n := countingServer(http.StatusOK)
	defer srv.Close()

	now := time.Unix(1700000000, 0)
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	multi.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, multi.Send(ctx, testAlert()))
	require.NoError(t, multi.Send(ctx, testAlert()))
	assert.Equal(t, int32(1), n.Load(), "repeat within cooldown is suppressed")

	other := testAlert()
	other.Governor = "gov-2"
	require.NoError(t, multi.Send(ctx, other))
	recovered := testAlert()
	recovered.Type = AlertTypeRecovered
	require.NoError(t, multi.Send(ctx, recovered))
	assert.Equal(t, int32(3), n.Load(), "other governor and other type are independent")

	now = now.Add(time.Minute)
	require.NoError(t, multi.Send(ctx, testAlert()))
	assert.Equal(t, int32(4), n.Load())
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	failSrv, _ := countingServer(http.StatusInternalServerError)
	defer failSrv.Close()
	goodSrv, goodN := countingServer(http.StatusOK)
	defer goodSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(failSrv.URL), NewWebhookAlerter(goodSrv.URL))

	err := multi.Send(context.Background(), testAlert())
	assert.Error(t, err)
	assert.Equal(t, int32(1), goodN.Load())
}

func TestMultiAlerter_NoChannels(t *testing.T) {
	multi := NewMultiAlerter(time.Hour, testLogger())
	assert.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.NoError(t, NoopAlerter{}.Send(context.Background(), testAlert()))
}

type alerterFunc func(context.Context, Alert) error

func (f alerterFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

func TestMultiAlerter_CustomChannel(t *testing.T) {
	var got []Alert
	boom := errors.New("boom")
	multi := NewMultiAlerter(0, testLogger(),
		alerterFunc(func(_ context.Context, a Alert) error { got = append(got, a); return nil }),
		alerterFunc(func(context.Context, Alert) error { return boom }),
	)

	assert.ErrorIs(t, multi.Send(context.Background(), testAlert()), boom)
	require.Len(t, got, 1)
	assert.Equal(t, "gov-1", got[0].Governor)
}

func TestSlackAlerter_PayloadFormat(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(captured, &payload))
	text := payload["text"]
	assert.True(t, strings.HasPrefix(text, ":rotating_light: *[HALTED]* gov-1: Cycle halted"), text)
	assert.Contains(t, text, "venue execution failed")
	assert.Contains(t, text, "- *cycle*: c1")
	assert.Less(t, strings.Index(text, "*reason*"), strings.Index(text, "*transition_nonce*"), "fields are sorted")
}

func TestSlackEmoji(t *testing.T) {
	tests := []struct {
		typ   AlertType
		emoji string
	}{
		{AlertTypeHalted, ":rotating_light:"},
		{AlertTypeRecovered, ":white_check_mark:"},
		{AlertTypeResumed, ":white_check_mark:"},
		{AlertTypePaused, ":double_vertical_bar:"},
		{AlertTypePolicyBlocked, ":no_entry:"},
		{AlertTypeEvidenceFailed, ":warning:"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.emoji, slackEmoji(tt.typ), string(tt.typ))
	}
}

func TestWebhookAlerter_PayloadFormat(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	webhook := NewWebhookAlerter(srv.URL)
	webhook.nowFunc = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	require.NoError(t, webhook.Send(context.Background(), testAlert()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(captured, &payload))
	assert.Equal(t, "HALTED", payload["type"])
	assert.Equal(t, "gov-1", payload["governor"])
	assert.Equal(t, "c1", payload["cycleId"])
	assert.Equal(t, "Cycle halted", payload["title"])
	assert.Equal(t, "2026-03-04T05:06:07Z", payload["time"])
	fields, ok := payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "7", fields["transition_nonce"])
}
