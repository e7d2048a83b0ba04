package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/cycle-governor/internal/metrics"
)

type AlertType string

const (
	AlertTypeHalted         AlertType = "HALTED"
	AlertTypeRecovered      AlertType = "RECOVERED"
	AlertTypePaused         AlertType = "PAUSED"
	AlertTypeResumed        AlertType = "RESUMED"
	AlertTypePolicyBlocked  AlertType = "POLICY_BLOCKED"
	AlertTypeEvidenceFailed AlertType = "EVIDENCE_FAILED"
)

// Alert is one operator notification about a governor.
type Alert struct {
	Type     AlertType
	Governor string
	CycleID  string
	Title    string
	Message  string
	Fields   map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out to every channel, suppressing repeats of the same
// type for the same governor within the cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		nowFunc:  time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.Governor)
}

func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	if len(m.alerters) == 0 {
		return nil
	}
	key := cooldownKey(alert)
	now := m.nowFunc()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"governor_id", alert.Governor,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "other"
	}
}

type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func slackEmoji(t AlertType) string {
	switch t {
	case AlertTypeHalted:
		return ":rotating_light:"
	case AlertTypeRecovered, AlertTypeResumed:
		return ":white_check_mark:"
	case AlertTypePaused:
		return ":double_vertical_bar:"
	case AlertTypePolicyBlocked:
		return ":no_entry:"
	default:
		return ":warning:"
	}
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s: %s\n%s", slackEmoji(alert.Type), alert.Type, alert.Governor, alert.Title, alert.Message)
	if alert.CycleID != "" {
		fmt.Fprintf(&b, "\n- *cycle*: %s", alert.CycleID)
	}
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
	}

	body, err := json.Marshal(map[string]string{"text": b.String()})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.webhookURL, body, "slack")
}

type WebhookAlerter struct {
	url     string
	client  *http.Client
	nowFunc func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		nowFunc: time.Now,
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(map[string]any{
		"type":     string(alert.Type),
		"governor": alert.Governor,
		"cycleId":  alert.CycleID,
		"title":    alert.Title,
		"message":  alert.Message,
		"fields":   alert.Fields,
		"time":     w.nowFunc().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, channel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter is used when no channel is configured.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error { return nil }
