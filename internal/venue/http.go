package venue

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

const statusExecuted = "executed"

// IdempotencyHeader carries "<governorId>:<transitionNonce>". The governor may
// resend a nonce whose state commit failed after the venue executed, so the venue
// must answer a repeated key with the original result instead of executing again.
const IdempotencyHeader = "Idempotency-Key"

func idempotencyKey(exec model.RouteExecution) string {
	return exec.GovernorID + ":" + strconv.FormatUint(exec.TransitionNonce, 10)
}

// HTTPVenue delegates execution to a remote execute endpoint.
type HTTPVenue struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPVenue(name, url string, timeout time.Duration) *HTTPVenue {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPVenue{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient replaces the client, mainly for tests.
func (v *HTTPVenue) WithHTTPClient(c *http.Client) *HTTPVenue {
	v.client = c
	return v
}

func (v *HTTPVenue) Name() string { return v.name }

type executeRequest struct {
	GovernorID      string `json:"governorId"`
	CycleID         string `json:"cycleId"`
	TransitionNonce string `json:"transitionNonce"`
	AmountRaw       string `json:"amountRaw"`
	TokenIn         string `json:"tokenIn"`
	TokenOut        string `json:"tokenOut"`
	RouteData       string `json:"routeData"`
	RouteDataHash   string `json:"routeDataHash"`
}

type executeResponse struct {
	Status           string `json:"status"`
	RouteExecutionID string `json:"routeExecutionId"`
	Error            string `json:"error"`
}

func (v *HTTPVenue) Execute(ctx context.Context, exec model.RouteExecution) (string, error) {
	amount := "0"
	if exec.AmountRaw != nil {
		amount = exec.AmountRaw.String()
	}
	body, err := json.Marshal(executeRequest{
		GovernorID:      exec.GovernorID,
		CycleID:         exec.CycleID,
		TransitionNonce: strconv.FormatUint(exec.TransitionNonce, 10),
		AmountRaw:       amount,
		TokenIn:         exec.TokenIn,
		TokenOut:        exec.TokenOut,
		RouteData:       "0x" + hex.EncodeToString(exec.RouteData),
		RouteDataHash:   exec.RouteDataHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, idempotencyKey(exec))

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("venue %s execute: %w", v.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read venue response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("venue %s returned status %d: %s", v.name, resp.StatusCode, truncate(raw, 256))
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode venue response: %w", err)
	}
	if out.Status != statusExecuted {
		if out.Error != "" {
			return "", fmt.Errorf("venue %s status %q: %s", v.name, out.Status, out.Error)
		}
		return "", fmt.Errorf("venue %s status %q", v.name, out.Status)
	}
	if out.RouteExecutionID == "" {
		return "", fmt.Errorf("venue %s: executed without route execution id", v.name)
	}
	return out.RouteExecutionID, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
