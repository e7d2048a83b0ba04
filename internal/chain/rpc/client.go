// Package rpc is a minimal Ethereum JSON-RPC client for observing governor
// contract transactions.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/emperorhan/cycle-governor/internal/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type RPCClient interface {
	GetBlockNumber(ctx context.Context) (int64, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error)
	GetLogs(ctx context.Context, filter LogFilter) ([]*Log, error)
}

type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
	logger     *slog.Logger
}

type Option func(*Client)

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = ratelimit.NewLimiter(rps, burst, func() { metrics.RPCRateLimitWaits.Inc() })
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func NewClient(rpcURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		logger:     logger.With("component", "rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context, method string, params []any) (result json.RawMessage, err error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "rpc."+method, trace.WithAttributes(attribute.String("rpc.method", method)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	defer func() {
		metrics.RPCCallsTotal.WithLabelValues(method, ratelimit.ClassifyCallError(err)).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		c.logger.Debug("rpc error response", "method", method, "code", rpcResp.Error.Code, "message", rpcResp.Error.Message)
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
