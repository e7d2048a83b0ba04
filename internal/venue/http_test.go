package venue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestHTTPVenue_Executed(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "gov-1:7", r.Header.Get(IdempotencyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"executed","routeExecutionId":"exec-42"}`))
	}))
	defer srv.Close()

	v := NewHTTPVenue("orca", srv.URL, time.Second)
	id, err := v.Execute(context.Background(), sampleExecution(7))

	require.NoError(t, err)
	assert.Equal(t, "exec-42", id)
	assert.Equal(t, "gov-1", got.GovernorID)
	assert.Equal(t, "7", got.TransitionNonce)
	assert.Equal(t, "1000", got.AmountRaw)
	assert.Equal(t, "0x56454e55453a555344432d3e55534454", got.RouteData)
	assert.Equal(t, sampleExecution(7).RouteDataHash, got.RouteDataHash)
}

func TestHTTPVenue_RetryReusesIdempotencyKey(t *testing.T) {
	var keys []string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		keys = append(keys, r.Header.Get(IdempotencyHeader))
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"status":"executed","routeExecutionId":"exec-9"}`)),
			Header:     make(http.Header),
		}, nil
	})}
	v := NewHTTPVenue("orca", "http://venue.invalid/execute", time.Second).WithHTTPClient(client)

	for range 2 {
		_, err := v.Execute(context.Background(), sampleExecution(9))
		require.NoError(t, err)
	}
	_, err := v.Execute(context.Background(), sampleExecution(10))
	require.NoError(t, err)

	assert.Equal(t, []string{"gov-1:9", "gov-1:9", "gov-1:10"}, keys)
}

func TestHTTPVenue_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		errSub string
	}{
		{"server error", http.StatusBadGateway, `bad gateway`, "status 502"},
		{"rejected status", http.StatusOK, `{"status":"rejected","error":"slippage"}`, "slippage"},
		{"pending status", http.StatusOK, `{"status":"pending"}`, `"pending"`},
		{"missing id", http.StatusOK, `{"status":"executed"}`, "without route execution id"},
		{"malformed body", http.StatusOK, `{`, "decode venue response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode: tt.status,
					Body:       io.NopCloser(strings.NewReader(tt.body)),
					Header:     make(http.Header),
				}, nil
			})}
			v := NewHTTPVenue("orca", "http://venue.invalid/execute", time.Second).WithHTTPClient(client)

			_, err := v.Execute(context.Background(), sampleExecution(1))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestHTTPVenue_TransportError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	v := NewHTTPVenue("orca", "http://venue.invalid/execute", 0).WithHTTPClient(client)

	_, err := v.Execute(context.Background(), sampleExecution(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
