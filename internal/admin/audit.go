package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const maxAuditBodyBytes = 1024

// AuditMiddleware logs every mutating request with a correlation id that is also
// returned to the client in X-Request-ID.
func AuditMiddleware(logger *slog.Logger, governorID string, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit", "governor_id", governorID)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		var bodySummary string
		if r.Body != nil {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
			if err == nil {
				bodySummary = string(bodyBytes)
				if len(bodyBytes) > maxAuditBodyBytes {
					bodySummary = string(bodyBytes[:maxAuditBodyBytes]) + "...(truncated)"
				}
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
		}

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelInfo
		if sw.statusCode >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		auditLogger.Log(r.Context(), level, "admin API audit",
			"request_id", requestID,
			"timestamp", start.UTC().Format(time.RFC3339),
			"remote_addr", r.RemoteAddr,
			"client_ip", extractClientIP(r),
			"method", r.Method,
			"path", r.URL.Path,
			"body_summary", bodySummary,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
