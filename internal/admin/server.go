package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/evidence"
	"github.com/emperorhan/cycle-governor/internal/governor"
)

const (
	maxRequestBodyBytes  = 64 << 10
	defaultEvidenceLimit = 50
	maxEvidenceLimit     = 500
)

// Operator is the governor surface the admin API drives. *runner.Runner
// satisfies it, so recover and pause go through the same alerting path as the CLI.
type Operator interface {
	GovernorID() string
	Snapshot(ctx context.Context) (model.GovernorState, error)
	Recover(ctx context.Context, caller model.Caller) (*model.Receipt, error)
	SetPause(ctx context.Context, caller model.Caller, paused bool, reason string) (*model.Receipt, error)
}

// EvidenceLister reads back recorded artifacts.
type EvidenceLister interface {
	ListBySuite(ctx context.Context, suite string, limit int) ([]evidence.Artifact, error)
}

// Server provides an HTTP admin API for emergency operations on one governor.
type Server struct {
	op       Operator
	evidence EvidenceLister
	suite    string
	token    string
	logger   *slog.Logger
}

// NewServer creates an admin API server. Every request must carry
// "Authorization: Bearer <token>".
func NewServer(op Operator, token string, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		op:     op,
		token:  token,
		suite:  evidence.DefaultSuite,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithEvidenceLister enables GET /admin/v1/evidence for suite.
func WithEvidenceLister(l EvidenceLister, suite string) ServerOption {
	return func(s *Server) {
		s.evidence = l
		if suite != "" {
			s.suite = suite
		}
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/status", s.handleGetStatus)
	mux.HandleFunc("POST /admin/v1/recover", s.handleRecover)
	mux.HandleFunc("POST /admin/v1/pause", s.handlePause)
	mux.HandleFunc("GET /admin/v1/evidence", s.handleListEvidence)
	return s.requireToken(mux)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	GuardCode string `json:"guardCode,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, code governor.GuardCode) {
	writeJSON(w, status, errorResponse{Error: msg, GuardCode: string(code)})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return false
	}
	return true
}

// writeGovernorError maps guard rejections to 409 and everything else to 500.
func (s *Server) writeGovernorError(w http.ResponseWriter, op string, err error) {
	var ge *governor.GuardError
	if errors.As(err, &ge) {
		status := http.StatusConflict
		if ge.Code == governor.GuardCallerIdentity || ge.Code == governor.GuardEmergencyRole {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error(), ge.Code)
		return
	}
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error", "")
}

type statusResponse struct {
	GovernorID          string     `json:"governorId"`
	State               string     `json:"state"`
	LastTransitionNonce uint64     `json:"lastTransitionNonce"`
	LastCycleAt         *time.Time `json:"lastCycleAt,omitempty"`
	Paused              bool       `json:"paused"`
	PauseReason         string     `json:"pauseReason,omitempty"`
	Height              int64      `json:"height"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.op.Snapshot(r.Context())
	if err != nil {
		s.writeGovernorError(w, "get status", err)
		return
	}
	resp := statusResponse{
		GovernorID:          st.GovernorID,
		State:               st.State.String(),
		LastTransitionNonce: st.LastTransitionNonce,
		Paused:              st.Paused,
		PauseReason:         st.PauseReason,
		Height:              st.Height,
	}
	if !st.LastCycleAt.IsZero() {
		t := st.LastCycleAt.UTC()
		resp.LastCycleAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// callerRequest names the principal the operation runs as. Origin is set when the
// call was relayed, which the governor rejects.
type callerRequest struct {
	Caller string `json:"caller"`
	Origin string `json:"origin,omitempty"`
}

func (c callerRequest) toCaller() model.Caller {
	origin := c.Origin
	if origin == "" {
		origin = c.Caller
	}
	return model.Caller{Sender: c.Caller, Origin: origin}
}

type receiptResponse struct {
	TxHash          string        `json:"txHash"`
	BlockNumber     int64         `json:"blockNumber"`
	FinalState      string        `json:"finalState"`
	TransitionNonce uint64        `json:"transitionNonce"`
	Events          []model.Event `json:"events,omitempty"`
}

func newReceiptResponse(r *model.Receipt) receiptResponse {
	return receiptResponse{
		TxHash:          r.TxHash,
		BlockNumber:     r.BlockNumber,
		FinalState:      r.FinalState.String(),
		TransitionNonce: r.TransitionNonce,
		Events:          r.Events,
	}
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Caller) == "" {
		writeError(w, http.StatusBadRequest, "caller is required", "")
		return
	}

	receipt, err := s.op.Recover(r.Context(), req.toCaller())
	if err != nil {
		s.writeGovernorError(w, "recover", err)
		return
	}
	s.logger.Warn("governor recovered via admin API", "governor_id", s.op.GovernorID(), "caller", req.Caller, "tx_hash", receipt.TxHash)
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type pauseRequest struct {
	callerRequest
	Paused *bool  `json:"paused"`
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Caller) == "" || req.Paused == nil {
		writeError(w, http.StatusBadRequest, "caller and paused are required", "")
		return
	}
	if *req.Paused && strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required when pausing", "")
		return
	}

	receipt, err := s.op.SetPause(r.Context(), req.toCaller(), *req.Paused, req.Reason)
	if err != nil {
		s.writeGovernorError(w, "set pause", err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeError(w, http.StatusNotImplemented, "evidence listing requires the postgres backend", "")
		return
	}

	limit := defaultEvidenceLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxEvidenceLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxEvidenceLimit), "")
			return
		}
		limit = v
	}
	suite := s.suite
	if q := strings.TrimSpace(r.URL.Query().Get("suite")); q != "" {
		suite = q
	}

	artifacts, err := s.evidence.ListBySuite(r.Context(), suite, limit)
	if err != nil {
		s.logger.Error("list evidence failed", "suite", suite, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	if artifacts == nil {
		artifacts = []evidence.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}
