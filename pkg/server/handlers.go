package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/pipeline"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type BatchRequest struct {
	Requests []pipeline.Request `json:"requests"`
}

type BatchResponse struct {
	Outcomes []pipeline.Outcome `json:"outcomes"`
}

type StatementRequest struct {
	SessionID string `json:"session_id"`
	SQL       string `json:"sql"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

// decode reads a size-limited JSON body into v, writing the error response
// itself when it returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) writeOutcome(w http.ResponseWriter, out pipeline.Outcome) {
	status := HTTPStatus(out)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	s.writeJSON(w, status, out)
}

func (s *Server) askHandler(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	out := s.pipeline.Ask(r.Context(), req)
	if out.Failed() {
		s.log.Debug("server: ask failed", "session", req.SessionID, "stage", out.Failure.Stage, "kind", out.Failure.Kind)
	}
	s.writeOutcome(w, out)
}

func (s *Server) batchHandler(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Requests) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(req.Requests) > s.cfg.MaxBatchSize {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", s.cfg.MaxBatchSize))
		return
	}
	for i, q := range req.Requests {
		if strings.TrimSpace(q.SessionID) == "" {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: session_id is required", i))
			return
		}
	}

	outcomes, err := s.pipeline.Batch(r.Context(), req.Requests)
	if err != nil {
		s.log.Warn("server: batch interrupted", "error", err)
		s.writeJSONError(w, http.StatusServiceUnavailable, "batch interrupted")
		return
	}
	s.writeJSON(w, http.StatusOK, BatchResponse{Outcomes: outcomes})
}

func (s *Server) statementHandler(w http.ResponseWriter, r *http.Request) {
	var req StatementRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	s.writeOutcome(w, s.pipeline.ExecuteStatement(r.Context(), req.SessionID, req.SQL))
}

// HTTPStatus maps an outcome to its response status. Failed outcomes still
// carry the full Outcome body.
func HTTPStatus(out pipeline.Outcome) int {
	if out.Failure == nil {
		return http.StatusOK
	}
	switch out.Failure.Kind {
	case qerrors.InvalidRequest:
		return http.StatusBadRequest
	case qerrors.ValidationRejected, qerrors.DatabaseError:
		return http.StatusUnprocessableEntity
	case qerrors.IndexUnavailable, qerrors.PoolExhausted:
		return http.StatusServiceUnavailable
	case qerrors.GenerationFailed:
		return http.StatusBadGateway
	case qerrors.ExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
