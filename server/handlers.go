package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opencomply/gateway/gateway"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeRegistryError maps registry lookup and registration errors to HTTP.
func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "CONNECTION_NOT_FOUND", err.Error())
	case errors.Is(err, gateway.ErrConnectionExists):
		writeError(w, http.StatusConflict, "CONNECTION_EXISTS", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness probes every registered connection. An empty registry is
// ready; a registry where every probe fails is not.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	results := s.reg.Health(r.Context())

	reachable := 0
	detail := make(map[string]string, len(results))
	for id, err := range results {
		if err == nil {
			reachable++
			detail[id] = "ok"
		} else {
			detail[id] = err.Error()
		}
	}

	status := http.StatusOK
	if len(results) > 0 && reachable == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"connections": detail,
		"reachable":   reachable,
		"total":       len(results),
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Connections())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.ConnectionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body: "+err.Error())
		return
	}

	if err := s.reg.Register(cfg); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Remove(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var update gateway.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body: "+err.Error())
		return
	}

	if err := s.reg.UpdateConfig(r.Context(), id, update); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.Metrics(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.reg.History(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.CircuitState(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.ResetCircuitBreaker(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.log.Info("circuit breaker reset via API", zap.String("connection", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "closed"})
}

// callRequest is the proxied call body. Timeout is in milliseconds; zero
// uses the connection default.
type callRequest struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	CallerKey string            `json:"callerKey,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// handleCall proxies one call through the registry. The envelope always
// comes back with 200; only an unknown connection or a bad body map to an
// HTTP error. Upstream failures are data, not transport errors.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body: "+err.Error())
		return
	}

	resp, err := s.reg.Call(r.Context(), id, gateway.Request{
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Body:      []byte(req.Body),
		CallerKey: req.CallerKey,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
