package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow"
	"github.com/Kirky-X/limiteron/pkg/flow/ban"
	"github.com/Kirky-X/limiteron/pkg/flow/errs"
)

type checkRequest struct {
	Identifiers []identifierPayload `json:"identifiers"`
	Path        string              `json:"path,omitempty"`
	Method      string              `json:"method,omitempty"`
	Cost        int64               `json:"cost,omitempty"`
}

type identifierPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type checkResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	Detail       string `json:"detail,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

type banCreateRequest struct {
	Target     string `json:"target"`
	TargetType string `json:"target_type"`
	Reason     string `json:"reason"`
	Duration   string `json:"duration,omitempty"`
}

type unbanRequest struct {
	Target string `json:"target"`
	Actor  string `json:"actor,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var payload checkRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := &flow.RequestContext{
		Path:      payload.Path,
		Method:    payload.Method,
		Timestamp: time.Now(),
		Cost:      payload.Cost,
	}
	for _, id := range payload.Identifiers {
		req.Identifiers = append(req.Identifiers, flow.Identifier{
			Type:  flow.IdentifierType(id.Type),
			Value: id.Value,
		})
	}

	decision, err := s.getGovernor().Check(r.Context(), req)
	if err != nil {
		var verr *errs.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		slog.Error("admission check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	resp := checkResponse{
		Allowed: decision.Allowed,
		Reason:  string(decision.Reason),
		Detail:  decision.Detail,
	}
	if decision.RetryAfter > 0 {
		resp.RetryAfterMS = decision.RetryAfter.Milliseconds()
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
		if decision.RetryAfter > 0 {
			seconds := int64(decision.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.getGovernor().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      stats.Total,
		"allowed":    stats.Allowed,
		"rejected":   stats.Rejected,
		"banned":     stats.Banned,
		"errors":     stats.Errors,
		"rejections": s.getGovernor().Rejections(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBanCreate(w http.ResponseWriter, r *http.Request) {
	var payload banCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := ban.BanRequest{
		Target:     payload.Target,
		TargetType: payload.TargetType,
		Reason:     payload.Reason,
		Source:     ban.SourceManual,
	}
	if payload.Duration != "" {
		d, err := time.ParseDuration(payload.Duration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		req.Duration = d
	}

	record, err := s.getBanManager().Ban(r.Context(), req)
	if err != nil {
		if errs.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("ban creation failed", "target", payload.Target, "error", err)
		writeError(w, http.StatusInternalServerError, "ban creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleBanList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ban.Filter{
		TargetType:    query.Get("target_type"),
		TargetPattern: query.Get("target"),
		ActiveOnly:    query.Get("active") == "true",
	}
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	records, err := s.getBanManager().List(r.Context(), filter)
	if err != nil {
		if errs.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("ban listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ban listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": records, "count": len(records)})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var payload unbanRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := s.getBanManager().Unban(r.Context(), payload.Target, payload.Actor)
	if err != nil {
		if errs.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("unban failed", "target", payload.Target, "error", err)
		writeError(w, http.StatusInternalServerError, "unban failed")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "target is not banned")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
