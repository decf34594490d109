// Package api exposes the governance core over HTTP. The execution endpoint
// trusts caller identity from headers: authentication happens upstream in
// the marketplace layer, this service only governs and meters.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fmarinho/agentgov/internal/credstore"
	"github.com/fmarinho/agentgov/internal/crypto"
	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Executor runs one governed execution. Satisfied by dispatch.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionRecord
}

type HandlerConfig struct {
	Executor     Executor
	Tiers        map[string]domain.Tier
	Models       []domain.ModelDescriptor
	Sealer       *crypto.Sealer
	Credentials  credstore.Store
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	executor Executor
	tiers    map[string]domain.Tier
	models   []domain.ModelDescriptor
	sealer   *crypto.Sealer
	creds    credstore.Store
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		executor: cfg.Executor,
		tiers:    cfg.Tiers,
		models:   cfg.Models,
		sealer:   cfg.Sealer,
		creds:    cfg.Credentials,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/executions", h.handleExecute)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", readyHandler(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type executionBody struct {
	Input                string   `json:"input"`
	RequiresReasoning    bool     `json:"requires_reasoning,omitempty"`
	RequiresHighFidelity bool     `json:"requires_high_fidelity,omitempty"`
	MaxOutputTokens      int      `json:"max_output_tokens,omitempty"`
	Model                string   `json:"model,omitempty"`
	BudgetUSD            *float64 `json:"budget_usd,omitempty"`
	MinQuality           *int     `json:"min_quality,omitempty"`
	MaxLatencyMs         *int64   `json:"max_latency_ms,omitempty"`
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	callerID := r.Header.Get("X-Caller-ID")
	tierName := r.Header.Get("X-Tier")
	if callerID == "" || tierName == "" {
		writeError(w, http.StatusBadRequest, "missing X-Caller-ID or X-Tier header")
		return
	}

	var body executionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := domain.ExecutionRequest{
		ID:       requestID,
		CallerID: callerID,
		Tier:     tierName,
		Payload: domain.TaskPayload{
			Input:                body.Input,
			RequiresReasoning:    body.RequiresReasoning,
			RequiresHighFidelity: body.RequiresHighFidelity,
			MaxOutputTokens:      body.MaxOutputTokens,
		},
		ModelOverride: body.Model,
		BudgetUSD:     body.BudgetUSD,
		MinQuality:    body.MinQuality,
		MaxLatencyMs:  body.MaxLatencyMs,
	}

	if tier, ok := h.tiers[tierName]; ok && tier.BYOK {
		cred, err := h.resolveCredential(r, callerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BYOK tier requires a provider credential")
			return
		}
		req.BYOKCred = cred
	}

	rec := h.executor.Execute(ctx, req)

	status := statusCode(rec)
	if rec.RetryAfterMs > 0 {
		secs := int(math.Ceil(float64(rec.RetryAfterMs) / 1000))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rec)
}

// resolveCredential prefers an inline key from the request, falling back to
// the caller's stored sealed credential.
func (h *Handler) resolveCredential(r *http.Request, callerID string) (string, error) {
	if key := r.Header.Get("X-Provider-Key"); key != "" {
		return key, nil
	}
	if h.creds == nil || h.sealer == nil {
		return "", credstore.ErrNotFound
	}

	sealed, err := h.creds.Get(r.Context(), callerID)
	if err != nil {
		return "", err
	}

	cred, err := h.sealer.Open(sealed)
	if err != nil {
		slog.Error("stored credential failed to unseal", "caller_id", callerID, "error", err)
		return "", err
	}
	return cred, nil
}

// statusCode maps a terminal record to the HTTP status for the caller.
func statusCode(rec domain.ExecutionRecord) int {
	switch rec.Status {
	case domain.StatusSuccess:
		return http.StatusOK
	case domain.StatusTimeout:
		return http.StatusGatewayTimeout
	case domain.StatusRejected:
		if rec.Reason == domain.ReasonRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	default:
		switch rec.Reason {
		case domain.ReasonCircuitOpen:
			return http.StatusServiceUnavailable
		case domain.ReasonNoEligibleModel:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadGateway
		}
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"models": h.models,
		"count":  len(h.models),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": version,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
