package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fmarinho/agentgov/internal/auth"
	"github.com/fmarinho/agentgov/internal/circuitbreaker"
	"github.com/fmarinho/agentgov/internal/credstore"
	"github.com/fmarinho/agentgov/internal/crypto"
	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/ledger"
)

type AdminConfig struct {
	Breakers    *circuitbreaker.Registry
	Ledger      *ledger.Ledger
	Tiers       map[string]domain.Tier
	Sealer      *crypto.Sealer
	Credentials credstore.Store
	Auth        *auth.Middleware
}

type AdminHandler struct {
	breakers *circuitbreaker.Registry
	ledger   *ledger.Ledger
	tiers    map[string]domain.Tier
	sealer   *crypto.Sealer
	creds    credstore.Store
	mux      *http.ServeMux
	handler  http.Handler
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		breakers: cfg.Breakers,
		ledger:   cfg.Ledger,
		tiers:    cfg.Tiers,
		sealer:   cfg.Sealer,
		creds:    cfg.Credentials,
		mux:      http.NewServeMux(),
	}

	guard := func(p auth.Permission, fn http.HandlerFunc) http.Handler {
		if cfg.Auth == nil {
			return fn
		}
		return cfg.Auth.RequirePermission(p)(fn)
	}

	h.mux.Handle("GET /admin/breakers", guard(auth.PermissionBreakerRead, h.listBreakers))
	h.mux.Handle("POST /admin/breakers/{dependency}/reset", guard(auth.PermissionBreakerManage, h.resetBreaker))
	h.mux.Handle("GET /admin/tiers", guard(auth.PermissionTierRead, h.listTiers))
	h.mux.Handle("GET /admin/usage/{caller}", guard(auth.PermissionUsageRead, h.callerUsage))
	h.mux.Handle("GET /admin/usage/{caller}/records", guard(auth.PermissionUsageRead, h.callerRecords))
	h.mux.Handle("PUT /admin/callers/{caller}/credential", guard(auth.PermissionCredentialWrite, h.putCredential))
	h.mux.Handle("DELETE /admin/callers/{caller}/credential", guard(auth.PermissionCredentialWrite, h.deleteCredential))

	h.handler = http.Handler(h.mux)
	if cfg.Auth != nil {
		h.handler = cfg.Auth.RequireAuth(h.mux)
	}

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *AdminHandler) listBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"breakers": h.breakers.States(),
	})
}

func (h *AdminHandler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	dependency := r.PathValue("dependency")
	h.breakers.Reset(dependency)

	user, _ := auth.UserFromContext(r.Context())
	username := ""
	if user != nil {
		username = user.Username
	}
	slog.Info("circuit breaker reset", "dependency", dependency, "user", username)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"dependency": dependency,
		"state":      "closed",
	})
}

func (h *AdminHandler) listTiers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tiers": h.tiers,
		"count": len(h.tiers),
	})
}

func (h *AdminHandler) callerUsage(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}

	summary, err := h.ledger.Aggregate(r.Context(), caller, from, to)
	if err != nil {
		slog.Error("usage aggregation failed", "caller_id", caller, "error", err)
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *AdminHandler) callerRecords(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")

	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = t
	}

	records, err := h.ledger.Records(r.Context(), caller, since)
	if err != nil {
		slog.Error("record listing failed", "caller_id", caller, "error", err)
		writeError(w, http.StatusInternalServerError, "record listing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"records": records,
		"count":   len(records),
	})
}

type putCredentialRequest struct {
	Credential string `json:"credential"`
}

func (h *AdminHandler) putCredential(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")

	if h.sealer == nil || h.creds == nil {
		writeError(w, http.StatusNotImplemented, "credential storage not configured")
		return
	}

	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
		writeError(w, http.StatusBadRequest, "credential is required")
		return
	}

	sealed, err := h.sealer.Seal(req.Credential)
	if err != nil {
		slog.Error("credential sealing failed", "caller_id", caller, "error", err)
		writeError(w, http.StatusInternalServerError, "sealing failed")
		return
	}

	if err := h.creds.Put(r.Context(), caller, sealed); err != nil {
		slog.Error("credential store failed", "caller_id", caller, "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	slog.Info("caller credential stored",
		"caller_id", caller,
		"fingerprint", crypto.Fingerprint(req.Credential),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"caller_id":   caller,
		"fingerprint": crypto.Fingerprint(req.Credential),
	})
}

func (h *AdminHandler) deleteCredential(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")

	if h.creds == nil {
		writeError(w, http.StatusNotImplemented, "credential storage not configured")
		return
	}

	if err := h.creds.Delete(r.Context(), caller); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	slog.Info("caller credential deleted", "caller_id", caller)
	w.WriteHeader(http.StatusNoContent)
}
